package models

import "time"

// Pricing is a price quote for one modality. Either Input/Output rates per
// Unit are set, or a flat Cost per Unit.
type Pricing struct {
	Input  float64     `json:"input,omitempty" yaml:"input,omitempty"`
	Output float64     `json:"output,omitempty" yaml:"output,omitempty"`
	Cost   float64     `json:"cost,omitempty" yaml:"cost,omitempty"`
	Unit   PricingUnit `json:"unit" yaml:"unit"`
}

// Estimate returns the USD cost of a call with the given token counts.
// Flat-priced units count the call as one unit.
func (p Pricing) Estimate(inputTokens, outputTokens int64) float64 {
	if p.Cost > 0 {
		return p.Cost
	}
	var divisor float64
	switch p.Unit {
	case PricingUnitToken:
		divisor = 1
	case PricingUnit1KTokens:
		divisor = 1_000
	case PricingUnit1MTokens:
		divisor = 1_000_000
	default:
		return 0
	}
	return (float64(inputTokens)*p.Input + float64(outputTokens)*p.Output) / divisor
}

// RateLimits are the provider's published throughput limits.
type RateLimits struct {
	RequestsPerMinute int `json:"requests_per_minute,omitempty" yaml:"requests_per_minute,omitempty"`
	TokensPerMinute   int `json:"tokens_per_minute,omitempty" yaml:"tokens_per_minute,omitempty"`
}

// ProviderDescriptor is a catalog entry for an upstream AI provider
type ProviderDescriptor struct {
	Name                string        `db:"name" json:"name" yaml:"name"`
	DisplayName         string        `db:"display_name" json:"display_name" yaml:"display_name"`
	Tier                int           `db:"tier" json:"tier" yaml:"tier"`
	IsAggregator        bool          `db:"is_aggregator" json:"is_aggregator" yaml:"is_aggregator"`
	SupportedModalities ModalitySet   `db:"supported_modalities" json:"supported_modalities" yaml:"supported_modalities"`
	SupportedFeatures   FeatureSet    `db:"supported_features" json:"supported_features" yaml:"supported_features"`
	DefaultModels       ModelDefaults `db:"default_models" json:"default_models" yaml:"default_models"`
	PricingModel        PricingTable  `db:"pricing_model" json:"pricing_model" yaml:"pricing_model"`
	RateLimits          RateLimits    `db:"rate_limits" json:"rate_limits" yaml:"rate_limits"`
	DataResidency       string        `db:"data_residency" json:"data_residency" yaml:"data_residency"`
	APIBaseURL          string        `db:"api_base_url" json:"api_base_url,omitempty" yaml:"api_base_url"`
	IsActive            bool          `db:"is_active" json:"is_active" yaml:"is_active"`
	SortOrder           int           `db:"sort_order" json:"sort_order" yaml:"sort_order"`
	CreatedAt           time.Time     `db:"created_at" json:"created_at" yaml:"-"`
	UpdatedAt           time.Time     `db:"updated_at" json:"updated_at" yaml:"-"`
}

// SupportsModality reports whether the provider declares modality m.
func (p *ProviderDescriptor) SupportsModality(m Modality) bool {
	return p.SupportedModalities.Contains(m)
}

// SupportsFeature reports whether the provider declares capability f.
func (p *ProviderDescriptor) SupportsFeature(f Feature) bool {
	return p.SupportedFeatures.Contains(f)
}

// EstimateCost prices a call for modality m, or 0 when the provider has no
// quote for it.
func (p *ProviderDescriptor) EstimateCost(m Modality, inputTokens, outputTokens int64) float64 {
	pricing, ok := p.PricingModel[m]
	if !ok {
		return 0
	}
	return pricing.Estimate(inputTokens, outputTokens)
}
