package models

import (
	"fmt"
	"strings"
)

// Modality is the kind of media a provider or alias works with.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
	ModalityAudio Modality = "audio"
	ModalityVideo Modality = "video"
)

// Valid reports whether m is one of the known modalities.
func (m Modality) Valid() bool {
	switch m {
	case ModalityText, ModalityImage, ModalityAudio, ModalityVideo:
		return true
	}
	return false
}

// ParseModality normalises and validates a modality name.
func ParseModality(s string) (Modality, error) {
	m := Modality(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("unknown modality %q", s)
	}
	return m, nil
}

// Feature is a capability flag a provider declares and an alias requests.
type Feature string

const (
	FeatureChat       Feature = "chat"
	FeatureCompletion Feature = "completion"
	FeatureEmbedding  Feature = "embedding"
	FeatureGenerate   Feature = "generate"
	FeatureEdit       Feature = "edit"
	FeatureVariation  Feature = "variation"
	FeatureSTT        Feature = "stt"
	FeatureTTS        Feature = "tts"
	FeatureCaption    Feature = "caption"
)

// Valid reports whether f is one of the known features.
func (f Feature) Valid() bool {
	switch f {
	case FeatureChat, FeatureCompletion, FeatureEmbedding, FeatureGenerate,
		FeatureEdit, FeatureVariation, FeatureSTT, FeatureTTS, FeatureCaption:
		return true
	}
	return false
}

// ParseFeature normalises and validates a capability name.
func ParseFeature(s string) (Feature, error) {
	f := Feature(strings.ToLower(strings.TrimSpace(s)))
	if !f.Valid() {
		return "", fmt.Errorf("unknown capability %q", s)
	}
	return f, nil
}

// KeyStatus is the health of a stored provider credential.
type KeyStatus string

const (
	KeyStatusActive   KeyStatus = "active"
	KeyStatusInvalid  KeyStatus = "invalid"
	KeyStatusMissing  KeyStatus = "missing"
	KeyStatusDisabled KeyStatus = "disabled"
)

// BudgetStatus is derived from spend against the configured monthly budget.
type BudgetStatus string

const (
	BudgetNoLimit  BudgetStatus = "no_limit"
	BudgetOK       BudgetStatus = "ok"
	BudgetWarning  BudgetStatus = "warning"
	BudgetExceeded BudgetStatus = "exceeded"
)

// RoutingPreference is an ordering hint kept as alias metadata. It never
// changes the order in which candidates are tried.
type RoutingPreference string

const (
	PreferQuality RoutingPreference = "quality"
	PreferSpeed   RoutingPreference = "speed"
	PreferCost    RoutingPreference = "cost"
)

// Valid reports whether p is a known preference.
func (p RoutingPreference) Valid() bool {
	switch p {
	case PreferQuality, PreferSpeed, PreferCost:
		return true
	}
	return false
}

// PricingUnit is the unit a pricing entry is quoted in.
type PricingUnit string

const (
	PricingUnitToken    PricingUnit = "token"
	PricingUnit1KTokens PricingUnit = "1k_tokens"
	PricingUnit1MTokens PricingUnit = "1m_tokens"
	PricingUnitImage    PricingUnit = "image"
	PricingUnitSecond   PricingUnit = "second"
	PricingUnitMinute   PricingUnit = "minute"
	PricingUnitRequest  PricingUnit = "request"
)
