package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

//
// JSON column helpers
//
// Postgres hands jsonb back as []byte while SQLite returns TEXT as string,
// so every JSON-backed column type funnels through scanJSON.

func valueJSON(v any) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func scanJSON(value any, dst any) error {
	var b []byte
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("json column: expected []byte or string, got %T", value)
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}

// ModalitySet is a JSON array of modalities.
type ModalitySet []Modality

func (s ModalitySet) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	return valueJSON([]Modality(s))
}

func (s *ModalitySet) Scan(value any) error {
	*s = nil
	return scanJSON(value, (*[]Modality)(s))
}

// Contains reports whether m is in the set.
func (s ModalitySet) Contains(m Modality) bool {
	for _, x := range s {
		if x == m {
			return true
		}
	}
	return false
}

// FeatureSet is a JSON array of capability flags.
type FeatureSet []Feature

func (s FeatureSet) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	return valueJSON([]Feature(s))
}

func (s *FeatureSet) Scan(value any) error {
	*s = nil
	return scanJSON(value, (*[]Feature)(s))
}

// Contains reports whether f is in the set.
func (s FeatureSet) Contains(f Feature) bool {
	for _, x := range s {
		if x == f {
			return true
		}
	}
	return false
}

// ModelDefaults maps a modality to the provider's default model id.
type ModelDefaults map[Modality]string

func (d ModelDefaults) Value() (driver.Value, error) {
	if d == nil {
		return "{}", nil
	}
	return valueJSON(map[Modality]string(d))
}

func (d *ModelDefaults) Scan(value any) error {
	*d = nil
	return scanJSON(value, (*map[Modality]string)(d))
}

// PricingTable maps a modality to its price quote.
type PricingTable map[Modality]Pricing

func (p PricingTable) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	return valueJSON(map[Modality]Pricing(p))
}

func (p *PricingTable) Scan(value any) error {
	*p = nil
	return scanJSON(value, (*map[Modality]Pricing)(p))
}

func (r RateLimits) Value() (driver.Value, error) {
	return valueJSON(r)
}

func (r *RateLimits) Scan(value any) error {
	*r = RateLimits{}
	return scanJSON(value, r)
}

func (c FallbackChain) Value() (driver.Value, error) {
	if c == nil {
		return "[]", nil
	}
	return valueJSON([]FallbackEntry(c))
}

func (c *FallbackChain) Scan(value any) error {
	*c = nil
	return scanJSON(value, (*[]FallbackEntry)(c))
}
