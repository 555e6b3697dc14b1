package catalog

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"ai_routing/internal/models"
	"ai_routing/internal/storage"
	"ai_routing/internal/utils"
)

var (
	// ErrUnknownProvider is returned for names the catalog does not hold
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrProviderInactive is returned for a deactivated catalog entry
	ErrProviderInactive = errors.New("provider is inactive")
)

//go:embed seed.yaml
var defaultSeed []byte

var slug = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Store is the persistence the catalog needs
type Store interface {
	GetByName(ctx context.Context, name string) (*models.ProviderDescriptor, error)
	List(ctx context.Context, activeOnly bool) ([]*models.ProviderDescriptor, error)
	Upsert(ctx context.Context, p *models.ProviderDescriptor, now time.Time) (bool, error)
	SetActive(ctx context.Context, name string, active bool, now time.Time) error
}

// SeedResult lists what a seed run changed
type SeedResult struct {
	Inserted []string `json:"inserted"`
	Updated  []string `json:"updated"`
}

// Service is the read-mostly provider catalog. Lookups by name go through
// an LRU cache that seeding and activation toggles invalidate.
type Service struct {
	store  Store
	cache  *storage.LRUCache[*models.ProviderDescriptor]
	logger *utils.Logger
	now    func() time.Time
}

// NewService creates a catalog service
func NewService(store Store, cacheSize int, cacheTTL time.Duration) *Service {
	return &Service{
		store:  store,
		cache:  storage.NewLRUCache[*models.ProviderDescriptor](cacheSize, cacheTTL),
		logger: utils.NewLogger("catalog"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// List returns active descriptors ordered by sort_order
func (s *Service) List(ctx context.Context) ([]*models.ProviderDescriptor, error) {
	return s.store.List(ctx, true)
}

// Get returns a descriptor, active or not
func (s *Service) Get(ctx context.Context, name string) (*models.ProviderDescriptor, error) {
	if p, ok := s.cache.Get(name); ok {
		return p, nil
	}

	p, err := s.store.GetByName(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrProviderNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
		}
		return nil, err
	}
	s.cache.Set(name, p)
	return p, nil
}

// GetActive returns a descriptor that is usable for new keys and aliases
func (s *Service) GetActive(ctx context.Context, name string) (*models.ProviderDescriptor, error) {
	p, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrProviderInactive, name)
	}
	return p, nil
}

// Seed upserts entries by name. Running it again with the same entries
// changes nothing but updated_at, and an operator's deactivation survives.
func (s *Service) Seed(ctx context.Context, entries []*models.ProviderDescriptor) (*SeedResult, error) {
	for _, e := range entries {
		if err := Validate(e); err != nil {
			return nil, err
		}
	}

	result := &SeedResult{Inserted: []string{}, Updated: []string{}}
	now := s.now()
	for _, e := range entries {
		inserted, err := s.store.Upsert(ctx, e, now)
		if err != nil {
			return result, err
		}
		if inserted {
			result.Inserted = append(result.Inserted, e.Name)
		} else {
			result.Updated = append(result.Updated, e.Name)
		}
		s.cache.Delete(e.Name)
	}

	s.logger.Info("Catalog seeded", "inserted", len(result.Inserted), "updated", len(result.Updated))
	return result, nil
}

// SeedDefaults seeds the embedded default catalog
func (s *Service) SeedDefaults(ctx context.Context) (*SeedResult, error) {
	entries, err := DefaultEntries()
	if err != nil {
		return nil, err
	}
	return s.Seed(ctx, entries)
}

// SetActive toggles a descriptor in place; entries are never deleted
func (s *Service) SetActive(ctx context.Context, name string, active bool) error {
	if err := s.store.SetActive(ctx, name, active, s.now()); err != nil {
		if errors.Is(err, storage.ErrProviderNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
		}
		return err
	}
	s.cache.Delete(name)
	return nil
}

// DefaultEntries parses the embedded seed file
func DefaultEntries() ([]*models.ProviderDescriptor, error) {
	return ParseEntries(defaultSeed)
}

// ParseEntries parses a YAML document with a top-level providers list
func ParseEntries(data []byte) ([]*models.ProviderDescriptor, error) {
	var doc struct {
		Providers []*models.ProviderDescriptor `yaml:"providers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	for _, p := range doc.Providers {
		if err := Validate(p); err != nil {
			return nil, err
		}
	}
	return doc.Providers, nil
}

// Validate checks a descriptor before it is stored
func Validate(p *models.ProviderDescriptor) error {
	if p == nil {
		return fmt.Errorf("catalog entry is empty")
	}
	if !slug.MatchString(p.Name) {
		return fmt.Errorf("catalog entry %q: name must be a lowercase slug", p.Name)
	}
	if p.DisplayName == "" {
		return fmt.Errorf("catalog entry %s: display_name is required", p.Name)
	}
	if p.Tier != 1 && p.Tier != 2 {
		return fmt.Errorf("catalog entry %s: tier must be 1 or 2", p.Name)
	}
	if p.IsAggregator && p.Tier != 2 {
		return fmt.Errorf("catalog entry %s: aggregators are tier 2", p.Name)
	}
	if len(p.SupportedModalities) == 0 {
		return fmt.Errorf("catalog entry %s: at least one modality is required", p.Name)
	}
	for _, m := range p.SupportedModalities {
		if !m.Valid() {
			return fmt.Errorf("catalog entry %s: unknown modality %q", p.Name, m)
		}
	}
	for _, f := range p.SupportedFeatures {
		if !f.Valid() {
			return fmt.Errorf("catalog entry %s: unknown capability %q", p.Name, f)
		}
	}
	for m := range p.DefaultModels {
		if !p.SupportsModality(m) {
			return fmt.Errorf("catalog entry %s: default model for unsupported modality %q", p.Name, m)
		}
	}
	for m := range p.PricingModel {
		if !p.SupportsModality(m) {
			return fmt.Errorf("catalog entry %s: pricing for unsupported modality %q", p.Name, m)
		}
	}
	return nil
}
