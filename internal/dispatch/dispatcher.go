// Package dispatch runs one logical request against an alias: candidates
// are tried strictly in rank order, each at most once, with budget held
// immediately before the call it gates and every attempt written to the
// usage ledger.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ai_routing/internal/aliases"
	"ai_routing/internal/billing"
	"ai_routing/internal/catalog"
	"ai_routing/internal/metrics"
	"ai_routing/internal/models"
	"ai_routing/internal/providers"
	"ai_routing/internal/ratelimit"
	"ai_routing/internal/utils"
	"ai_routing/internal/vault"
)

// AliasResolver turns an alias name into ordered candidates
type AliasResolver interface {
	Lookup(ctx context.Context, scope models.Scope, name string) (*models.ModelAlias, []aliases.Candidate, error)
}

// Catalog looks up provider descriptors
type Catalog interface {
	Get(ctx context.Context, name string) (*models.ProviderDescriptor, error)
}

// Vault is the credential and budget side of dispatch
type Vault interface {
	KeyFor(ctx context.Context, scope models.Scope, provider string) (*models.ProviderKey, error)
	Unseal(key *models.ProviderKey) (vault.Secret, error)
	Reserve(ctx context.Context, key *models.ProviderKey, estUSD float64, estTokens int64) (*billing.Reservation, error)
	ChargeUsage(ctx context.Context, r *billing.Reservation, costUSD float64, tokens int64) error
	MarkInvalid(ctx context.Context, key *models.ProviderKey, reason string) error
}

// Ledger stores attempts and budget skips
type Ledger interface {
	Record(ctx context.Context, rec *models.UsageRecord) error
	RecordBudgetSkip(ctx context.Context, skip *models.BudgetSkip) error
}

// Request is the caller's payload plus what is needed to price it up front
type Request struct {
	Payload              map[string]any
	EstimatedInputTokens int64
	MaxOutputTokens      int64
	// EstimatedCostUSD overrides the catalog-based estimate
	EstimatedCostUSD *float64
}

// DirectTarget names a provider and model for a call that bypasses aliases
type DirectTarget struct {
	Provider   string
	Model      string
	Modality   models.Modality
	Capability models.Feature
}

// Response is the winning attempt
type Response struct {
	DispatchID uuid.UUID       `json:"dispatch_id"`
	Provider   string          `json:"provider"`
	Model      string          `json:"model"`
	Rank       int             `json:"fallback_depth"`
	Body       json.RawMessage `json:"body,omitempty"`
	Tokens     int64           `json:"tokens"`
	CostUSD    float64         `json:"cost_usd"`
	LatencyMs  int64           `json:"latency_ms"`
	Attempts   []Attempt       `json:"attempts"`
}

// Config wires a Dispatcher
type Config struct {
	Aliases AliasResolver
	Catalog Catalog
	Vault   Vault
	Client  providers.Client
	Ledger  Ledger
	Limiter ratelimit.Limiter
	Metrics metrics.Recorder
	// Timeout bounds one upstream call for a catalog tier
	Timeout func(tier int) time.Duration
}

// Dispatcher executes dispatches. It holds no per-dispatch state and is
// safe for concurrent use.
type Dispatcher struct {
	aliases AliasResolver
	catalog Catalog
	vault   Vault
	client  providers.Client
	ledger  Ledger
	limiter ratelimit.Limiter
	metrics metrics.Recorder
	timeout func(tier int) time.Duration
	logger  *utils.Logger
}

// New creates a dispatcher
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		aliases: cfg.Aliases,
		catalog: cfg.Catalog,
		vault:   cfg.Vault,
		client:  cfg.Client,
		ledger:  cfg.Ledger,
		limiter: cfg.Limiter,
		metrics: cfg.Metrics,
		timeout: cfg.Timeout,
		logger:  utils.NewLogger("dispatch"),
	}
	if d.limiter == nil {
		d.limiter = ratelimit.NewNoopLimiter()
	}
	if d.metrics == nil {
		d.metrics = metrics.Noop{}
	}
	if d.timeout == nil {
		d.timeout = func(int) time.Duration { return 30 * time.Second }
	}
	return d
}

// run is the state of one dispatch
type run struct {
	id               uuid.UUID
	scope            models.Scope
	alias            *string
	modality         models.Modality
	capability       models.Feature
	allowAggregators bool
	req              Request
	attempts         []Attempt
	calls            int
	budgetSkips      int
}

// Dispatch completes req through the named alias
func (d *Dispatcher) Dispatch(ctx context.Context, scope models.Scope, aliasName string, req Request) (*Response, error) {
	alias, candidates, err := d.aliases.Lookup(ctx, scope, aliasName)
	if err != nil {
		if errors.Is(err, aliases.ErrAliasNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAliasNotFound, aliasName)
		}
		return nil, err
	}

	r := &run{
		id:               uuid.New(),
		scope:            scope,
		alias:            &alias.AliasName,
		modality:         alias.Modality,
		capability:       alias.Capability,
		allowAggregators: alias.AllowAggregators,
		req:              req,
	}
	return d.execute(ctx, r, candidates)
}

// DispatchDirect calls one provider and model without an alias. The
// attempt is recorded with no alias name.
func (d *Dispatcher) DispatchDirect(ctx context.Context, scope models.Scope, target DirectTarget, req Request) (*Response, error) {
	if target.Modality == "" {
		target.Modality = models.ModalityText
	}
	if target.Capability == "" {
		target.Capability = models.FeatureChat
	}
	desc, err := d.catalog.Get(ctx, target.Provider)
	if err != nil {
		return nil, err
	}
	if target.Model == "" {
		target.Model = desc.DefaultModels[target.Modality]
	}

	r := &run{
		id:               uuid.New(),
		scope:            scope,
		modality:         target.Modality,
		capability:       target.Capability,
		allowAggregators: true,
		req:              req,
	}
	return d.execute(ctx, r, []aliases.Candidate{{Provider: target.Provider, Model: target.Model, Rank: 0}})
}

func (d *Dispatcher) execute(ctx context.Context, r *run, candidates []aliases.Candidate) (*Response, error) {
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, d.cancelled(r, err)
		}

		resp, err := d.try(ctx, r, c)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			resp.Attempts = r.attempts
			d.metrics.DispatchResult("success", c.Rank)
			return resp, nil
		}
	}

	kind := ErrAllProvidersExhausted
	result := "exhausted"
	if r.calls == 0 && r.budgetSkips > 0 {
		kind = ErrBudgetExhausted
		result = "budget_exhausted"
	}
	d.metrics.DispatchResult(result, len(candidates)-1)
	d.logger.Warn("Dispatch exhausted",
		"dispatch_id", r.id,
		"alias", utils.StringPtrValue(r.alias),
		"tenant_id", r.scope.TenantID,
		"attempts", len(r.attempts),
		"result", result,
	)
	return nil, &ExhaustedError{Kind: kind, DispatchID: r.id, Attempts: r.attempts}
}

func (d *Dispatcher) cancelled(r *run, err error) error {
	d.metrics.DispatchResult("cancelled", len(r.attempts))
	return fmt.Errorf("dispatch %s cancelled: %w", r.id, err)
}

func (d *Dispatcher) skip(r *run, c aliases.Candidate, outcome, reason string) {
	r.attempts = append(r.attempts, Attempt{Provider: c.Provider, Model: c.Model, Rank: c.Rank, Outcome: outcome, Error: reason})
	metricOutcome := outcome
	if outcome != OutcomeBudgetSkip {
		metricOutcome = metrics.OutcomeNoKey
	}
	d.metrics.DispatchAttempt(c.Provider, metricOutcome, 0)
}

// try runs one candidate. It returns a response on success, nil when the
// chain should continue, and an error only when the dispatch must stop.
func (d *Dispatcher) try(ctx context.Context, r *run, c aliases.Candidate) (*Response, error) {
	desc, err := d.catalog.Get(ctx, c.Provider)
	switch {
	case errors.Is(err, catalog.ErrUnknownProvider):
		d.skip(r, c, OutcomeUnavailable, "not in catalog")
		return nil, nil
	case err != nil:
		return nil, err
	case !desc.IsActive:
		d.skip(r, c, OutcomeUnavailable, "provider inactive")
		return nil, nil
	case desc.IsAggregator && !r.allowAggregators:
		d.skip(r, c, OutcomeAggregator, "")
		return nil, nil
	}

	key, err := d.vault.KeyFor(ctx, r.scope, c.Provider)
	switch {
	case errors.Is(err, vault.ErrKeyNotFound):
		d.skip(r, c, OutcomeNoKey, "")
		return nil, nil
	case err != nil:
		return nil, err
	case key.Status != models.KeyStatusActive:
		d.skip(r, c, OutcomeKeyInactive, "key "+string(key.Status))
		return nil, nil
	case !key.AllowsModality(r.modality):
		d.skip(r, c, OutcomeKeyInactive, "key not scoped for "+string(r.modality))
		return nil, nil
	}

	if rpm := desc.RateLimits.RequestsPerMinute; rpm > 0 {
		allowed, err := d.limiter.Allow(ctx, r.scope.TenantID+":"+c.Provider, rpm)
		if err != nil {
			d.logger.Warn("Rate limiter unavailable, allowing call", "provider", c.Provider, "error", err)
		} else if !allowed {
			d.fail(ctx, r, c, key, &providers.Error{Kind: providers.KindRateLimited, Message: fmt.Sprintf("over %d requests per minute", rpm)}, nil, 0, 0, 0)
			return nil, nil
		}
	}

	estUSD, estTokens := d.estimate(desc, r)
	reservation, err := d.vault.Reserve(ctx, key, estUSD, estTokens)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrBudgetExceeded):
			d.budgetSkip(ctx, r, c, key, estUSD, err)
			return nil, nil
		case errors.Is(err, billing.ErrKeyInactive):
			d.skip(r, c, OutcomeKeyInactive, err.Error())
			return nil, nil
		}
		return nil, err
	}

	secret, err := d.vault.Unseal(key)
	if err != nil {
		d.fail(ctx, r, c, key, &providers.Error{Kind: providers.KindClient, Message: "credential could not be unsealed"}, reservation, 0, 0, 0)
		return nil, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout(desc.Tier))
	start := time.Now()
	result, callErr := d.client.Invoke(callCtx, providers.Call{
		Provider:   c.Provider,
		Model:      c.Model,
		Modality:   r.modality,
		Capability: r.capability,
		BaseURL:    desc.APIBaseURL,
		APIKey:     secret.Reveal(),
		Payload:    r.req.Payload,
	})
	latency := time.Since(start)
	cancel()
	if result != nil && result.Latency > 0 {
		latency = result.Latency
	}

	cost := d.actualCost(desc, r, result)
	r.calls++

	if callErr != nil {
		d.fail(ctx, r, c, key, callErr, reservation, cost, result.Tokens(), latency)
		if ctx.Err() != nil {
			return nil, d.cancelled(r, ctx.Err())
		}
		return nil, nil
	}

	// accounting survives a caller that disconnects right after the call
	acct := context.WithoutCancel(ctx)
	tokens := result.Tokens()
	if err := d.vault.ChargeUsage(acct, reservation, cost, tokens); err != nil {
		d.logger.Error("Failed to charge usage", "dispatch_id", r.id, "key_id", key.ID, "cost_usd", cost, "error", err)
	}
	d.record(acct, r, c, true, tokens, cost, latency, nil)
	d.metrics.DispatchAttempt(c.Provider, metrics.OutcomeSuccess, latency)

	r.attempts = append(r.attempts, Attempt{
		Provider:  c.Provider,
		Model:     c.Model,
		Rank:      c.Rank,
		Outcome:   metrics.OutcomeSuccess,
		LatencyMs: latency.Milliseconds(),
		CostUSD:   cost,
	})
	return &Response{
		DispatchID: r.id,
		Provider:   c.Provider,
		Model:      c.Model,
		Rank:       c.Rank,
		Body:       result.Body,
		Tokens:     tokens,
		CostUSD:    cost,
		LatencyMs:  latency.Milliseconds(),
	}, nil
}

// fail settles whatever the failed call cost and consumed, records the
// attempt and invalidates the key on an auth error
func (d *Dispatcher) fail(ctx context.Context, r *run, c aliases.Candidate, key *models.ProviderKey, callErr error, reservation *billing.Reservation, cost float64, tokens int64, latency time.Duration) {
	acct := context.WithoutCancel(ctx)
	kind := providers.KindOf(callErr)
	if kind == providers.KindTimeout && ctx.Err() != nil {
		kind = providers.KindCancelled
	}

	if reservation != nil {
		if err := d.vault.ChargeUsage(acct, reservation, cost, tokens); err != nil {
			d.logger.Error("Failed to settle failed call", "dispatch_id", r.id, "key_id", key.ID, "error", err)
		}
	}
	d.record(acct, r, c, false, tokens, cost, latency, &failure{kind: kind, err: callErr})

	outcome := metrics.OutcomeError
	if kind == providers.KindRateLimited && reservation == nil {
		outcome = metrics.OutcomeRateLimited
	}
	d.metrics.DispatchAttempt(c.Provider, outcome, latency)

	if kind == providers.KindAuth {
		if err := d.vault.MarkInvalid(acct, key, callErr.Error()); err != nil {
			d.logger.Error("Failed to mark key invalid", "key_id", key.ID, "error", err)
		}
	}

	r.attempts = append(r.attempts, Attempt{
		Provider:  c.Provider,
		Model:     c.Model,
		Rank:      c.Rank,
		Outcome:   outcome,
		ErrorKind: string(kind),
		Error:     callErr.Error(),
		LatencyMs: latency.Milliseconds(),
		CostUSD:   cost,
	})
	d.logger.Info("Candidate failed",
		"dispatch_id", r.id,
		"provider", c.Provider,
		"model", c.Model,
		"rank", c.Rank,
		"kind", kind,
	)
}

func (d *Dispatcher) budgetSkip(ctx context.Context, r *run, c aliases.Candidate, key *models.ProviderKey, estUSD float64, reason error) {
	r.budgetSkips++
	d.skip(r, c, OutcomeBudgetSkip, reason.Error())
	d.metrics.BudgetSkip(c.Provider)

	err := d.ledger.RecordBudgetSkip(context.WithoutCancel(ctx), &models.BudgetSkip{
		DispatchID:       r.id,
		TenantID:         r.scope.TenantID,
		WorkspaceID:      r.scope.WorkspaceID,
		AliasName:        r.alias,
		ProviderName:     c.Provider,
		Model:            c.Model,
		KeyID:            key.ID,
		Rank:             c.Rank,
		EstimatedCostUSD: estUSD,
		Reason:           reason.Error(),
	})
	if err != nil {
		d.logger.Error("Failed to record budget skip", "dispatch_id", r.id, "error", err)
	}
}

type failure struct {
	kind providers.ErrorKind
	err  error
}

func (d *Dispatcher) record(ctx context.Context, r *run, c aliases.Candidate, success bool, tokens int64, cost float64, latency time.Duration, f *failure) {
	rec := &models.UsageRecord{
		DispatchID:    r.id,
		TenantID:      r.scope.TenantID,
		WorkspaceID:   r.scope.WorkspaceID,
		AliasName:     r.alias,
		ProviderName:  c.Provider,
		Model:         c.Model,
		Tokens:        tokens,
		CostUSD:       cost,
		LatencyMs:     latency.Milliseconds(),
		Success:       success,
		FallbackDepth: c.Rank,
	}
	if f != nil {
		rec.ErrorMessage = utils.StringPtr(f.err.Error())
		rec.ErrorKind = utils.StringPtr(string(f.kind))
	}
	if err := d.ledger.Record(ctx, rec); err != nil {
		d.logger.Error("Failed to record attempt", "dispatch_id", r.id, "provider", c.Provider, "error", err)
	}
}

// estimate prices the request before the call
func (d *Dispatcher) estimate(desc *models.ProviderDescriptor, r *run) (float64, int64) {
	tokens := r.req.EstimatedInputTokens + r.req.MaxOutputTokens
	if r.req.EstimatedCostUSD != nil {
		return *r.req.EstimatedCostUSD, tokens
	}
	return desc.EstimateCost(r.modality, r.req.EstimatedInputTokens, r.req.MaxOutputTokens), tokens
}

// actualCost prefers the provider's reported cost and otherwise prices the
// reported usage from the catalog. Failed calls with no result cost nothing.
func (d *Dispatcher) actualCost(desc *models.ProviderDescriptor, r *run, result *providers.Result) float64 {
	if result == nil {
		return 0
	}
	if result.CostUSD > 0 {
		return result.CostUSD
	}
	if result.Tokens() == 0 && result.StatusCode >= 400 {
		return 0
	}
	return desc.EstimateCost(r.modality, result.InputTokens, result.OutputTokens)
}
