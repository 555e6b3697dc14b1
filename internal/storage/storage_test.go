package storage

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai_routing/internal/models"
	"ai_routing/internal/utils"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(DBConfig{Driver: DriverSQLite, DSN: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.MigrateUp(context.Background()))
	return db
}

func testKey(budget *float64, period string, now time.Time) *models.ProviderKey {
	return &models.ProviderKey{
		TenantID:          "t1",
		WorkspaceID:       "ws1",
		ProviderName:      "openai",
		Label:             "primary",
		EncryptedSecret:   "sealed",
		KeyLastFour:       "abcd",
		SecretFingerprint: "fp",
		MonthlyBudgetUSD:  budget,
		BudgetPeriod:      period,
		Status:            models.KeyStatusActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func TestMigrateUpIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.MigrateUp(ctx))
	version, err := db.MigrationVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.NoError(t, db.Health(ctx))
}

func TestProviderRepositoryUpsert(t *testing.T) {
	db := newTestDB(t)
	repo := db.NewProviderRepository()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	p := &models.ProviderDescriptor{
		Name:                "openai",
		DisplayName:         "OpenAI",
		Tier:                1,
		SupportedModalities: models.ModalitySet{models.ModalityText, models.ModalityImage},
		SupportedFeatures:   models.FeatureSet{models.FeatureChat},
		DefaultModels:       models.ModelDefaults{models.ModalityText: "gpt-4o-mini"},
		PricingModel: models.PricingTable{
			models.ModalityText: {Input: 0.15, Output: 0.6, Unit: models.PricingUnit1MTokens},
		},
		IsActive: true,
	}

	inserted, err := repo.Upsert(ctx, p, now)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Operator disables the entry; a reseed must not re-enable it
	require.NoError(t, repo.SetActive(ctx, "openai", false, now))

	p.DisplayName = "OpenAI Platform"
	inserted, err = repo.Upsert(ctx, p, now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := repo.GetByName(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, "OpenAI Platform", got.DisplayName)
	assert.False(t, got.IsActive)
	assert.True(t, got.SupportsModality(models.ModalityImage))
	assert.Equal(t, "gpt-4o-mini", got.DefaultModels[models.ModalityText])
	assert.True(t, got.CreatedAt.Equal(now))

	all, err := repo.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	active, err := repo.List(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = repo.GetByName(ctx, "missing")
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestProviderKeyRepositoryCreateAndFind(t *testing.T) {
	db := newTestDB(t)
	repo := db.NewProviderKeyRepository()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	invalid := testKey(nil, "2025-03", now)
	invalid.Label = "old"
	invalid.Status = models.KeyStatusInvalid
	require.NoError(t, repo.Create(ctx, invalid))

	active := testKey(utils.Float64Ptr(10), "2025-03", now.Add(time.Minute))
	active.Scopes = models.ModalitySet{models.ModalityText}
	require.NoError(t, repo.Create(ctx, active))

	dup := testKey(nil, "2025-03", now)
	assert.ErrorIs(t, repo.Create(ctx, dup), ErrDuplicate)

	found, err := repo.FindForProvider(ctx, "t1", "ws1", "openai")
	require.NoError(t, err)
	assert.Equal(t, active.ID, found.ID)
	assert.True(t, found.AllowsModality(models.ModalityText))
	assert.False(t, found.AllowsModality(models.ModalityImage))
	require.NotNil(t, found.MonthlyBudgetUSD)
	assert.Equal(t, 10.0, *found.MonthlyBudgetUSD)

	_, err = repo.FindForProvider(ctx, "t1", "ws2", "openai")
	assert.ErrorIs(t, err, ErrProviderKeyNotFound)

	keys, err := repo.ListByWorkspace(ctx, "t1", "ws1")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	msg := "401 unauthorized"
	require.NoError(t, repo.UpdateStatus(ctx, active.ID, models.KeyStatusInvalid, &msg, nil, now))
	got, err := repo.GetByID(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, models.KeyStatusInvalid, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, msg, *got.LastError)
	assert.Nil(t, got.LastVerifiedAt)
}

func TestReserveRespectsBudget(t *testing.T) {
	db := newTestDB(t)
	repo := db.NewProviderKeyRepository()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	key := testKey(utils.Float64Ptr(1.0), "2025-03", now)
	require.NoError(t, repo.Create(ctx, key))

	c, err := repo.Reserve(ctx, key.ID, "2025-03", 0.6, 100, now)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, c.ReservedUSD, 1e-9)
	assert.Equal(t, int64(1), c.CurrentRequests)

	// 0.6 + 0.6 would overshoot the cap
	_, err = repo.Reserve(ctx, key.ID, "2025-03", 0.6, 100, now)
	assert.ErrorIs(t, err, ErrBudgetExceeded)

	c, err = repo.Settle(ctx, key.ID, 0.6, 100, 0.5, 80, now)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, c.CurrentSpendUSD, 1e-9)
	assert.Equal(t, int64(80), c.CurrentTokens)
	assert.Zero(t, c.ReservedUSD)
	assert.Zero(t, c.ReservedTokens)

	// wrong period never matches
	_, err = repo.Reserve(ctx, key.ID, "2025-04", 0.1, 0, now)
	assert.ErrorIs(t, err, ErrBudgetExceeded)

	// spend reaching the cap blocks even a zero estimate
	_, err = repo.Settle(ctx, key.ID, 0, 0, 0.5, 0, now)
	require.NoError(t, err)
	_, err = repo.Reserve(ctx, key.ID, "2025-03", 0, 0, now)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestReserveHoldsLargestCallWhileInFlight(t *testing.T) {
	db := newTestDB(t)
	repo := db.NewProviderKeyRepository()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	key := testKey(utils.Float64Ptr(1.0), "2025-03", now)
	key.CurrentSpendUSD = 0.95
	require.NoError(t, repo.Create(ctx, key))

	c, err := repo.Reserve(ctx, key.ID, "2025-03", 0, 0, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.InFlight)
	assert.Zero(t, HoldUSD(0, c.MaxCallUSD))

	// a second call with no estimate and no history cannot join
	_, err = repo.Reserve(ctx, key.ID, "2025-03", 0, 0, now)
	assert.ErrorIs(t, err, ErrBudgetExceeded)

	c, err = repo.Settle(ctx, key.ID, 0, 0, 0.02, 5, now)
	require.NoError(t, err)
	assert.Zero(t, c.InFlight)
	assert.InDelta(t, 0.02, c.MaxCallUSD, 1e-9)
	assert.InDelta(t, 0.97, c.CurrentSpendUSD, 1e-9)

	c, err = repo.Reserve(ctx, key.ID, "2025-03", 0, 0, now)
	require.NoError(t, err)
	assert.InDelta(t, 0.02, c.ReservedUSD, 1e-9)

	// 0.97 + 0.02 held + 0.02 is past the cap
	_, err = repo.Reserve(ctx, key.ID, "2025-03", 0, 0, now)
	assert.ErrorIs(t, err, ErrBudgetExceeded)

	// a smaller actual cost never lowers the largest call
	c, err = repo.Settle(ctx, key.ID, 0.02, 0, 0.01, 0, now)
	require.NoError(t, err)
	assert.InDelta(t, 0.02, c.MaxCallUSD, 1e-9)
	assert.Zero(t, c.ReservedUSD)
}

func TestReserveReportsWhyNoRowQualified(t *testing.T) {
	db := newTestDB(t)
	repo := db.NewProviderKeyRepository()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := repo.Reserve(ctx, uuid.New(), "2025-03", 0.1, 0, now)
	assert.ErrorIs(t, err, ErrProviderKeyNotFound)

	key := testKey(utils.Float64Ptr(1.0), "2025-03", now)
	key.Status = models.KeyStatusDisabled
	require.NoError(t, repo.Create(ctx, key))

	_, err = repo.Reserve(ctx, key.ID, "2025-03", 0.1, 0, now)
	require.ErrorIs(t, err, ErrKeyInactive)
	assert.NotErrorIs(t, err, ErrBudgetExceeded)
	assert.Contains(t, err.Error(), "disabled")
}

func TestReserveRequestAndTokenLimits(t *testing.T) {
	db := newTestDB(t)
	repo := db.NewProviderKeyRepository()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	key := testKey(nil, "2025-03", now)
	key.MonthlyRequestLimit = utils.Int64Ptr(1)
	key.MonthlyTokenLimit = utils.Int64Ptr(500)
	require.NoError(t, repo.Create(ctx, key))

	_, err := repo.Reserve(ctx, key.ID, "2025-03", 0, 600, now)
	assert.ErrorIs(t, err, ErrBudgetExceeded, "token estimate above limit")

	_, err = repo.Reserve(ctx, key.ID, "2025-03", 0, 100, now)
	require.NoError(t, err)

	_, err = repo.Reserve(ctx, key.ID, "2025-03", 0, 100, now)
	assert.ErrorIs(t, err, ErrBudgetExceeded, "request limit reached")
}

func TestReserveConcurrentNeverOvershoots(t *testing.T) {
	db := newTestDB(t)
	repo := db.NewProviderKeyRepository()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	key := testKey(utils.Float64Ptr(10), "2025-03", now)
	require.NoError(t, repo.Create(ctx, key))

	var wg sync.WaitGroup
	var granted int64
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.Reserve(ctx, key.ID, "2025-03", 1.0, 0, now); err == nil {
				atomic.AddInt64(&granted, 1)
				_, err := repo.Settle(ctx, key.ID, 1.0, 0, 1.0, 0, now)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), granted)
	got, err := repo.GetByID(ctx, key.ID)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, got.CurrentSpendUSD, 1e-9)
	assert.Zero(t, got.ReservedUSD)
}

func TestRollPeriodIsForwardOnly(t *testing.T) {
	db := newTestDB(t)
	repo := db.NewProviderKeyRepository()
	ctx := context.Background()
	now := time.Date(2025, 3, 31, 23, 0, 0, 0, time.UTC)

	key := testKey(utils.Float64Ptr(5), "2025-03", now)
	key.CurrentSpendUSD = 5
	key.CurrentRequests = 7
	require.NoError(t, repo.Create(ctx, key))

	require.NoError(t, repo.RollPeriod(ctx, key.ID, "2025-04", now))
	got, err := repo.GetByID(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, "2025-04", got.BudgetPeriod)
	assert.Zero(t, got.CurrentSpendUSD)
	assert.Zero(t, got.CurrentRequests)

	// a late charge for March is dropped and does not roll the key back
	applied, err := repo.ApplyCharge(ctx, key.ID, "2025-03", 1, 10, 1, now)
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = repo.ApplyCharge(ctx, key.ID, "2025-04", 1.5, 10, 1, now)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err = repo.GetByID(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, "2025-04", got.BudgetPeriod)
	assert.InDelta(t, 1.5, got.CurrentSpendUSD, 1e-9)
	assert.Equal(t, int64(1), got.CurrentRequests)
}

func TestAliasRepository(t *testing.T) {
	db := newTestDB(t)
	repo := db.NewAliasRepository()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	alias := &models.ModelAlias{
		TenantID:        "t1",
		WorkspaceID:     "ws1",
		AliasName:       "smart",
		Modality:        models.ModalityText,
		Capability:      models.FeatureChat,
		PrimaryProvider: "openai",
		PrimaryModel:    "gpt-4o",
		FallbackChain: models.FallbackChain{
			{Provider: "anthropic", Model: "claude-3-5-sonnet", Priority: 1},
		},
		RoutingPreference: models.PreferQuality,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, repo.Create(ctx, alias))

	dup := *alias
	dup.ID = uuid.Nil
	assert.ErrorIs(t, repo.Create(ctx, &dup), ErrDuplicate)

	got, err := repo.GetByName(ctx, "t1", "ws1", "smart")
	require.NoError(t, err)
	assert.Equal(t, alias.ID, got.ID)
	require.Len(t, got.FallbackChain, 1)
	assert.Equal(t, "anthropic", got.FallbackChain[0].Provider)

	_, err = repo.GetByName(ctx, "t1", "ws2", "smart")
	assert.ErrorIs(t, err, ErrAliasNotFound)

	require.NoError(t, repo.SetActive(ctx, alias.ID, false, now))
	got, err = repo.GetByID(ctx, alias.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	list, err := repo.ListByWorkspace(ctx, "t1", "ws1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	assert.ErrorIs(t, repo.SetActive(ctx, uuid.New(), true, now), ErrAliasNotFound)
}

func TestUsageRepositoryWindow(t *testing.T) {
	db := newTestDB(t)
	repo := db.NewUsageRepository()
	ctx := context.Background()
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	dispatchID := uuid.New()
	alias := "smart"
	errMsg := "timeout"
	errKind := "timeout"

	records := []*models.UsageRecord{
		{DispatchID: dispatchID, TenantID: "t1", WorkspaceID: "ws1", AliasName: &alias, ProviderName: "openai", Model: "gpt-4o",
			Success: false, ErrorMessage: &errMsg, ErrorKind: &errKind, CreatedAt: day.Add(-time.Second)},
		{DispatchID: dispatchID, TenantID: "t1", WorkspaceID: "ws1", AliasName: &alias, ProviderName: "anthropic", Model: "claude",
			Tokens: 120, CostUSD: 0.01, Success: true, FallbackDepth: 1, CreatedAt: day},
		{DispatchID: uuid.New(), TenantID: "t1", WorkspaceID: "ws2", ProviderName: "openai", Model: "gpt-4o",
			Success: true, CreatedAt: day.Add(time.Hour)},
	}
	require.NoError(t, repo.CreateBatch(ctx, records))

	// replaying a batch is a no-op
	require.NoError(t, repo.CreateBatch(ctx, records[:1]))

	inWindow, err := repo.ListInWindow(ctx, "t1", "ws1", day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, inWindow, 1)
	assert.Equal(t, "anthropic", inWindow[0].ProviderName)
	assert.True(t, inWindow[0].CreatedAt.Equal(day))

	attempts, err := repo.ListByDispatch(ctx, dispatchID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, 0, attempts[0].FallbackDepth)
	require.NotNil(t, attempts[0].ErrorKind)
	assert.Equal(t, "timeout", *attempts[0].ErrorKind)

	skip := &models.BudgetSkip{
		DispatchID: dispatchID, TenantID: "t1", WorkspaceID: "ws1", AliasName: &alias,
		ProviderName: "openai", Model: "gpt-4o", KeyID: uuid.New(), Rank: 0,
		EstimatedCostUSD: 0.2, Reason: "monthly budget exhausted", CreatedAt: day.Add(time.Minute),
	}
	require.NoError(t, repo.CreateBudgetSkip(ctx, skip))

	skips, err := repo.ListBudgetSkipsInWindow(ctx, "t1", "ws1", day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, skips, 1)
	assert.Equal(t, skip.KeyID, skips[0].KeyID)
}

func TestEncryptionIsTenantBound(t *testing.T) {
	encoded, err := GenerateKey()
	require.NoError(t, err)
	enc, err := NewEncryptionFromBase64(encoded)
	require.NoError(t, err)

	sealed, err := enc.Seal("tenant-a", []byte("sk-live-123456"))
	require.NoError(t, err)
	assert.NotContains(t, sealed, "sk-live")

	plain, err := enc.Open("tenant-a", sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-live-123456", string(plain))

	_, err = enc.Open("tenant-b", sealed)
	assert.Error(t, err)

	again, err := enc.Seal("tenant-a", []byte("sk-live-123456"))
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ per seal")

	_, err = NewEncryption([]byte("short"))
	assert.Error(t, err)
	_, err = NewEncryptionFromBase64("")
	assert.Error(t, err)
}

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache[int](2, time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	cache.Set("a", 1)
	cache.Set("b", 2)
	_, _ = cache.Get("a")
	cache.Set("c", 3)

	_, ok := cache.Get("b")
	assert.False(t, ok, "least recently used entry is evicted")
	v, ok := cache.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(2 * time.Minute)
	_, ok = cache.Get("a")
	assert.False(t, ok, "expired entry")
	assert.Equal(t, 1, cache.Len())

	cache.Clear()
	assert.Zero(t, cache.Len())
}
