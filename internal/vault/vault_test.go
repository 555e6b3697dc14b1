package vault

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai_routing/internal/billing"
	"ai_routing/internal/catalog"
	"ai_routing/internal/models"
	"ai_routing/internal/providers"
	"ai_routing/internal/storage"
	"ai_routing/internal/utils"
)

var (
	testNow   = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	testScope = models.Scope{TenantID: "t1", WorkspaceID: "ws1"}
)

type fakeVerifier struct {
	mu    sync.Mutex
	err   error
	calls []providers.Call
}

func (f *fakeVerifier) Verify(ctx context.Context, call providers.Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func newTestVault(t *testing.T) (*Vault, *fakeVerifier, *storage.DB) {
	t.Helper()
	db, err := storage.NewDB(storage.DBConfig{Driver: storage.DriverSQLite, DSN: filepath.Join(t.TempDir(), "vault.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.MigrateUp(context.Background()))

	cat := catalog.NewService(db.NewProviderRepository(), 16, time.Minute)
	_, err = cat.SeedDefaults(context.Background())
	require.NoError(t, err)

	masterKey, err := storage.GenerateKey()
	require.NoError(t, err)
	enc, err := storage.NewEncryptionFromBase64(masterKey)
	require.NoError(t, err)

	keys := db.NewProviderKeyRepository()
	verifier := &fakeVerifier{}
	v := New(keys, cat, enc, verifier, billing.NewDBCounter(keys), Options{LivenessTimeout: time.Second})
	v.Now = func() time.Time { return testNow }
	return v, verifier, db
}

func TestAddKey_SealsAndMasks(t *testing.T) {
	v, verifier, db := newTestVault(t)
	ctx := context.Background()

	view, err := v.AddKey(ctx, testScope, AddKeyInput{
		Provider: "OpenAI",
		Label:    "prod",
		Secret:   "sk-test-1234567890abcd",
		Scopes:   []models.Modality{models.ModalityText},
		Limits:   Limits{MonthlyBudgetUSD: utils.Float64Ptr(50)},
	})
	require.NoError(t, err)

	assert.Equal(t, "openai", view.Provider)
	assert.Equal(t, "••••••••abcd", view.MaskedKey)
	assert.Equal(t, models.KeyStatusActive, view.Status)
	assert.Equal(t, models.BudgetOK, view.BudgetStatus)
	require.NotNil(t, view.LastVerifiedAt)

	require.Len(t, verifier.calls, 1)
	assert.Equal(t, "sk-test-1234567890abcd", verifier.calls[0].APIKey)
	assert.Equal(t, "gpt-4o-mini", verifier.calls[0].Model)

	stored, err := db.NewProviderKeyRepository().GetByID(ctx, view.ID)
	require.NoError(t, err)
	assert.NotContains(t, stored.EncryptedSecret, "sk-test")

	secret, err := v.Unseal(stored)
	require.NoError(t, err)
	assert.Equal(t, "sk-test-1234567890abcd", secret.Reveal())

	body, err := json.Marshal(view)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "sk-test")
}

func TestAddKey_LivenessFailureStoresInvalidKey(t *testing.T) {
	v, verifier, _ := newTestVault(t)
	verifier.err = &providers.Error{Kind: providers.KindAuth, StatusCode: 401, Message: "bad key"}

	view, err := v.AddKey(context.Background(), testScope, AddKeyInput{Provider: "anthropic", Secret: "sk-ant-bad-key-0000"})
	require.Error(t, err)

	var liveErr *LivenessError
	require.True(t, errors.As(err, &liveErr))
	assert.Equal(t, "anthropic", liveErr.Provider)
	assert.True(t, providers.IsAuth(err))

	require.NotNil(t, view)
	assert.Equal(t, models.KeyStatusInvalid, view.Status)
	require.NotNil(t, view.LastError)
	assert.Contains(t, *view.LastError, "bad key")
	assert.Nil(t, view.LastVerifiedAt)

	listed, err := v.ListKeys(context.Background(), testScope)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, models.KeyStatusInvalid, listed[0].Status)
}

func TestAddKey_Validation(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		in    AddKeyInput
		field string
	}{
		{"unknown provider", AddKeyInput{Provider: "skynet", Secret: "sk-1234567890"}, "provider"},
		{"short secret", AddKeyInput{Provider: "openai", Secret: "sk-1"}, "api_key"},
		{"unsupported scope", AddKeyInput{Provider: "anthropic", Secret: "sk-1234567890", Scopes: []models.Modality{models.ModalityVideo}}, "scopes"},
		{"unknown scope", AddKeyInput{Provider: "openai", Secret: "sk-1234567890", Scopes: []models.Modality{"smell"}}, "scopes"},
		{"zero budget", AddKeyInput{Provider: "openai", Secret: "sk-1234567890", Limits: Limits{MonthlyBudgetUSD: utils.Float64Ptr(0)}}, "monthly_budget_usd"},
		{"negative requests", AddKeyInput{Provider: "openai", Secret: "sk-1234567890", Limits: Limits{MonthlyRequestLimit: utils.Int64Ptr(-1)}}, "monthly_request_limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.AddKey(ctx, testScope, tt.in)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestAddKey_RejectsDuplicates(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()

	_, err := v.AddKey(ctx, testScope, AddKeyInput{Provider: "openai", Label: "a", Secret: "sk-same-secret-1"})
	require.NoError(t, err)

	_, err = v.AddKey(ctx, testScope, AddKeyInput{Provider: "openai", Label: "b", Secret: "sk-same-secret-1"})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "api_key", verr.Field)

	_, err = v.AddKey(ctx, testScope, AddKeyInput{Provider: "openai", Label: "a", Secret: "sk-other-secret-2"})
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "label", verr.Field)

	// the same secret in another workspace is a separate key
	_, err = v.AddKey(ctx, models.Scope{TenantID: "t1", WorkspaceID: "ws2"}, AddKeyInput{Provider: "openai", Label: "a", Secret: "sk-same-secret-1"})
	assert.NoError(t, err)
}

func TestBudgetStatus(t *testing.T) {
	budget := utils.Float64Ptr(100)
	tests := []struct {
		spend  float64
		budget *float64
		want   models.BudgetStatus
	}{
		{10, nil, models.BudgetNoLimit},
		{0, budget, models.BudgetOK},
		{79.99, budget, models.BudgetOK},
		{80, budget, models.BudgetWarning},
		{95, budget, models.BudgetWarning},
		{100, budget, models.BudgetExceeded},
		{130, budget, models.BudgetExceeded},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BudgetStatus(tt.spend, tt.budget, DefaultWarningThreshold), "spend %v", tt.spend)
	}
}

func TestOwnership(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()

	view, err := v.AddKey(ctx, testScope, AddKeyInput{Provider: "openai", Secret: "sk-1234567890"})
	require.NoError(t, err)

	_, err = v.Get(ctx, models.Scope{TenantID: "t2", WorkspaceID: "ws1"}, view.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = v.Get(ctx, models.Scope{TenantID: "t1", WorkspaceID: "other"}, view.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = v.Get(ctx, testScope, uuid.New())
	assert.ErrorIs(t, err, ErrKeyNotFound)
	_, err = v.Disable(ctx, models.Scope{TenantID: "t2", WorkspaceID: "ws1"}, view.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestDisableAndVerify(t *testing.T) {
	v, verifier, _ := newTestVault(t)
	ctx := context.Background()

	verifier.err = errors.New("connection refused")
	view, err := v.AddKey(ctx, testScope, AddKeyInput{Provider: "openai", Secret: "sk-1234567890"})
	require.Error(t, err)
	assert.Equal(t, models.KeyStatusInvalid, view.Status)

	verifier.err = nil
	view, err = v.Verify(ctx, testScope, view.ID)
	require.NoError(t, err)
	assert.Equal(t, models.KeyStatusActive, view.Status)
	assert.Nil(t, view.LastError)

	view, err = v.Disable(ctx, testScope, view.ID)
	require.NoError(t, err)
	assert.Equal(t, models.KeyStatusDisabled, view.Status)

	_, err = v.KeyFor(ctx, testScope, "openai")
	require.NoError(t, err)

	view, err = v.Verify(ctx, testScope, view.ID)
	require.NoError(t, err)
	assert.Equal(t, models.KeyStatusDisabled, view.Status)
}

func TestKeyFor_PrefersActiveKey(t *testing.T) {
	v, verifier, _ := newTestVault(t)
	ctx := context.Background()

	_, err := v.KeyFor(ctx, testScope, "openai")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	verifier.err = errors.New("nope")
	_, _ = v.AddKey(ctx, testScope, AddKeyInput{Provider: "openai", Label: "old", Secret: "sk-1111111111"})
	verifier.err = nil
	v.Now = func() time.Time { return testNow.Add(time.Minute) }
	_, err = v.AddKey(ctx, testScope, AddKeyInput{Provider: "openai", Label: "new", Secret: "sk-2222222222"})
	require.NoError(t, err)

	key, err := v.KeyFor(ctx, testScope, "openai")
	require.NoError(t, err)
	assert.Equal(t, "new", key.Label)

	require.NoError(t, v.MarkInvalid(ctx, key, "401 from upstream"))
	key, err = v.KeyFor(ctx, testScope, "openai")
	require.NoError(t, err)
	assert.Equal(t, "old", key.Label)
	assert.Equal(t, models.KeyStatusInvalid, key.Status)
}

func TestReserveAndCharge_WarningNeverExceeded(t *testing.T) {
	v, _, db := newTestVault(t)
	ctx := context.Background()
	repo := db.NewProviderKeyRepository()

	view, err := v.AddKey(ctx, testScope, AddKeyInput{Provider: "openai", Secret: "sk-1234567890", Limits: Limits{MonthlyBudgetUSD: utils.Float64Ptr(10)}})
	require.NoError(t, err)
	key, err := repo.GetByID(ctx, view.ID)
	require.NoError(t, err)

	r, err := v.Reserve(ctx, key, 9, 0)
	require.NoError(t, err)
	require.NoError(t, v.ChargeUsage(ctx, r, 9.5, 100))

	got, err := v.Get(ctx, testScope, view.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BudgetWarning, got.BudgetStatus)

	_, err = v.Reserve(ctx, key, 1, 0)
	assert.ErrorIs(t, err, ErrBudgetExceeded)

	got, err = v.Get(ctx, testScope, view.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BudgetWarning, got.BudgetStatus)
	assert.InDelta(t, 9.5, got.CurrentSpendUSD, 1e-9)
}

func TestChargeUsage_ConcurrentChargesAreNotLost(t *testing.T) {
	v, _, db := newTestVault(t)
	ctx := context.Background()
	repo := db.NewProviderKeyRepository()

	view, err := v.AddKey(ctx, testScope, AddKeyInput{Provider: "openai", Secret: "sk-1234567890"})
	require.NoError(t, err)
	key, err := repo.GetByID(ctx, view.ID)
	require.NoError(t, err)

	const n = 40
	var failures int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := v.Reserve(ctx, key, 0.01, 1)
			if err == nil {
				err = v.ChargeUsage(ctx, r, 0.25, 10)
			}
			if err != nil {
				atomic.AddInt32(&failures, 1)
			}
		}()
	}
	wg.Wait()
	require.Zero(t, failures)

	got, err := v.Get(ctx, testScope, view.ID)
	require.NoError(t, err)
	assert.InDelta(t, n*0.25, got.CurrentSpendUSD, 1e-9)
	assert.Equal(t, int64(n*10), got.CurrentTokens)
	assert.Equal(t, int64(n), got.CurrentRequests)
}

func TestSecret_NeverPrintsRaw(t *testing.T) {
	s := Secret{raw: "sk-live-abcdefgh"}
	assert.Equal(t, "••••••••efgh", s.String())

	b, err := json.Marshal(map[string]any{"k": s})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "sk-live")
}
