package billing

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai_routing/internal/models"
	"ai_routing/internal/queue"
	"ai_routing/internal/storage"
	"ai_routing/internal/utils"
)

var testNow = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

func newKeyStore(t *testing.T) *storage.ProviderKeyRepository {
	t.Helper()
	db, err := storage.NewDB(storage.DBConfig{Driver: storage.DriverSQLite, DSN: filepath.Join(t.TempDir(), "billing.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.MigrateUp(context.Background()))
	return db.NewProviderKeyRepository()
}

func createKey(t *testing.T, repo *storage.ProviderKeyRepository, budget *float64) *models.ProviderKey {
	t.Helper()
	return createLabeledKey(t, repo, "primary", budget)
}

func createLabeledKey(t *testing.T, repo *storage.ProviderKeyRepository, label string, budget *float64) *models.ProviderKey {
	t.Helper()
	k := &models.ProviderKey{
		TenantID:          "t1",
		WorkspaceID:       "ws1",
		ProviderName:      "openai",
		Label:             label,
		EncryptedSecret:   "sealed",
		KeyLastFour:       "abcd",
		SecretFingerprint: "fp",
		MonthlyBudgetUSD:  budget,
		BudgetPeriod:      models.BudgetPeriodFor(testNow),
		Status:            models.KeyStatusActive,
		CreatedAt:         testNow,
		UpdatedAt:         testNow,
	}
	require.NoError(t, repo.Create(context.Background(), k))
	return k
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestDBCounter_ReserveAndSettle(t *testing.T) {
	repo := newKeyStore(t)
	key := createKey(t, repo, utils.Float64Ptr(1.0))
	counter := NewDBCounter(repo)
	ctx := context.Background()

	r, err := counter.Reserve(ctx, key, 0.4, 100, testNow)
	require.NoError(t, err)
	assert.Equal(t, "2025-06", r.Period)

	require.NoError(t, counter.Settle(ctx, r, 0.6, 120, testNow))

	// 0.6 spent, 0.5 would overshoot
	_, err = counter.Reserve(ctx, key, 0.5, 0, testNow)
	assert.ErrorIs(t, err, ErrBudgetExceeded)

	fresh, err := repo.GetByID(ctx, key.ID)
	require.NoError(t, err)
	u, err := counter.Usage(ctx, fresh, testNow)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, u.SpendUSD, 1e-9)
	assert.Equal(t, int64(120), u.Tokens)
	assert.Equal(t, int64(1), u.Requests)
}

func TestDBCounter_RollsIntoNewMonth(t *testing.T) {
	repo := newKeyStore(t)
	key := createKey(t, repo, utils.Float64Ptr(1.0))
	counter := NewDBCounter(repo)
	ctx := context.Background()

	r, err := counter.Reserve(ctx, key, 0, 0, testNow)
	require.NoError(t, err)
	require.NoError(t, counter.Settle(ctx, r, 1.0, 0, testNow))

	_, err = counter.Reserve(ctx, key, 0, 0, testNow)
	assert.ErrorIs(t, err, ErrBudgetExceeded)

	nextMonth := testNow.AddDate(0, 1, 0)
	r, err = counter.Reserve(ctx, key, 0.1, 0, nextMonth)
	require.NoError(t, err)
	assert.Equal(t, "2025-07", r.Period)
}

func TestDBCounter_UnestimatedCallsHoldLargestSettledCall(t *testing.T) {
	repo := newKeyStore(t)
	key := createKey(t, repo, utils.Float64Ptr(1.0))
	counter := NewDBCounter(repo)
	ctx := context.Background()

	first, err := counter.Reserve(ctx, key, 0, 0, testNow)
	require.NoError(t, err)
	assert.Zero(t, first.USD)

	// nothing is known about the cost yet, so a second call must wait
	_, err = counter.Reserve(ctx, key, 0, 0, testNow)
	assert.ErrorIs(t, err, ErrBudgetExceeded)

	require.NoError(t, counter.Settle(ctx, first, 0.3, 10, testNow))

	a, err := counter.Reserve(ctx, key, 0, 0, testNow)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, a.USD, 1e-9)
	b, err := counter.Reserve(ctx, key, 0, 0, testNow)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, b.USD, 1e-9)

	// 0.3 spent + 0.6 held + 0.3 would overshoot
	_, err = counter.Reserve(ctx, key, 0, 0, testNow)
	assert.ErrorIs(t, err, ErrBudgetExceeded)

	require.NoError(t, counter.Settle(ctx, a, 0.25, 0, testNow))
	require.NoError(t, counter.Settle(ctx, b, 0.25, 0, testNow))

	fresh, err := repo.GetByID(ctx, key.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, fresh.CurrentSpendUSD, 1e-9)
	assert.Zero(t, fresh.ReservedUSD)
	assert.Zero(t, fresh.InFlight)
	assert.InDelta(t, 0.3, fresh.MaxCallUSD, 1e-9)
}

func TestDBCounter_InactiveKeyIsNotBudgetExceeded(t *testing.T) {
	repo := newKeyStore(t)
	key := createKey(t, repo, utils.Float64Ptr(1.0))
	counter := NewDBCounter(repo)
	ctx := context.Background()

	require.NoError(t, repo.UpdateStatus(ctx, key.ID, models.KeyStatusDisabled, nil, nil, testNow))

	_, err := counter.Reserve(ctx, key, 0.1, 0, testNow)
	require.ErrorIs(t, err, ErrKeyInactive)
	assert.NotErrorIs(t, err, ErrBudgetExceeded)
	assert.Contains(t, err.Error(), "disabled")
}

type recordingSink struct {
	mu     sync.Mutex
	events []ChargeEvent
	err    error
}

func (s *recordingSink) Enqueue(ctx context.Context, ev ChargeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func TestRedisCounter_ReserveSettle(t *testing.T) {
	repo := newKeyStore(t)
	key := createKey(t, repo, utils.Float64Ptr(1.0))
	sink := &recordingSink{}
	counter := NewRedisCounter(newRedis(t), sink, repo)
	ctx := context.Background()

	r, err := counter.Reserve(ctx, key, 0.25, 50, testNow)
	require.NoError(t, err)
	require.NoError(t, counter.Settle(ctx, r, 0.3, 60, testNow))

	u, err := counter.Usage(ctx, key, testNow)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, u.SpendUSD, 1e-9)
	assert.Equal(t, int64(60), u.Tokens)
	assert.Equal(t, int64(1), u.Requests)

	require.Len(t, sink.events, 1)
	assert.Equal(t, key.ID, sink.events[0].KeyID)
	assert.InDelta(t, 0.3, sink.events[0].USD, 1e-9)
	assert.Equal(t, int64(1), sink.events[0].Requests)
}

func TestRedisCounter_RejectsOverBudget(t *testing.T) {
	repo := newKeyStore(t)
	key := createKey(t, repo, utils.Float64Ptr(0.5))
	counter := NewRedisCounter(newRedis(t), &recordingSink{}, repo)
	ctx := context.Background()

	_, err := counter.Reserve(ctx, key, 0.6, 0, testNow)
	require.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Contains(t, err.Error(), "monthly budget")

	// held but unsettled reservations count against the cap
	_, err = counter.Reserve(ctx, key, 0.3, 0, testNow)
	require.NoError(t, err)
	_, err = counter.Reserve(ctx, key, 0.3, 0, testNow)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestRedisCounter_RequestAndTokenLimits(t *testing.T) {
	repo := newKeyStore(t)
	key := createKey(t, repo, nil)
	key.MonthlyRequestLimit = utils.Int64Ptr(1)
	counter := NewRedisCounter(newRedis(t), &recordingSink{}, repo)
	ctx := context.Background()

	_, err := counter.Reserve(ctx, key, 0, 0, testNow)
	require.NoError(t, err)
	_, err = counter.Reserve(ctx, key, 0, 0, testNow)
	require.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Contains(t, err.Error(), "request limit")

	other := createLabeledKey(t, repo, "secondary", nil)
	other.MonthlyTokenLimit = utils.Int64Ptr(100)
	_, err = counter.Reserve(ctx, other, 0, 101, testNow)
	require.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Contains(t, err.Error(), "token limit")
}

func TestRedisCounter_SeedsFromDatabaseCounters(t *testing.T) {
	repo := newKeyStore(t)
	key := createKey(t, repo, utils.Float64Ptr(1.0))
	key.CurrentSpendUSD = 0.9
	counter := NewRedisCounter(newRedis(t), &recordingSink{}, repo)

	_, err := counter.Reserve(context.Background(), key, 0.2, 0, testNow)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestRedisCounter_ConcurrentReservesNeverOvershoot(t *testing.T) {
	repo := newKeyStore(t)
	key := createKey(t, repo, utils.Float64Ptr(1.0))
	counter := NewRedisCounter(newRedis(t), &recordingSink{}, repo)
	ctx := context.Background()

	var granted int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := counter.Reserve(ctx, key, 0.1, 0, testNow); err == nil {
				atomic.AddInt32(&granted, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(10), granted)
}

func TestRedisCounter_UnestimatedCallsHoldLargestSettledCall(t *testing.T) {
	repo := newKeyStore(t)
	key := createKey(t, repo, utils.Float64Ptr(1.0))
	key.CurrentSpendUSD = 0.95
	counter := NewRedisCounter(newRedis(t), &recordingSink{}, repo)
	ctx := context.Background()

	first, err := counter.Reserve(ctx, key, 0, 0, testNow)
	require.NoError(t, err)
	assert.Zero(t, first.USD)

	_, err = counter.Reserve(ctx, key, 0, 0, testNow)
	require.ErrorIs(t, err, ErrBudgetExceeded)

	require.NoError(t, counter.Settle(ctx, first, 0.02, 0, testNow))

	// 0.97 spent, a 0.02 hold still fits once
	second, err := counter.Reserve(ctx, key, 0, 0, testNow)
	require.NoError(t, err)
	assert.InDelta(t, 0.02, second.USD, 1e-9)
	_, err = counter.Reserve(ctx, key, 0, 0, testNow)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestRedisCounter_SinkFailureAppliesDirectly(t *testing.T) {
	repo := newKeyStore(t)
	key := createKey(t, repo, nil)
	sink := &recordingSink{err: errors.New("queue down")}
	counter := NewRedisCounter(newRedis(t), sink, repo)
	ctx := context.Background()

	r, err := counter.Reserve(ctx, key, 0.1, 10, testNow)
	require.NoError(t, err)
	require.NoError(t, counter.Settle(ctx, r, 0.2, 20, testNow))

	fresh, err := repo.GetByID(ctx, key.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, fresh.CurrentSpendUSD, 1e-9)
	assert.Equal(t, int64(20), fresh.CurrentTokens)
}

func TestCounterKey(t *testing.T) {
	repo := newKeyStore(t)
	key := createKey(t, repo, nil)
	assert.Equal(t, "budget:"+key.ID.String()+":2025:06", CounterKey(key.ID, "2025-06"))
}

func TestSyncWorker_AppliesCharges(t *testing.T) {
	repo := newKeyStore(t)
	key := createKey(t, repo, nil)
	ctx := context.Background()

	config := queue.DefaultConfig("budget-sync")
	config.BatchTimeout = 10 * time.Millisecond
	q := queue.NewMemoryQueue[ChargeEvent](config)
	w := NewSyncWorker(q, queue.NewMemoryDeadLetterQueue[ChargeEvent](), repo, config)

	period := models.BudgetPeriodFor(time.Now())
	require.NoError(t, w.Enqueue(ctx, ChargeEvent{KeyID: key.ID, Period: period, USD: 0.5, Tokens: 10, Requests: 1}))
	require.NoError(t, w.Enqueue(ctx, ChargeEvent{KeyID: key.ID, Period: period, USD: 0.25, Tokens: 5, Requests: 1}))

	assert.Equal(t, 2, w.ProcessBatch(ctx))

	fresh, err := repo.GetByID(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, period, fresh.BudgetPeriod)
	assert.InDelta(t, 0.75, fresh.CurrentSpendUSD, 1e-9)
	assert.Equal(t, int64(15), fresh.CurrentTokens)
	assert.Equal(t, int64(2), fresh.CurrentRequests)
}
