package creditsync_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cs "github.com/ineyio/creditsync"
	"github.com/ineyio/creditsync/store/memory"
	"github.com/ineyio/creditsync/transcript/mock"
)

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("word ", n))
}

// failingAccounts fails Debit while failDebit is set.
type failingAccounts struct {
	*memory.Store
	failDebit atomic.Bool
}

func (f *failingAccounts) Debit(ctx context.Context, req cs.DebitRequest) (cs.Debit, error) {
	if f.failDebit.Load() {
		return cs.Debit{}, errors.New("disk full")
	}
	return f.Store.Debit(ctx, req)
}

// failingCharges fails AdvanceCharge while failAdvance is set.
type failingCharges struct {
	*memory.Store
	failAdvance atomic.Bool
	advances    atomic.Int64
}

func (f *failingCharges) AdvanceCharge(ctx context.Context, c cs.SessionCharge, expected int64) error {
	f.advances.Add(1)
	if f.failAdvance.Load() {
		return errors.New("connection reset")
	}
	return f.Store.AdvanceCharge(ctx, c, expected)
}

// recordingMeter keeps every event.
type recordingMeter struct {
	mu        sync.Mutex
	syncs     []cs.SyncEvent
	anomalies []cs.AnomalyEvent
}

func (m *recordingMeter) OnSync(e cs.SyncEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncs = append(m.syncs, e)
}

func (m *recordingMeter) OnAnomaly(e cs.AnomalyEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anomalies = append(m.anomalies, e)
}

func (m *recordingMeter) kinds() []cs.AnomalyKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []cs.AnomalyKind
	for _, e := range m.anomalies {
		out = append(out, e.Kind)
	}
	return out
}

func intPtr(n int) *int { return &n }

func testConfig() cs.Config {
	cfg := cs.DefaultConfig()
	cfg.Policy.WordsPerCredit = 20
	cfg.Ledger.AdvanceRetries = intPtr(1)
	cfg.Ledger.AdvanceBackoff = time.Millisecond
	return cfg
}

type fixture struct {
	store   *memory.Store
	source  *mock.Source
	meter   *recordingMeter
	syncer  *cs.Syncer
	ctx     context.Context
	balance func(userID string) int64
}

func newFixture(t *testing.T, accounts cs.AccountStore, charges cs.ChargeStore, store *memory.Store, opts ...cs.Option) *fixture {
	t.Helper()
	f := &fixture{
		store:  store,
		source: mock.New(),
		meter:  &recordingMeter{},
		ctx:    context.Background(),
	}
	opts = append([]cs.Option{
		cs.WithLocker(store),
		cs.WithAuditSink(store),
		cs.WithMeter(f.meter),
	}, opts...)

	s, err := cs.NewSyncer(testConfig(), f.source, accounts, charges, opts...)
	require.NoError(t, err)
	f.syncer = s
	f.balance = func(userID string) int64 {
		acc, err := store.GetAccount(f.ctx, userID)
		require.NoError(t, err)
		return acc.Balance
	}
	return f
}

func newMemoryFixture(t *testing.T, opts ...cs.Option) *fixture {
	t.Helper()
	store := memory.New()
	return newFixture(t, store, store, store, opts...)
}

// addScenario indexes transcript t1 for session s1: one 100-word system
// entry and one 40-word user entry, which costs 6 credits at 20 words per
// credit.
func (f *fixture) addScenario(userID string) {
	f.source.Add(cs.TranscriptSummary{ID: "t1", SessionID: "s1", UserID: userID, CreatedAt: time.Now()},
		mock.System(words(100)),
		mock.User(words(40)),
	)
}

func TestSync_FirstSyncChargesCumulativeCost(t *testing.T) {
	f := newMemoryFixture(t)
	require.NoError(t, f.store.SetBalance(f.ctx, "u1", 100))
	f.addScenario("u1")

	res, err := f.syncer.Sync(f.ctx, cs.SyncRequest{SessionKey: "s1", UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, cs.StatusCharged, res.Status)
	assert.Equal(t, "t1", res.TranscriptID)
	assert.Equal(t, int64(6), res.CumulativeCost)
	assert.Equal(t, int64(6), res.Amount)
	assert.Equal(t, int64(94), res.NewBalance)
	assert.Equal(t, int64(94), f.balance("u1"))

	charge, found, err := f.store.GetCharge(f.ctx, "t1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(6), charge.ChargedAmount)
	assert.Equal(t, "u1", charge.UserID)

	records := f.store.AuditRecords()
	require.Len(t, records, 1)
	assert.Equal(t, cs.AuditSync, records[0].Reason)
	assert.Equal(t, int64(6), records[0].Amount)
	assert.Equal(t, int64(100), records[0].BalanceBefore)
	assert.Equal(t, int64(94), records[0].BalanceAfter)
	assert.Equal(t, cs.DebitKey("t1", 0), records[0].IdempotencyKey)
	require.NotNil(t, records[0].Breakdown)
	assert.Equal(t, int64(6), records[0].Breakdown.Total)
}

func TestSync_GrowthChargesOnlyDelta(t *testing.T) {
	f := newMemoryFixture(t)
	require.NoError(t, f.store.SetBalance(f.ctx, "u1", 100))
	f.addScenario("u1")

	_, err := f.syncer.Sync(f.ctx, cs.SyncRequest{SessionKey: "s1", UserID: "u1"})
	require.NoError(t, err)

	// 60 more system words: ceil(60/20) = 3.
	f.source.Append("t1", mock.System(words(60)))

	res, err := f.syncer.Sync(f.ctx, cs.SyncRequest{SessionKey: "s1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, cs.StatusCharged, res.Status)
	assert.Equal(t, int64(9), res.CumulativeCost)
	assert.Equal(t, int64(3), res.Amount)
	assert.Equal(t, int64(91), f.balance("u1"))

	charge, _, err := f.store.GetCharge(f.ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(9), charge.ChargedAmount)
}

func TestSync_RepeatedSyncIsUpToDate(t *testing.T) {
	f := newMemoryFixture(t)
	require.NoError(t, f.store.SetBalance(f.ctx, "u1", 100))
	f.addScenario("u1")

	for i := 0; i < 3; i++ {
		_, err := f.syncer.Sync(f.ctx, cs.SyncRequest{SessionKey: "s1", UserID: "u1"})
		require.NoError(t, err)
	}

	res, err := f.syncer.Sync(f.ctx, cs.SyncRequest{SessionKey: "s1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, cs.StatusUpToDate, res.Status)
	assert.Zero(t, res.Amount)
	assert.Equal(t, int64(6), res.CumulativeCost)
	assert.Equal(t, int64(94), f.balance("u1"))
	assert.Equal(t, 1, f.store.Debits())
	assert.Len(t, f.store.AuditRecords(), 1)
}

func TestSync_NotIndexedIsPendingAndWritesNothing(t *testing.T) {
	f := newMemoryFixture(t)
	require.NoError(t, f.store.SetBalance(f.ctx, "u1", 100))

	res, err := f.syncer.Sync(f.ctx, cs.SyncRequest{SessionKey: "s1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, cs.StatusPending, res.Status)
	assert.Equal(t, cs.ReasonNotIndexed, res.Reason)

	assert.Equal(t, int64(100), f.balance("u1"))
	assert.Zero(t, f.store.Debits())
	_, found, err := f.store.GetCharge(f.ctx, "t1")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, f.store.AuditRecords())
}

func TestSync_SourceUnavailableIsPending(t *testing.T) {
	f := newMemoryFixture(t)
	require.NoError(t, f.store.SetBalance(f.ctx, "u1", 100))
	f.addScenario("u1")
	f.source.SetSearchError(errors.New("503 from upstream"))

	res, err := f.syncer.Sync(f.ctx, cs.SyncRequest{SessionKey: "s1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, cs.StatusPending, res.Status)
	assert.Equal(t, cs.ReasonSourceUnavailable, res.Reason)
	assert.Equal(t, int64(100), f.balance("u1"))
}

func TestSync_FetchFailureIsPending(t *testing.T) {
	f := newMemoryFixture(t)
	require.NoError(t, f.store.SetBalance(f.ctx, "u1", 100))
	f.addScenario("u1")
	f.source.SetFetchError(errors.New("timeout"))

	res, err := f.syncer.Sync(f.ctx, cs.SyncRequest{SessionKey: "s1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, cs.StatusPending, res.Status)
	assert.Equal(t, cs.ReasonSourceUnavailable, res.Reason)
	assert.Equal(t, "t1", res.TranscriptID)
	assert.Equal(t, int64(100), f.balance("u1"))
}

func TestSync_FallsBackToUserKey(t *testing.T) {
	f := newMemoryFixture(t)
	require.NoError(t, f.store.SetBalance(f.ctx, "u1", 100))
	// Indexed only under the user key.
	f.source.Add(cs.TranscriptSummary{ID: "t9", UserID: "s1", CreatedAt: time.Now()}, mock.System(words(20)))

	res, err := f.syncer.Sync(f.ctx, cs.SyncRequest{SessionKey: "s1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, cs.StatusCharged, res.Status)
	assert.Equal(t, "t9", res.TranscriptID)
	assert.Equal(t, int64(1), res.Amount)
}

func TestSync_ChargesLatestTranscript(t *testing.T) {
	f := newMemoryFixture(t)
	require.NoError(t, f.store.SetBalance(f.ctx, "u1", 100))
	now := time.Now()
	f.source.Add(cs.TranscriptSummary{ID: "old", SessionID: "s1", CreatedAt: now.Add(-time.Hour)}, mock.System(words(200)))
	f.source.Add(cs.TranscriptSummary{ID: "new", SessionID: "s1", CreatedAt: now}, mock.System(words(40)))

	res, err := f.syncer.Sync(f.ctx, cs.SyncRequest{SessionKey: "s1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "new", res.TranscriptID)
	assert.Equal(t, int64(2), res.Amount)
}

func TestSync_DebitFailureIsLedgerAnomaly(t *testing.T) {
	store := memory.New()
	accounts := &failingAccounts{Store: store}
	f := newFixture(t, accounts, store, store)
	require.NoError(t, store.SetBalance(f.ctx, "u1", 100))
	f.addScenario("u1")
	accounts.failDebit.Store(true)

	res, err := f.syncer.Sync(f.ctx, cs.SyncRequest{SessionKey: "s1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, cs.StatusPending, res.Status)
	assert.Equal(t, cs.ReasonLedgerAnomaly, res.Reason)
	assert.Equal(t, cs.AnomalyDebitFailed, res.Anomaly)
	assert.Equal(t, []cs.AnomalyKind{cs.AnomalyDebitFailed}, f.meter.kinds())

	_, found, err := store.GetCharge(f.ctx, "t1")
	require.NoError(t, err)
	assert.False(t, found, "charge must not advance without a debit")
	assert.Equal(t, int64(100), f.balance("u1"))
	assert.Empty(t, store.AuditRecords())

	// Once the account store recovers the same cost is charged exactly once.
	accounts.failDebit.Store(false)
	res, err = f.syncer.Sync(f.ctx, cs.SyncRequest{SessionKey: "s1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, cs.StatusCharged, res.Status)
	assert.Equal(t, int64(94), f.balance("u1"))
}

func TestSync_ChargeNotAdvancedIsRecoveredWithoutDoubleCharge(t *testing.T) {
	store := memory.New()
	charges := &failingCharges{Store: store}
	f := newFixture(t, store, charges, store)
	require.NoError(t, store.SetBalance(f.ctx, "u1", 100))
	f.addScenario("u1")
	charges.failAdvance.Store(true)

	res, err := f.syncer.Sync(f.ctx, cs.SyncRequest{SessionKey: "s1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, cs.StatusCharged, res.Status)
	assert.Equal(t, int64(6), res.Amount)
	assert.Equal(t, cs.AnomalyChargeNotAdvanced, res.Anomaly)
	assert.True(t, res.Anomaly.Page())
	assert.Equal(t, int64(94), f.balance("u1"))
	assert.Equal(t, int64(2), charges.advances.Load(), "one attempt plus one retry")

	charges.failAdvance.Store(false)
	res, err = f.syncer.Sync(f.ctx, cs.SyncRequest{SessionKey: "s1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, cs.StatusUpToDate, res.Status)
	assert.Equal(t, cs.AnomalyRecovered, res.Anomaly)
	assert.Zero(t, res.Amount)
	assert.Equal(t, int64(94), f.balance("u1"), "recovery must not debit again")

	charge, found, err := store.GetCharge(f.ctx, "t1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(6), charge.ChargedAmount)
	assert.Equal(t, []cs.AnomalyKind{cs.AnomalyChargeNotAdvanced, cs.AnomalyRecovered}, f.meter.kinds())
}

func TestSync_RecoveryThenGrowthChargesRemainder(t *testing.T) {
	store := memory.New()
	charges := &failingCharges{Store: store}
	f := newFixture(t, store, charges, store)
	require.NoError(t, store.SetBalance(f.ctx, "u1", 100))
	f.addScenario("u1")

	charges.failAdvance.Store(true)
	_, err := f.syncer.Sync(f.ctx, cs.SyncRequest{SessionKey: "s1", UserID: "u1"})
	require.NoError(t, err)
	charges.failAdvance.Store(false)

	f.source.Append("t1", mock.System(words(60)))
	res, err := f.syncer.Sync(f.ctx, cs.SyncRequest{SessionKey: "s1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, cs.StatusCharged, res.Status)
	assert.Equal(t, int64(3), res.Amount)
	assert.Equal(t, cs.AnomalyRecovered, res.Anomaly)
	assert.Equal(t, int64(91), f.balance("u1"))
}

func TestSync_ConcurrentSyncsNeverDoubleDebit(t *testing.T) {
	tests := []struct {
		name string
		opts []cs.Option
	}{
		{name: "with lease"},
		{name: "without lease", opts: []cs.Option{cs.WithLocker(nil)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newMemoryFixture(t, tt.opts...)
			require.NoError(t, f.store.SetBalance(f.ctx, "u1", 100))
			f.addScenario("u1")

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := f.syncer.Sync(f.ctx, cs.SyncRequest{SessionKey: "s1", UserID: "u1"})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			res, err := f.syncer.Sync(f.ctx, cs.SyncRequest{SessionKey: "s1", UserID: "u1"})
			require.NoError(t, err)
			assert.Equal(t, cs.StatusUpToDate, res.Status)
			assert.Equal(t, int64(94), f.balance("u1"))
			assert.Len(t, f.store.AuditRecords(), 1)
		})
	}
}

func TestSync_RegressionIsNoop(t *testing.T) {
	f := newMemoryFixture(t)
	require.NoError(t, f.store.SetBalance(f.ctx, "u1", 100))
	f.addScenario("u1")

	_, err := f.syncer.Sync(f.ctx, cs.SyncRequest{SessionKey: "s1", UserID: "u1"})
	require.NoError(t, err)

	f.source.SetEntries("t1", mock.System(words(20)))
	res, err := f.syncer.Sync(f.ctx, cs.SyncRequest{SessionKey: "s1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, cs.StatusUpToDate, res.Status)
	assert.Equal(t, cs.AnomalyRegression, res.Anomaly)
	assert.Equal(t, int64(94), f.balance("u1"))

	charge, _, err := f.store.GetCharge(f.ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), charge.ChargedAmount, "charged amount never decreases")
}

func TestSync_UserMismatchIsNoop(t *testing.T) {
	f := newMemoryFixture(t)
	require.NoError(t, f.store.SetBalance(f.ctx, "u1", 100))
	require.NoError(t, f.store.SetBalance(f.ctx, "u2", 100))
	f.addScenario("u1")

	_, err := f.syncer.Sync(f.ctx, cs.SyncRequest{SessionKey: "s1", UserID: "u1"})
	require.NoError(t, err)

	f.source.Append("t1", mock.System(words(60)))
	res, err := f.syncer.Sync(f.ctx, cs.SyncRequest{SessionKey: "s1", UserID: "u2"})
	require.NoError(t, err)
	assert.Equal(t, cs.StatusUpToDate, res.Status)
	assert.Equal(t, cs.AnomalyUserMismatch, res.Anomaly)
	assert.Equal(t, int64(100), f.balance("u2"))
	assert.Equal(t, int64(94), f.balance("u1"))
}

func TestSync_LeaseHeldIsInProgress(t *testing.T) {
	f := newMemoryFixture(t)
	require.NoError(t, f.store.SetBalance(f.ctx, "u1", 100))
	f.addScenario("u1")

	_, err := f.store.Acquire(f.ctx, "transcript:t1", time.Minute)
	require.NoError(t, err)

	res, err := f.syncer.Sync(f.ctx, cs.SyncRequest{SessionKey: "s1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, cs.StatusPending, res.Status)
	assert.Equal(t, cs.ReasonInProgress, res.Reason)
	assert.Equal(t, int64(100), f.balance("u1"))
}

func TestSync_ClientErrors(t *testing.T) {
	f := newMemoryFixture(t)
	require.NoError(t, f.store.SetBalance(f.ctx, "u1", 100))
	f.addScenario("u1")

	_, err := f.syncer.Sync(f.ctx, cs.SyncRequest{SessionKey: "s1", UserID: "nobody"})
	assert.ErrorIs(t, err, cs.ErrAccountNotFound)
	assert.True(t, cs.IsClientError(err))

	for _, req := range []cs.SyncRequest{
		{SessionKey: "", UserID: "u1"},
		{SessionKey: "s1", UserID: "  "},
		{SessionKey: "s1\n", UserID: "u1"},
		{SessionKey: strings.Repeat("x", 300), UserID: "u1"},
	} {
		_, err := f.syncer.Sync(f.ctx, req)
		assert.ErrorIs(t, err, cs.ErrInvalidInput, "%q/%q", req.SessionKey, req.UserID)
	}
	assert.Zero(t, f.source.SearchCount(), "invalid requests must not reach the source")
}

func TestSync_MeterSeesEverySync(t *testing.T) {
	f := newMemoryFixture(t)
	require.NoError(t, f.store.SetBalance(f.ctx, "u1", 100))
	f.addScenario("u1")

	_, err := f.syncer.Sync(f.ctx, cs.SyncRequest{SessionKey: "s1", UserID: "u1"})
	require.NoError(t, err)
	_, err = f.syncer.Sync(f.ctx, cs.SyncRequest{SessionKey: "missing", UserID: "u1"})
	require.NoError(t, err)

	require.Len(t, f.meter.syncs, 2)
	assert.Equal(t, cs.StatusCharged, f.meter.syncs[0].Status)
	assert.Equal(t, int64(6), f.meter.syncs[0].Amount)
	assert.Equal(t, cs.StatusPending, f.meter.syncs[1].Status)
	assert.Equal(t, cs.ReasonNotIndexed, f.meter.syncs[1].Reason)
}

func TestAccount_Status(t *testing.T) {
	f := newMemoryFixture(t)
	tests := []struct {
		balance int64
		want    cs.AccountStatus
	}{
		{-3, cs.AccountBlocked},
		{0, cs.AccountBlocked},
		{1, cs.AccountWarning},
		{9, cs.AccountWarning},
		{10, cs.AccountOK},
		{500, cs.AccountOK},
	}
	for _, tt := range tests {
		require.NoError(t, f.store.SetBalance(f.ctx, "u1", tt.balance))
		view, err := f.syncer.Account(f.ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, tt.want, view.Status, "balance %d", tt.balance)
		assert.Equal(t, tt.balance, view.Balance)
	}

	_, err := f.syncer.Account(f.ctx, "nobody")
	assert.ErrorIs(t, err, cs.ErrAccountNotFound)
	_, err = f.syncer.Account(f.ctx, "")
	assert.ErrorIs(t, err, cs.ErrInvalidInput)
}

func TestDeduct(t *testing.T) {
	f := newMemoryFixture(t)
	require.NoError(t, f.store.SetBalance(f.ctx, "u1", 10))

	res, err := f.syncer.Deduct(f.ctx, cs.DeductRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, int64(1), res.Deducted, "zero amount means one credit")
	assert.Equal(t, int64(10), res.PreviousBalance)
	assert.Equal(t, int64(9), res.NewBalance)

	res, err = f.syncer.Deduct(f.ctx, cs.DeductRequest{UserID: "u1", Amount: 4, IdempotencyKey: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.NewBalance)

	res, err = f.syncer.Deduct(f.ctx, cs.DeductRequest{UserID: "u1", Amount: 4, IdempotencyKey: "req-1"})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, "already applied", res.Message)
	assert.Equal(t, int64(5), res.NewBalance)
	assert.Equal(t, int64(5), f.balance("u1"))

	res, err = f.syncer.Deduct(f.ctx, cs.DeductRequest{UserID: "u1", Amount: 50})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, int64(5), res.Deducted, "never below zero")
	assert.Equal(t, int64(0), res.NewBalance)

	res, err = f.syncer.Deduct(f.ctx, cs.DeductRequest{UserID: "u1", Amount: 1})
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, "No credits remaining", res.Message)
	assert.Zero(t, res.Deducted)

	records := f.store.AuditRecords()
	require.Len(t, records, 3)
	for _, r := range records {
		assert.Equal(t, cs.AuditDeduct, r.Reason)
		assert.True(t, strings.HasPrefix(r.IdempotencyKey, "deduct:"))
	}
}

func TestDeduct_Errors(t *testing.T) {
	f := newMemoryFixture(t)
	require.NoError(t, f.store.SetBalance(f.ctx, "u1", 10))

	_, err := f.syncer.Deduct(f.ctx, cs.DeductRequest{UserID: "u1", Amount: -1})
	assert.ErrorIs(t, err, cs.ErrInvalidInput)
	_, err = f.syncer.Deduct(f.ctx, cs.DeductRequest{UserID: ""})
	assert.ErrorIs(t, err, cs.ErrInvalidInput)
	_, err = f.syncer.Deduct(f.ctx, cs.DeductRequest{UserID: "nobody"})
	assert.ErrorIs(t, err, cs.ErrAccountNotFound)
	assert.Equal(t, int64(10), f.balance("u1"))
}

func TestNewSyncer_Validation(t *testing.T) {
	store := memory.New()
	_, err := cs.NewSyncer(cs.DefaultConfig(), nil, store, store)
	assert.Error(t, err)
	_, err = cs.NewSyncer(cs.DefaultConfig(), mock.New(), nil, store)
	assert.Error(t, err)

	cfg := cs.DefaultConfig()
	cfg.Policy.FreePatterns = []string{"("}
	_, err = cs.NewSyncer(cfg, mock.New(), store, store)
	assert.Error(t, err)
}
