package sqlite_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/creditsync"
	"github.com/ineyio/creditsync/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "creditsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestDebit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetBalance(ctx, "u1", 100))

	d, err := s.Debit(ctx, creditsync.DebitRequest{UserID: "u1", Amount: 6, IdempotencyKey: "sync:t1@0"})
	require.NoError(t, err)
	assert.Equal(t, int64(100), d.BalanceBefore)
	assert.Equal(t, int64(94), d.BalanceAfter)

	acc, err := s.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(94), acc.Balance)
	assert.False(t, acc.UpdatedAt.IsZero())
}

func TestDebit_DuplicateKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetBalance(ctx, "u1", 100))

	first, err := s.Debit(ctx, creditsync.DebitRequest{UserID: "u1", Amount: 6, IdempotencyKey: "k"})
	require.NoError(t, err)

	again, err := s.Debit(ctx, creditsync.DebitRequest{UserID: "u1", Amount: 9, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, creditsync.ErrDuplicateDebit)
	assert.Equal(t, first.Amount, again.Amount)
	assert.Equal(t, first.BalanceAfter, again.BalanceAfter)

	acc, _ := s.GetAccount(ctx, "u1")
	assert.Equal(t, int64(94), acc.Balance)
}

func TestDebit_ClampAndNegative(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetBalance(ctx, "u1", 3))

	d, err := s.Debit(ctx, creditsync.DebitRequest{UserID: "u1", Amount: 5, IdempotencyKey: "a", ClampAtZero: true})
	require.NoError(t, err)
	assert.Equal(t, int64(3), d.Amount)

	d, err = s.Debit(ctx, creditsync.DebitRequest{UserID: "u1", Amount: 2, IdempotencyKey: "b"})
	require.NoError(t, err)
	assert.Equal(t, int64(-2), d.BalanceAfter)
}

func TestDebit_AccountNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Debit(context.Background(), creditsync.DebitRequest{UserID: "ghost", Amount: 1, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, creditsync.ErrAccountNotFound)
}

func TestDebit_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetBalance(ctx, "u1", 100))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Debit(ctx, creditsync.DebitRequest{UserID: "u1", Amount: 5, IdempotencyKey: "same"})
		}()
	}
	wg.Wait()

	acc, err := s.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(95), acc.Balance)
}

func TestAdvanceCharge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, found, err := s.GetCharge(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.AdvanceCharge(ctx, creditsync.SessionCharge{TranscriptID: "t1", UserID: "u1", ChargedAmount: 6, LastSync: now}, 0))
	assert.ErrorIs(t, s.AdvanceCharge(ctx, creditsync.SessionCharge{TranscriptID: "t1", UserID: "u1", ChargedAmount: 9, LastSync: now}, 0), creditsync.ErrChargeConflict)
	require.NoError(t, s.AdvanceCharge(ctx, creditsync.SessionCharge{TranscriptID: "t1", UserID: "u1", ChargedAmount: 9, LastSync: now}, 6))

	c, found, err := s.GetCharge(ctx, "t1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(9), c.ChargedAmount)
	assert.WithinDuration(t, now, c.LastSync, time.Millisecond)
}

func TestAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, creditsync.AuditRecord{
		ID: "a1", UserID: "u1", Amount: 6, Reason: creditsync.AuditSync,
		Timestamp: time.Now(), Breakdown: &creditsync.Breakdown{PolicyVersion: "v1", Total: 6},
	}))
	require.NoError(t, s.Append(ctx, creditsync.AuditRecord{
		ID: "a2", UserID: "u1", Amount: 1, Reason: creditsync.AuditDeduct,
		Timestamp: time.Now().Add(time.Second),
	}))

	recs, err := s.AuditRecords(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a2", recs[0].ID)
	assert.Nil(t, recs[0].Breakdown)
	require.NotNil(t, recs[1].Breakdown)
	assert.Equal(t, int64(6), recs[1].Breakdown.Total)
}

func TestPruneDebits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetBalance(ctx, "u1", 100))

	for _, key := range []string{"a", "b", "c"} {
		_, err := s.Debit(ctx, creditsync.DebitRequest{UserID: "u1", Amount: 1, IdempotencyKey: key})
		require.NoError(t, err)
	}

	deleted, err := s.PruneDebits(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, deleted, "recent keys are kept")

	deleted, err = s.PruneDebits(ctx, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	// A pruned key no longer deduplicates.
	_, err = s.Debit(ctx, creditsync.DebitRequest{UserID: "u1", Amount: 1, IdempotencyKey: "a"})
	require.NoError(t, err)
	acc, err := s.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(96), acc.Balance)
}
