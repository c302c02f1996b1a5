package creditsync_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cs "github.com/ineyio/creditsync"
	"github.com/ineyio/creditsync/transcript/mock"
)

func TestResolve_PicksMostRecent(t *testing.T) {
	src := mock.New()
	now := time.Now()
	src.Add(cs.TranscriptSummary{ID: "a", SessionID: "s1", CreatedAt: now.Add(-2 * time.Minute)})
	src.Add(cs.TranscriptSummary{ID: "b", SessionID: "s1", CreatedAt: now})
	src.Add(cs.TranscriptSummary{ID: "c", SessionID: "s1", CreatedAt: now.Add(-time.Minute)})

	r := cs.NewResolver(src, cs.ResolverConfig{}, nil)
	ref, err := r.Resolve(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "b", ref.TranscriptID)
	assert.Equal(t, cs.KeySession, ref.KeyKind)
	assert.Equal(t, "s1", ref.SessionKey)
}

func TestResolve_TiesBreakOnID(t *testing.T) {
	src := mock.New()
	now := time.Now()
	src.Add(cs.TranscriptSummary{ID: "t-1", SessionID: "s1", CreatedAt: now})
	src.Add(cs.TranscriptSummary{ID: "t-2", SessionID: "s1", CreatedAt: now})

	r := cs.NewResolver(src, cs.ResolverConfig{}, nil)
	for i := 0; i < 5; i++ {
		ref, err := r.Resolve(context.Background(), "s1")
		require.NoError(t, err)
		assert.Equal(t, "t-2", ref.TranscriptID)
	}
}

func TestResolve_KeyOrder(t *testing.T) {
	src := mock.New()
	src.Add(cs.TranscriptSummary{ID: "by-session", SessionID: "k", CreatedAt: time.Now().Add(-time.Hour)})
	src.Add(cs.TranscriptSummary{ID: "by-user", UserID: "k", CreatedAt: time.Now()})

	ref, err := cs.NewResolver(src, cs.ResolverConfig{}, nil).Resolve(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "by-session", ref.TranscriptID, "session index is tried first")

	userFirst := cs.ResolverConfig{KeyOrder: []cs.KeyKind{cs.KeyUser, cs.KeySession}}
	ref, err = cs.NewResolver(src, userFirst, nil).Resolve(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "by-user", ref.TranscriptID)
	assert.Equal(t, cs.KeyUser, ref.KeyKind)
}

func TestResolve_NothingIndexedIsPending(t *testing.T) {
	src := mock.New()
	src.Add(cs.TranscriptSummary{SessionID: "s1"}) // hits without an ID are ignored

	_, err := cs.NewResolver(src, cs.ResolverConfig{}, nil).Resolve(context.Background(), "s1")
	assert.ErrorIs(t, err, cs.ErrPending)
	assert.Equal(t, int64(2), src.SearchCount(), "both key kinds are tried")
}

func TestResolve_NotFoundFromSourceIsPending(t *testing.T) {
	src := mock.New(mock.WithSearchError(cs.ErrTranscriptNotFound))
	_, err := cs.NewResolver(src, cs.ResolverConfig{}, nil).Resolve(context.Background(), "s1")
	assert.ErrorIs(t, err, cs.ErrPending)
}

func TestResolve_SourceErrorIsUnavailable(t *testing.T) {
	src := mock.New(mock.WithSearchError(errors.New("connection refused")))
	_, err := cs.NewResolver(src, cs.ResolverConfig{}, nil).Resolve(context.Background(), "s1")
	assert.ErrorIs(t, err, cs.ErrExternalUnavailable)
	assert.True(t, cs.IsUnavailable(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestResolve_Timeout(t *testing.T) {
	src := mock.New(mock.WithLatency(time.Second))
	r := cs.NewResolver(src, cs.ResolverConfig{Timeout: 20 * time.Millisecond}, nil)

	start := time.Now()
	_, err := r.Resolve(context.Background(), "s1")
	assert.ErrorIs(t, err, cs.ErrExternalUnavailable)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, int64(1), src.SearchCount(), "an expired deadline stops the fallback")
}

func TestFetch_MissingTranscriptIsPending(t *testing.T) {
	src := mock.New()
	r := cs.NewResolver(src, cs.ResolverConfig{}, nil)
	_, err := r.Fetch(context.Background(), cs.TranscriptRef{TranscriptID: "gone"})
	assert.ErrorIs(t, err, cs.ErrPending)

	src.SetFetchError(errors.New("502"))
	_, err = r.Fetch(context.Background(), cs.TranscriptRef{TranscriptID: "gone"})
	assert.ErrorIs(t, err, cs.ErrExternalUnavailable)
}

func TestResolve_CircuitBreakerSkipsUnhealthySource(t *testing.T) {
	src := mock.New(mock.WithSearchError(errors.New("503")))
	ht := cs.NewHealthTracker()
	r := cs.NewResolver(src, cs.ResolverConfig{}, ht)

	// Two key kinds per call: the second call crosses the failure threshold.
	for i := 0; i < 2; i++ {
		_, err := r.Resolve(context.Background(), "s1")
		assert.ErrorIs(t, err, cs.ErrExternalUnavailable)
	}
	assert.Equal(t, cs.HealthUnhealthy, ht.GetHealth("mock"))

	calls := src.SearchCount()
	_, err := r.Resolve(context.Background(), "s1")
	assert.ErrorIs(t, err, cs.ErrExternalUnavailable)
	assert.Equal(t, calls, src.SearchCount(), "open circuit must not call the source")
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	ht := cs.NewHealthTracker()
	assert.Equal(t, cs.HealthHealthy, ht.GetHealth("voiceflow"))

	ht.RecordFailure("voiceflow")
	ht.RecordFailure("voiceflow")
	assert.Equal(t, cs.HealthHealthy, ht.GetHealth("voiceflow"))

	ht.RecordFailure("voiceflow")
	assert.Equal(t, cs.HealthUnhealthy, ht.GetHealth("voiceflow"))
	assert.Equal(t, cs.HealthHealthy, ht.GetHealth("other"))
}

func TestCircuitBreaker_SuccessCloses(t *testing.T) {
	ht := cs.NewHealthTracker()
	for i := 0; i < 3; i++ {
		ht.RecordFailure("voiceflow")
	}
	require.Equal(t, cs.HealthUnhealthy, ht.GetHealth("voiceflow"))

	ht.RecordSuccess("voiceflow")
	assert.Equal(t, cs.HealthHealthy, ht.GetHealth("voiceflow"))
}

func TestHealthState_String(t *testing.T) {
	assert.Equal(t, "healthy", cs.HealthHealthy.String())
	assert.Equal(t, "unhealthy", cs.HealthUnhealthy.String())
	assert.Equal(t, "half-open", cs.HealthHalfOpen.String())
}

func TestErrorHelpers(t *testing.T) {
	assert.True(t, cs.IsClientError(cs.ErrInvalidInput))
	assert.True(t, cs.IsClientError(cs.ErrAccountNotFound))
	assert.False(t, cs.IsClientError(cs.ErrPending))

	assert.True(t, cs.IsUnavailable(cs.ErrExternalUnavailable))
	assert.False(t, cs.IsUnavailable(cs.ErrTranscriptNotFound))

	ae := &cs.AnomalyError{Kind: cs.AnomalyChargeNotAdvanced, UserID: "u1", TranscriptID: "t1", Err: errors.New("boom")}
	assert.ErrorIs(t, ae, cs.ErrLedgerAnomaly)
	assert.Contains(t, ae.Error(), "kind=charge_not_advanced")
	assert.Contains(t, ae.Error(), "boom")
	assert.True(t, cs.AnomalyChargeConflict.Page())
	assert.False(t, cs.AnomalyRegression.Page())
}
