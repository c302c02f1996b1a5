package creditsync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Resolver maps a caller-supplied session key to a canonical transcript,
// tolerating the source's indexing lag.
type Resolver struct {
	source   TranscriptSource
	keyOrder []KeyKind
	timeout  time.Duration
	health   *HealthTracker
	now      func() time.Time
}

// NewResolver creates a Resolver. A nil health tracker disables the
// circuit breaker.
func NewResolver(source TranscriptSource, cfg ResolverConfig, health *HealthTracker) *Resolver {
	order := cfg.KeyOrder
	if len(order) == 0 {
		order = []KeyKind{KeySession, KeyUser}
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultResolveTimeout
	}
	return &Resolver{
		source:   source,
		keyOrder: order,
		timeout:  timeout,
		health:   health,
		now:      time.Now,
	}
}

// Resolve looks the session key up under each key kind in order and returns
// the most recently created transcript. It returns ErrPending when nothing
// is indexed yet and an error matching ErrExternalUnavailable when the
// source failed or timed out.
func (r *Resolver) Resolve(ctx context.Context, sessionKey string) (TranscriptRef, error) {
	if r.health != nil && r.health.GetHealth(r.source.Name()) == HealthUnhealthy {
		return TranscriptRef{}, fmt.Errorf("%w: %s circuit open", ErrExternalUnavailable, r.source.Name())
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var lastErr error
	for _, kind := range r.keyOrder {
		hits, err := r.source.Search(ctx, TranscriptKey{Kind: kind, Value: sessionKey})
		if err != nil && !errors.Is(err, ErrTranscriptNotFound) {
			r.recordFailure()
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		hits = withID(hits)
		if len(hits) == 0 {
			continue
		}

		r.recordSuccess()
		latest := selectLatest(hits)
		return TranscriptRef{
			SessionKey:   sessionKey,
			TranscriptID: latest.ID,
			KeyKind:      kind,
			ResolvedAt:   r.now(),
		}, nil
	}

	if lastErr != nil {
		return TranscriptRef{}, unavailable(lastErr)
	}
	return TranscriptRef{}, ErrPending
}

// Fetch returns the entries of a resolved transcript under the resolver's
// timeout. A transcript that disappeared between search and fetch is
// reported as pending.
func (r *Resolver) Fetch(ctx context.Context, ref TranscriptRef) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	entries, err := r.source.Fetch(ctx, ref.TranscriptID)
	if errors.Is(err, ErrTranscriptNotFound) {
		return nil, ErrPending
	}
	if err != nil {
		r.recordFailure()
		return nil, unavailable(err)
	}
	r.recordSuccess()
	return entries, nil
}

// selectLatest returns the most recently created transcript. Ties break on
// the greatest ID so the choice does not depend on result order.
func selectLatest(hits []TranscriptSummary) TranscriptSummary {
	best := hits[0]
	for _, h := range hits[1:] {
		if h.CreatedAt.After(best.CreatedAt) ||
			(h.CreatedAt.Equal(best.CreatedAt) && h.ID > best.ID) {
			best = h
		}
	}
	return best
}

func withID(hits []TranscriptSummary) []TranscriptSummary {
	out := hits[:0:0]
	for _, h := range hits {
		if h.ID != "" {
			out = append(out, h)
		}
	}
	return out
}

func unavailable(err error) error {
	if IsUnavailable(err) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrExternalUnavailable, err)
}

func (r *Resolver) recordFailure() {
	if r.health != nil {
		r.health.RecordFailure(r.source.Name())
	}
}

func (r *Resolver) recordSuccess() {
	if r.health != nil {
		r.health.RecordSuccess(r.source.Name())
	}
}
