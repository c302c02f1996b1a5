// Package mock provides an in-memory TranscriptSource for tests and
// examples.
package mock

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ineyio/creditsync"
)

// Source is a mock transcript source. Transcripts are visible to Search
// only after they were added, which simulates indexing lag.
type Source struct {
	name    string
	latency time.Duration

	mu          sync.Mutex
	transcripts map[string]*transcript
	searchErr   error
	fetchErr    error

	searchCount atomic.Int64
	fetchCount  atomic.Int64
}

type transcript struct {
	summary creditsync.TranscriptSummary
	entries []creditsync.Entry
}

var _ creditsync.TranscriptSource = (*Source)(nil)

// Option configures a mock Source.
type Option func(*Source)

// New creates a mock source with the given options.
func New(opts ...Option) *Source {
	s := &Source{
		name:        "mock",
		transcripts: make(map[string]*transcript),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithName sets the source name.
func WithName(name string) Option {
	return func(s *Source) { s.name = name }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(s *Source) { s.latency = d }
}

// WithSearchError makes Search always return this error.
func WithSearchError(err error) Option {
	return func(s *Source) { s.searchErr = err }
}

// WithFetchError makes Fetch always return this error.
func WithFetchError(err error) Option {
	return func(s *Source) { s.fetchErr = err }
}

// SetSearchError changes the Search error at runtime. nil clears it.
func (s *Source) SetSearchError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchErr = err
}

// SetFetchError changes the Fetch error at runtime. nil clears it.
func (s *Source) SetFetchError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchErr = err
}

// Add indexes a transcript with the given entries, replacing any previous
// transcript with the same ID.
func (s *Source) Add(summary creditsync.TranscriptSummary, entries ...creditsync.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts[summary.ID] = &transcript{summary: summary, entries: entries}
}

// Append grows an indexed transcript. Unknown IDs are ignored.
func (s *Source) Append(id string, entries ...creditsync.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.transcripts[id]; ok {
		t.entries = append(t.entries, entries...)
	}
}

// SetEntries replaces the entries of an indexed transcript.
func (s *Source) SetEntries(id string, entries ...creditsync.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.transcripts[id]; ok {
		t.entries = entries
	}
}

func (s *Source) Name() string { return s.name }

func (s *Source) Search(ctx context.Context, key creditsync.TranscriptKey) ([]creditsync.TranscriptSummary, error) {
	s.searchCount.Add(1)
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.searchErr != nil {
		return nil, s.searchErr
	}

	var out []creditsync.TranscriptSummary
	for _, t := range s.transcripts {
		switch key.Kind {
		case creditsync.KeySession:
			if t.summary.SessionID == key.Value {
				out = append(out, t.summary)
			}
		case creditsync.KeyUser:
			if t.summary.UserID == key.Value {
				out = append(out, t.summary)
			}
		}
	}
	return out, nil
}

func (s *Source) Fetch(ctx context.Context, transcriptID string) ([]creditsync.Entry, error) {
	s.fetchCount.Add(1)
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	t, ok := s.transcripts[transcriptID]
	if !ok {
		return nil, creditsync.ErrTranscriptNotFound
	}
	out := make([]creditsync.Entry, len(t.entries))
	copy(out, t.entries)
	return out, nil
}

func (s *Source) wait(ctx context.Context) error {
	if s.latency <= 0 {
		return nil
	}
	select {
	case <-time.After(s.latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SearchCount returns the number of Search calls.
func (s *Source) SearchCount() int64 { return s.searchCount.Load() }

// FetchCount returns the number of Fetch calls.
func (s *Source) FetchCount() int64 { return s.fetchCount.Load() }

// Text builds a text entry with a {"text": ...} payload.
func Text(src creditsync.Source, text string) creditsync.Entry {
	payload, _ := json.Marshal(map[string]string{"text": text})
	return creditsync.Entry{Source: src, Kind: "text", Payload: payload}
}

// System builds a system text entry.
func System(text string) creditsync.Entry { return Text(creditsync.SourceSystem, text) }

// User builds a user text entry.
func User(text string) creditsync.Entry { return Text(creditsync.SourceUser, text) }
