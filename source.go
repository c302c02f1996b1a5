package creditsync

import "context"

// TranscriptSource is the interface that dialogue platform adapters must
// implement. The source is eventually consistent: a transcript may be
// missing from Search for a while after the conversation started.
type TranscriptSource interface {
	// Name returns the source identifier (e.g. "voiceflow").
	Name() string

	// Search returns the transcripts indexed under key. An empty result is
	// not an error.
	Search(ctx context.Context, key TranscriptKey) ([]TranscriptSummary, error)

	// Fetch returns the ordered entry log of a transcript.
	Fetch(ctx context.Context, transcriptID string) ([]Entry, error)
}
