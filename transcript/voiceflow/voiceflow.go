// Package voiceflow reads transcripts from the Voiceflow analytics API.
package voiceflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ineyio/creditsync"
)

// DefaultBaseURL is the public analytics API.
const DefaultBaseURL = "https://analytics-api.voiceflow.com"

// Client is a TranscriptSource backed by the Voiceflow analytics API.
//
// With a project ID, Search queries the project's transcript index by
// session or user ID. Without one, a session key is taken to be the
// transcript ID itself and user lookups find nothing.
type Client struct {
	baseURL    string
	apiKey     string
	projectID  string
	httpClient *http.Client
}

var _ creditsync.TranscriptSource = (*Client)(nil)

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithBaseURL overrides DefaultBaseURL.
func WithBaseURL(u string) Option {
	return func(cl *Client) {
		if u != "" {
			cl.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithProjectID enables indexed search within a project.
func WithProjectID(id string) Option {
	return func(cl *Client) { cl.projectID = id }
}

// New creates a client authenticating with apiKey.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return "voiceflow" }

// searchRequest is the body of a project transcript search.
type searchRequest struct {
	SessionID string `json:"sessionID,omitempty"`
	UserID    string `json:"userID,omitempty"`
}

func (c *Client) Search(ctx context.Context, key creditsync.TranscriptKey) ([]creditsync.TranscriptSummary, error) {
	if c.projectID == "" {
		if key.Kind != creditsync.KeySession {
			return nil, nil
		}
		return c.lookup(ctx, key.Value)
	}

	body := searchRequest{}
	switch key.Kind {
	case creditsync.KeySession:
		body.SessionID = key.Value
	case creditsync.KeyUser:
		body.UserID = key.Value
	default:
		return nil, fmt.Errorf("creditsync/voiceflow: unsupported key kind %q", key.Kind)
	}

	data, err := c.do(ctx, http.MethodPost, "/v1/transcript/project/"+url.PathEscape(c.projectID), body)
	if err != nil {
		return nil, err
	}

	var out []creditsync.TranscriptSummary
	gjson.GetBytes(data, "transcripts").ForEach(func(_, t gjson.Result) bool {
		out = append(out, summary(t))
		return true
	})
	return out, nil
}

// lookup treats the session key as a transcript ID.
func (c *Client) lookup(ctx context.Context, id string) ([]creditsync.TranscriptSummary, error) {
	data, err := c.do(ctx, http.MethodGet, "/v1/transcript/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	s := summary(gjson.GetBytes(data, "transcript"))
	if s.ID == "" {
		s.ID = id
	}
	return []creditsync.TranscriptSummary{s}, nil
}

func (c *Client) Fetch(ctx context.Context, transcriptID string) ([]creditsync.Entry, error) {
	data, err := c.do(ctx, http.MethodGet, "/v1/transcript/"+url.PathEscape(transcriptID), nil)
	if err != nil {
		return nil, err
	}

	turns := gjson.GetBytes(data, "transcript.turns")
	entries := make([]creditsync.Entry, 0, len(turns.Array()))
	turns.ForEach(func(_, t gjson.Result) bool {
		e := creditsync.Entry{
			Source: creditsync.Source(t.Get("source").String()),
			Kind:   t.Get("type").String(),
		}
		if p := t.Get("payload"); p.Exists() {
			e.Payload = json.RawMessage(p.Raw)
		}
		entries = append(entries, e)
		return true
	})
	return entries, nil
}

func summary(t gjson.Result) creditsync.TranscriptSummary {
	id := t.Get("id").String()
	if id == "" {
		id = t.Get("_id").String()
	}
	s := creditsync.TranscriptSummary{
		ID:        id,
		SessionID: t.Get("sessionID").String(),
		UserID:    t.Get("userID").String(),
	}
	if v := t.Get("createdAt").String(); v != "" {
		s.CreatedAt, _ = time.Parse(time.RFC3339, v)
	}
	return s
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("creditsync/voiceflow: marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("creditsync/voiceflow: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", creditsync.ErrExternalUnavailable, err)
	}
	defer resp.Body.Close()

	if err := mapHTTPError(resp); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", creditsync.ErrExternalUnavailable, err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: malformed response", creditsync.ErrExternalUnavailable)
	}
	return data, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch resp.StatusCode {
	case http.StatusNotFound:
		return creditsync.ErrTranscriptNotFound
	default:
		return fmt.Errorf("%w: status %d: %s", creditsync.ErrExternalUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
