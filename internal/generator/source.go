package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/dyluth/cipher/pkg/cipher"
)

// EventSource returns recent real-world events for a theme.
type EventSource interface {
	FetchEvents(ctx context.Context, theme cipher.Category) ([]NewsEvent, error)
}

// Author turns an event into a puzzle draft.
type Author interface {
	AuthorPuzzle(ctx context.Context, req AuthorRequest) (*Draft, error)
}

// AuthorRequest is the input to the author collaborator.
type AuthorRequest struct {
	Theme      cipher.Category   `json:"theme"`
	Event      NewsEvent         `json:"event"`
	Difficulty cipher.Difficulty `json:"difficulty"`
	Format     cipher.Format     `json:"format"`
}

// Draft is an unvalidated puzzle as returned by the author.
type Draft struct {
	Title           string            `json:"title"`
	Hint            string            `json:"hint"`
	Solution        string            `json:"solution"`
	Content         string            `json:"content"`
	Difficulty      cipher.Difficulty `json:"difficulty"`
	Format          cipher.Format     `json:"format"`
	TimeBudgetHours int               `json:"time_budget_hours"`
	Narrative       *DraftNarrative   `json:"narrative,omitempty"`
}

// DraftNarrative is the narrative attachment proposed by the author.
type DraftNarrative struct {
	ThreadID string          `json:"thread_id"`
	Category cipher.Category `json:"category"`
	Weight   float64         `json:"weight"`
}

// maxResponseBytes bounds collaborator response bodies.
const maxResponseBytes = 1 << 20

// HTTPEventSource fetches events from `GET {BaseURL}/events?theme=&limit=`.
type HTTPEventSource struct {
	BaseURL string
	Limit   int
	Client  *http.Client
}

// FetchEvents implements EventSource.
func (s *HTTPEventSource) FetchEvents(ctx context.Context, theme cipher.Category) ([]NewsEvent, error) {
	limit := s.Limit
	if limit <= 0 {
		limit = 5
	}
	q := url.Values{}
	q.Set("theme", string(theme))
	q.Set("limit", fmt.Sprintf("%d", limit))
	endpoint := strings.TrimRight(s.BaseURL, "/") + "/events?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build event request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	var body struct {
		Events []NewsEvent `json:"events"`
	}
	if err := doJSON(httpClient(s.Client), req, &body); err != nil {
		return nil, fmt.Errorf("event source: %w", err)
	}
	return body.Events, nil
}

// HTTPAuthor requests drafts from `POST {BaseURL}/puzzles`.
type HTTPAuthor struct {
	BaseURL string
	Client  *http.Client
}

// AuthorPuzzle implements Author.
func (a *HTTPAuthor) AuthorPuzzle(ctx context.Context, areq AuthorRequest) (*Draft, error) {
	payload, err := json.Marshal(areq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal author request: %w", err)
	}
	endpoint := strings.TrimRight(a.BaseURL, "/") + "/puzzles"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build author request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	var draft Draft
	if err := doJSON(httpClient(a.Client), req, &draft); err != nil {
		return nil, fmt.Errorf("author: %w", err)
	}
	return &draft, nil
}

func httpClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return http.DefaultClient
}

func doJSON(client *http.Client, req *http.Request, out interface{}) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
