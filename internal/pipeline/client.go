// Package pipeline is the HTTP client for the analysis pipeline
// service: analysis snapshots, historical stage events, fetched posts,
// and chat session plumbing. The live stage-event channel is not here;
// that is the push package.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/anveshbhat/postlens/internal/auth"
	"github.com/anveshbhat/postlens/pkg/models"
	"github.com/google/uuid"
)

// Sentinel errors for pipeline client failures.
var (
	ErrUnreachable   = errors.New("pipeline service unreachable")
	ErrTimeout       = errors.New("pipeline request timeout")
	ErrRequestFailed = errors.New("pipeline request failed")
	ErrNotFound      = errors.New("resource not found")
)

// Client is the interface for talking to the pipeline service.
type Client interface {
	CreateAnalysis(ctx context.Context, postURL string) (*models.Analysis, error)
	GetAnalysis(ctx context.Context, id uuid.UUID) (*models.Analysis, error)
	ListStageEvents(ctx context.Context, analysisID uuid.UUID) ([]models.StageEvent, error)
	ListPosts(ctx context.Context, analysisID uuid.UUID) ([]models.Post, error)
	CreateChatSession(ctx context.Context, analysisID uuid.UUID) (*models.ChatSession, error)
	FindChatSession(ctx context.Context, analysisID uuid.UUID) (*models.ChatSession, error)
	ListMessages(ctx context.Context, sessionID uuid.UUID) ([]models.ChatMessage, error)
	StreamMessage(ctx context.Context, sessionID uuid.UUID, message string) (io.ReadCloser, error)
}

// HTTPClient implements Client against the pipeline service's HTTP API.
// Every request carries a bearer token from the token source; a token
// that is not ready yet surfaces as a deferrable error, not a failure.
type HTTPClient struct {
	baseURL string
	tokens  auth.TokenSource
	client  *http.Client
}

// NewHTTPClient creates a pipeline HTTP client.
func NewHTTPClient(baseURL string, tokens auth.TokenSource, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		// Timeout covers whole-request round trips. Streaming requests
		// use a separate client with no deadline; cancellation is the
		// caller's context.
		client: &http.Client{Timeout: timeout},
	}
}

// CreateAnalysis submits a post URL for analysis.
func (c *HTTPClient) CreateAnalysis(ctx context.Context, postURL string) (*models.Analysis, error) {
	body := map[string]string{"post_url": postURL}
	var out models.Analysis
	if err := c.postJSON(ctx, "/analysis/requests", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) GetAnalysis(ctx context.Context, id uuid.UUID) (*models.Analysis, error) {
	var out models.Analysis
	if err := c.getJSON(ctx, fmt.Sprintf("/analysis/requests/%s", id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) ListStageEvents(ctx context.Context, analysisID uuid.UUID) ([]models.StageEvent, error) {
	var out []models.StageEvent
	if err := c.getJSON(ctx, fmt.Sprintf("/analysis/requests/%s/events", analysisID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) ListPosts(ctx context.Context, analysisID uuid.UUID) ([]models.Post, error) {
	var out []models.Post
	if err := c.getJSON(ctx, fmt.Sprintf("/analysis/requests/%s/posts", analysisID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) CreateChatSession(ctx context.Context, analysisID uuid.UUID) (*models.ChatSession, error) {
	body := map[string]string{"post_analysis_id": analysisID.String()}
	var out models.ChatSession
	if err := c.postJSON(ctx, "/chat/sessions", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FindChatSession looks up the session attached to the analysis.
// Returns ErrNotFound while the backend is still provisioning it.
func (c *HTTPClient) FindChatSession(ctx context.Context, analysisID uuid.UUID) (*models.ChatSession, error) {
	params := url.Values{"post_analysis_id": {analysisID.String()}}
	var out []models.ChatSession
	if err := c.getJSON(ctx, "/chat/sessions?"+params.Encode(), &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return &out[0], nil
}

func (c *HTTPClient) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]models.ChatMessage, error) {
	var out []models.ChatMessage
	if err := c.getJSON(ctx, fmt.Sprintf("/chat/sessions/%s/messages", sessionID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StreamMessage opens the long-lived streaming response for one chat
// turn. The caller owns the returned body and must close it; closing it
// (or cancelling ctx) releases the connection. A non-2xx status is a
// terminal error for the turn, carrying the response's plain-text body.
func (c *HTTPClient) StreamMessage(ctx context.Context, sessionID uuid.UUID, message string) (io.ReadCloser, error) {
	payload, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return nil, fmt.Errorf("encoding stream request: %w", err)
	}

	u := fmt.Sprintf("%s/chat/sessions/%s/messages/stream", c.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("building stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	// No client timeout: the stream lives as long as the answer takes.
	streamClient := &http.Client{Transport: c.client.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", ErrRequestFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return resp.Body, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	return c.doJSON(ctx, req, out)
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(ctx, req, out)
}

// envelope matches the service's {"data": ...} response wrapper.
type envelope struct {
	Data json.RawMessage `json:"data"`
}

func (c *HTTPClient) doJSON(ctx context.Context, req *http.Request, out any) error {
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return fmt.Errorf("%w: status %d", ErrRequestFailed, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decoding response data: %w", err)
	}
	return nil
}

func (c *HTTPClient) authorize(ctx context.Context, req *http.Request) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		// Not-ready propagates so callers defer instead of failing.
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

var _ Client = (*HTTPClient)(nil)
