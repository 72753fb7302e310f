package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anveshbhat/postlens/internal/auth"
	"github.com/anveshbhat/postlens/internal/pipeline"
	"github.com/anveshbhat/postlens/internal/retry"
	"github.com/anveshbhat/postlens/pkg/models"
	"github.com/google/uuid"
)

// SessionResolver finds or creates the chat session for a completed
// analysis. The backend provisions the session shortly after the
// pipeline finishes, so discovery waits out a fixed grace period and
// then retries a bounded number of times before falling back to
// creating the session itself.
type SessionResolver struct {
	client   pipeline.Client
	grace    time.Duration
	attempts int
}

// NewSessionResolver creates a resolver with the given grace period and
// discovery attempt cap.
func NewSessionResolver(client pipeline.Client, grace time.Duration, attempts int) *SessionResolver {
	return &SessionResolver{client: client, grace: grace, attempts: attempts}
}

// Resolve returns the analysis's chat session, waiting for backend
// provisioning if needed.
func (r *SessionResolver) Resolve(ctx context.Context, analysisID uuid.UUID) (*models.ChatSession, error) {
	if r.grace > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.grace):
		}
	}

	var session *models.ChatSession
	err := retry.Do(ctx, retry.Options{
		MaxAttempts: r.attempts,
		Interval:    r.grace,
		ShouldRetry: func(err error) bool {
			// Not-found means still provisioning; a not-ready token
			// also just needs another moment.
			return errors.Is(err, pipeline.ErrNotFound) || errors.Is(err, auth.ErrTokenNotReady)
		},
	}, func(ctx context.Context) error {
		s, err := r.client.FindChatSession(ctx, analysisID)
		if err != nil {
			return err
		}
		session = s
		return nil
	})
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, pipeline.ErrNotFound) {
		return nil, fmt.Errorf("discovering chat session: %w", err)
	}

	// Discovery exhausted: the backend never provisioned one, so take
	// over and create it.
	session, err = r.client.CreateChatSession(ctx, analysisID)
	if err != nil {
		return nil, fmt.Errorf("creating chat session: %w", err)
	}
	return session, nil
}
