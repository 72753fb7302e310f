// Package chat consumes the token-streamed chat response for one turn:
// it accumulates chunk frames into a growing assistant message, exposes
// the running content for incremental rendering, and finalizes or
// discards it.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/anveshbhat/postlens/internal/pipeline"
	"github.com/anveshbhat/postlens/internal/sanitize"
	"github.com/anveshbhat/postlens/pkg/models"
	"github.com/google/uuid"
)

// ErrStreamActive is returned when a second stream is started for a
// session whose previous turn has not finished. The input surface is
// supposed to disable submission while streaming, so this is a caller
// error rather than a queueing request.
var ErrStreamActive = errors.New("a stream is already active for this session")

// Event is one update from an in-progress streaming turn. Exactly one
// of the terminal fields (Final, Err) is set on the last event.
type Event struct {
	// Content is the running accumulated assistant text.
	Content string
	// Final carries the completed message once the done frame arrives.
	Final *models.ChatMessage
	// Err is the sanitized terminal error; the accumulator is discarded
	// and no partial message remains addressable as complete.
	Err error
}

// Stream is one active streaming turn.
type Stream struct {
	events chan Event
	cancel context.CancelFunc
}

// Events delivers content updates followed by exactly one terminal
// event. The channel closes when the turn finishes or is cancelled.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Cancel aborts the turn and releases the underlying connection.
func (s *Stream) Cancel() {
	s.cancel()
}

// Assembler runs streaming chat turns against the pipeline service.
type Assembler struct {
	client      pipeline.Client
	maxDuration time.Duration

	mu     sync.Mutex
	active map[uuid.UUID]struct{}
}

// NewAssembler creates an Assembler. maxDuration bounds a single turn;
// zero disables the watchdog.
func NewAssembler(client pipeline.Client, maxDuration time.Duration) *Assembler {
	return &Assembler{
		client:      client,
		maxDuration: maxDuration,
		active:      make(map[uuid.UUID]struct{}),
	}
}

// Stream opens one streaming turn for the session. At most one stream
// may be active per session; a violation returns ErrStreamActive before
// any network activity. A non-2xx initial response is a terminal error
// for the turn.
func (a *Assembler) Stream(ctx context.Context, sessionID uuid.UUID, userText string) (*Stream, error) {
	a.mu.Lock()
	if _, busy := a.active[sessionID]; busy {
		a.mu.Unlock()
		return nil, ErrStreamActive
	}
	a.active[sessionID] = struct{}{}
	a.mu.Unlock()

	var sctx context.Context
	var cancel context.CancelFunc
	if a.maxDuration > 0 {
		sctx, cancel = context.WithTimeout(ctx, a.maxDuration)
	} else {
		sctx, cancel = context.WithCancel(ctx)
	}

	body, err := a.client.StreamMessage(sctx, sessionID, userText)
	if err != nil {
		cancel()
		a.release(sessionID)
		return nil, err
	}

	s := &Stream{
		events: make(chan Event, 16),
		cancel: cancel,
	}
	go a.consume(sctx, s, sessionID, body)
	return s, nil
}

// consume reads frames until a terminal frame, a transport error, or
// cancellation. Closing the body releases the connection; every state
// update checks the context first so nothing is delivered into a turn
// the owner has already abandoned.
func (a *Assembler) consume(ctx context.Context, s *Stream, sessionID uuid.UUID, body io.ReadCloser) {
	defer a.release(sessionID)
	defer close(s.events)
	defer body.Close()
	defer s.cancel()

	dec := newFrameDecoder(body)
	var acc string

	for {
		f, err := dec.next()
		if err != nil {
			if err == io.EOF {
				// Stream ended without a done frame: the turn is
				// incomplete and the accumulator is discarded.
				err = fmt.Errorf("stream ended unexpectedly")
			}
			a.emit(ctx, s, Event{Err: terminalError(ctx, err)})
			return
		}

		switch f.Type {
		case frameChunk:
			acc += f.Chunk
			if !a.emit(ctx, s, Event{Content: acc}) {
				return
			}
		case frameDone:
			msg := &models.ChatMessage{
				SessionID: sessionID,
				Role:      models.RoleAssistant,
				Content:   acc,
				Status:    models.MessageStatusComplete,
				CreatedAt: time.Now().UTC(),
			}
			if id, err := uuid.Parse(f.MessageID); err == nil {
				msg.ID = id
			}
			if f.TokensUsed > 0 {
				tokens := f.TokensUsed
				msg.TokensUsed = &tokens
			}
			a.emit(ctx, s, Event{Content: acc, Final: msg})
			return
		case frameError:
			a.emit(ctx, s, Event{Err: errors.New(sanitize.Generic(f.Error))})
			return
		default:
			// Unknown frame types are ignored for forward compatibility.
		}
	}
}

// terminalError sanitizes a transport error, preferring the context's
// cause when the turn was cancelled or timed out.
func terminalError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New(sanitize.Generic(err.Error()))
}

// emit delivers the event unless the turn's context ended. Reports
// whether delivery happened.
func (a *Assembler) emit(ctx context.Context, s *Stream, e Event) bool {
	select {
	case <-ctx.Done():
		return false
	case s.events <- e:
		return true
	}
}

func (a *Assembler) release(sessionID uuid.UUID) {
	a.mu.Lock()
	delete(a.active, sessionID)
	a.mu.Unlock()
}
