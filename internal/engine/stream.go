package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anveshbhat/postlens/internal/bus"
	"github.com/anveshbhat/postlens/internal/chat"
	"github.com/anveshbhat/postlens/internal/sanitize"
	"github.com/anveshbhat/postlens/pkg/models"
	"github.com/google/uuid"
)

// ErrNoSession is returned when a message is sent before the chat
// session exists.
var ErrNoSession = errors.New("chat session not ready")

// SendMessage submits one chat turn: the user message is committed
// optimistically, a streaming assistant placeholder is appended, and
// the assembler's deltas mutate that placeholder until the turn
// finalizes. On a terminal error the placeholder is discarded, the
// user message stays, and the text is kept for resend.
func (c *Controller) SendMessage(ctx context.Context, text string) error {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return ErrNoSession
	}
	if c.streaming {
		c.mu.Unlock()
		return chat.ErrStreamActive
	}
	sessionID := c.session.ID
	analysisID := c.activeID

	now := time.Now().UTC()
	c.messages = append(c.messages,
		models.ChatMessage{
			ID:        uuid.New(),
			SessionID: sessionID,
			Role:      models.RoleUser,
			Content:   text,
			Status:    models.MessageStatusComplete,
			CreatedAt: now,
		},
		models.ChatMessage{
			ID:        uuid.New(),
			SessionID: sessionID,
			Role:      models.RoleAssistant,
			Status:    models.MessageStatusStreaming,
			CreatedAt: now,
		})
	c.streaming = true
	c.lastSent = text
	c.streamErr = ""
	c.mu.Unlock()

	c.notify(Notice{Kind: NoticeChatHistory, AnalysisID: analysisID})
	c.signals.Publish(bus.Message{Topic: bus.TopicChatTurnStarted, AnalysisID: analysisID})

	stream, err := c.assembler.Stream(ctx, sessionID, text)
	if err != nil {
		c.failTurn(analysisID, nil, err)
		return fmt.Errorf("starting stream: %w", err)
	}

	c.mu.Lock()
	if c.activeID != analysisID {
		// The user navigated away while the stream was opening.
		c.mu.Unlock()
		stream.Cancel()
		return nil
	}
	c.stream = stream
	c.mu.Unlock()

	go c.consumeStream(analysisID, stream)
	return nil
}

func (c *Controller) consumeStream(analysisID uuid.UUID, stream *chat.Stream) {
	typing := false
	for ev := range stream.Events() {
		switch {
		case ev.Err != nil:
			if typing {
				c.signals.Publish(bus.Message{Topic: bus.TopicTypingStopped, AnalysisID: analysisID})
			}
			c.failTurn(analysisID, stream, ev.Err)
			return

		case ev.Final != nil:
			c.mu.Lock()
			if c.stream == stream {
				c.stream = nil
			}
			if analysisID == c.activeID {
				if i := c.streamingIndex(); i >= 0 {
					c.messages[i] = *ev.Final
				}
				c.streaming = false
			}
			c.mu.Unlock()
			if typing {
				c.signals.Publish(bus.Message{Topic: bus.TopicTypingStopped, AnalysisID: analysisID})
			}
			c.notify(Notice{Kind: NoticeStreamDone, AnalysisID: analysisID})
			return

		default:
			if !typing {
				typing = true
				c.signals.Publish(bus.Message{Topic: bus.TopicTypingStarted, AnalysisID: analysisID})
			}
			c.mu.Lock()
			if analysisID == c.activeID {
				if i := c.streamingIndex(); i >= 0 {
					c.messages[i].Content = ev.Content
				}
			}
			c.mu.Unlock()
			c.notify(Notice{Kind: NoticeStreamDelta, AnalysisID: analysisID})
		}
	}

	// Channel closed without a terminal event: the turn was cancelled.
	c.failTurn(analysisID, stream, context.Canceled)
}

// failTurn rolls back the assistant placeholder, keeps the user
// message, and surfaces the sanitized error inline. A turn whose
// analysis is no longer active rolls nothing back; that view's state
// was already reset on navigation.
func (c *Controller) failTurn(analysisID uuid.UUID, stream *chat.Stream, err error) {
	c.mu.Lock()
	if stream != nil && c.stream == stream {
		c.stream = nil
	}
	if analysisID != c.activeID {
		c.mu.Unlock()
		return
	}
	if i := c.streamingIndex(); i >= 0 {
		c.messages = append(c.messages[:i], c.messages[i+1:]...)
	}
	c.streaming = false
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		c.streamErr = "Response interrupted. Your message was kept; try sending it again."
	} else {
		c.streamErr = sanitize.Generic(err.Error())
	}
	c.mu.Unlock()
	c.notify(Notice{Kind: NoticeStreamError, AnalysisID: analysisID})
}

// streamingIndex finds the (single) streaming message. Callers hold mu.
func (c *Controller) streamingIndex() int {
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Status == models.MessageStatusStreaming {
			return i
		}
	}
	return -1
}
