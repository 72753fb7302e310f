// Package bus carries the page-internal signals that decouple the
// scroll coordinator from its triggers: chat turn started, chat history
// loaded, typing progress. Publishers must only publish after the
// underlying state change is committed, so subscribers always observe
// cause before signal.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Topic names one signal kind.
type Topic string

const (
	TopicChatTurnStarted    Topic = "chat.turn.started"
	TopicChatHistoryLoaded  Topic = "chat.history.loaded"
	TopicTypingStarted      Topic = "typing.started"
	TopicTypingStopped      Topic = "typing.stopped"
	TopicAnalysisCompleted  Topic = "analysis.completed"
	TopicAnalysisFailed     Topic = "analysis.failed"
	TopicAnalysisStageAdded Topic = "analysis.stage.added"
)

// Message is one published signal.
type Message struct {
	Topic      Topic
	AnalysisID uuid.UUID
}

const subscriberBuffer = 32

type subscriber struct {
	topics map[Topic]struct{}
	ch     chan Message
}

// Bus is a typed publish/subscribe hub for one page's signals.
type Bus struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe returns a channel receiving messages for the given topics
// (all topics if none given). The subscription ends and the channel
// closes when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, topics ...Topic) <-chan Message {
	sub := &subscriber{ch: make(chan Message, subscriberBuffer)}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		close(sub.ch)
	}()

	return sub.ch
}

// Publish fans the message out to matching subscribers. A subscriber
// that falls behind its buffer loses the message; the UI signals here
// are advisory nudges, not the source of truth.
func (b *Bus) Publish(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub.topics != nil {
			if _, ok := sub.topics[msg.Topic]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- msg:
		default:
			slog.Warn("bus subscriber lagging, message dropped",
				"topic", msg.Topic, "analysis_id", msg.AnalysisID)
		}
	}
}
