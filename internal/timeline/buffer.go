package timeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/anveshbhat/postlens/internal/push"
	"github.com/anveshbhat/postlens/pkg/models"
	"github.com/google/uuid"
)

// UpdateKind distinguishes plain insertions from the derived terminal
// signals raised when an inserted event ends the pipeline.
type UpdateKind int

const (
	UpdateInserted UpdateKind = iota
	UpdateCompleted
	UpdateFailed
)

// Update is one notification from a timeline handle. Exactly one
// UpdateInserted is emitted per distinct event id; a terminal event
// additionally produces an UpdateCompleted or UpdateFailed carrying the
// same event.
type Update struct {
	Kind  UpdateKind
	Event models.StageEvent
}

// History is the one-shot historical event fetch, satisfied by the
// pipeline client.
type History interface {
	ListStageEvents(ctx context.Context, analysisID uuid.UUID) ([]models.StageEvent, error)
}

// Handle is an open, live-merging timeline for one analysis.
type Handle struct {
	analysisID uuid.UUID

	mu sync.Mutex
	tl *Timeline

	updates chan Update
	cancel  context.CancelFunc
	done    chan struct{}
}

// Updates delivers one Update per distinct insertion plus derived
// terminal signals. The channel closes when the handle is closed.
// Consumers must drain it; delivery blocks until read.
func (h *Handle) Updates() <-chan Update {
	return h.updates
}

// Snapshot returns the merged events observed so far.
func (h *Handle) Snapshot() []models.StageEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tl.Events()
}

// Latest returns the newest merged event, if any.
func (h *Handle) Latest() (models.StageEvent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tl.Latest()
}

// Buffer merges the one-shot historical fetch with the live push
// subscription into duplicate-free per-analysis timelines. It is the
// only layer that collapses the unavoidable overlap between the two
// delivery channels.
type Buffer struct {
	history    History
	subscriber push.Subscriber

	mu   sync.Mutex
	open map[uuid.UUID]*Handle
}

// NewBuffer creates a Buffer reading history and live events from the
// given sources.
func NewBuffer(history History, subscriber push.Subscriber) *Buffer {
	return &Buffer{
		history:    history,
		subscriber: subscriber,
		open:       make(map[uuid.UUID]*Handle),
	}
}

// Open starts merging events for the analysis and returns its handle.
// Opening an already-open analysis returns the existing handle; no
// second subscription is created.
func (b *Buffer) Open(ctx context.Context, analysisID uuid.UUID) (*Handle, error) {
	b.mu.Lock()
	if h, ok := b.open[analysisID]; ok {
		b.mu.Unlock()
		return h, nil
	}

	hctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		analysisID: analysisID,
		tl:         New(analysisID),
		updates:    make(chan Update, 16),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	b.open[analysisID] = h
	b.mu.Unlock()

	// Subscribe before the historical fetch so nothing slips between
	// the snapshot and the live channel; the dedup handles the overlap.
	events, closeSub, err := b.subscriber.Subscribe(hctx, analysisID)
	if err != nil {
		b.mu.Lock()
		delete(b.open, analysisID)
		b.mu.Unlock()
		cancel()
		close(h.updates)
		close(h.done)
		return nil, err
	}

	go b.run(hctx, h, events, closeSub)
	return h, nil
}

// Close tears down the analysis's subscription and closes its update
// channel. Closing an unknown id is a no-op.
func (b *Buffer) Close(analysisID uuid.UUID) {
	b.mu.Lock()
	h, ok := b.open[analysisID]
	if ok {
		delete(b.open, analysisID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	h.cancel()
	<-h.done
}

// IsOpen reports whether the analysis currently has a live handle.
func (b *Buffer) IsOpen(analysisID uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.open[analysisID]
	return ok
}

// OpenIDs returns the ids with live handles.
func (b *Buffer) OpenIDs() []uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(b.open))
	for id := range b.open {
		ids = append(ids, id)
	}
	return ids
}

func (b *Buffer) run(ctx context.Context, h *Handle, events <-chan models.StageEvent, closeSub func()) {
	defer close(h.done)
	defer close(h.updates)
	defer closeSub()

	// Historical fetch failure is a degraded mode, not fatal: push
	// delivery is the primary channel and still builds a timeline.
	historical, err := b.history.ListStageEvents(ctx, h.analysisID)
	if err != nil {
		slog.Error("historical event fetch failed",
			"analysis_id", h.analysisID, "error", err)
	}
	for _, e := range historical {
		if !b.deliver(ctx, h, e) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if !b.deliver(ctx, h, e) {
				return
			}
		}
	}
}

// deliver inserts the event and emits notifications for it. Returns
// false when the handle's context is cancelled mid-send.
func (b *Buffer) deliver(ctx context.Context, h *Handle, e models.StageEvent) bool {
	h.mu.Lock()
	inserted := h.tl.Insert(e)
	h.mu.Unlock()
	if !inserted {
		return true
	}

	if !send(ctx, h.updates, Update{Kind: UpdateInserted, Event: e}) {
		return false
	}
	if e.IsTerminalSuccess() {
		return send(ctx, h.updates, Update{Kind: UpdateCompleted, Event: e})
	}
	if e.IsTerminalFailure() {
		return send(ctx, h.updates, Update{Kind: UpdateFailed, Event: e})
	}
	return true
}

func send(ctx context.Context, ch chan Update, u Update) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- u:
		return true
	}
}
