// Package subs maintains one live push subscription per in-flight
// analysis, independent of which analysis is being viewed. It is the
// sole owner of channel open/close: no other component may open a
// subscription, which is what prevents one leaked channel per refresh.
package subs

import (
	"context"
	"log/slog"
	"sync"

	"github.com/anveshbhat/postlens/internal/pipeline"
	"github.com/anveshbhat/postlens/internal/timeline"
	"github.com/google/uuid"
)

// UpdateFunc receives every timeline update from every background
// subscription.
type UpdateFunc func(analysisID uuid.UUID, u timeline.Update)

// NameFunc receives display names recovered by the catch-up query.
type NameFunc func(analysisID uuid.UUID, displayName string)

// Manager reconciles the set of open subscriptions against the set of
// trackable analyses. Reconcile is explicit and cheap: callers invoke
// it on every state change that could alter the trackable set, and
// re-invoking it with the same set is a no-op.
type Manager struct {
	buffer   *timeline.Buffer
	client   pipeline.Client
	onUpdate UpdateFunc
	onName   NameFunc

	mu      sync.Mutex
	open    map[uuid.UUID]*timeline.Handle
	caught  map[uuid.UUID]struct{}
	drained sync.WaitGroup
}

// NewManager creates a Manager. onUpdate and onName may be nil.
func NewManager(buffer *timeline.Buffer, client pipeline.Client, onUpdate UpdateFunc, onName NameFunc) *Manager {
	return &Manager{
		buffer:   buffer,
		client:   client,
		onUpdate: onUpdate,
		onName:   onName,
		open:     make(map[uuid.UUID]*timeline.Handle),
		caught:   make(map[uuid.UUID]struct{}),
	}
}

// Reconcile diffs the trackable set against the open set: subscriptions
// are opened for newly trackable ids and closed for ids that dropped
// out. A failed open is logged and left for the next reconcile pass.
func (m *Manager) Reconcile(ctx context.Context, trackable []uuid.UUID) {
	desired := make(map[uuid.UUID]struct{}, len(trackable))
	for _, id := range trackable {
		desired[id] = struct{}{}
	}

	m.mu.Lock()
	var toClose []uuid.UUID
	for id := range m.open {
		if _, keep := desired[id]; !keep {
			toClose = append(toClose, id)
		}
	}
	var toOpen []uuid.UUID
	for id := range desired {
		if _, have := m.open[id]; !have {
			toOpen = append(toOpen, id)
		}
	}
	m.mu.Unlock()

	for _, id := range toClose {
		m.closeOne(id)
	}
	for _, id := range toOpen {
		m.openOne(ctx, id)
	}
}

// Timeline returns the live handle for the analysis, if subscribed.
func (m *Manager) Timeline(analysisID uuid.UUID) (*timeline.Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.open[analysisID]
	return h, ok
}

// OpenIDs returns the ids with active subscriptions.
func (m *Manager) OpenIDs() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(m.open))
	for id := range m.open {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll tears down every subscription and waits for their update
// pumps to finish.
func (m *Manager) CloseAll() {
	for _, id := range m.OpenIDs() {
		m.closeOne(id)
	}
	m.drained.Wait()
}

func (m *Manager) openOne(ctx context.Context, analysisID uuid.UUID) {
	h, err := m.buffer.Open(ctx, analysisID)
	if err != nil {
		// No in-cycle retry; the next reconcile pass attempts again.
		slog.Error("background subscription open failed",
			"analysis_id", analysisID, "error", err)
		return
	}

	m.mu.Lock()
	m.open[analysisID] = h
	m.mu.Unlock()

	m.drained.Add(1)
	go m.pump(analysisID, h)

	m.catchUp(ctx, analysisID)
}

func (m *Manager) closeOne(analysisID uuid.UUID) {
	m.mu.Lock()
	_, ok := m.open[analysisID]
	if ok {
		delete(m.open, analysisID)
	}
	m.mu.Unlock()
	if ok {
		m.buffer.Close(analysisID)
	}
}

// pump forwards timeline updates to the consumer callback until the
// handle closes.
func (m *Manager) pump(analysisID uuid.UUID, h *timeline.Handle) {
	defer m.drained.Done()
	for u := range h.Updates() {
		if m.onUpdate != nil {
			m.onUpdate(analysisID, u)
		}
	}
}

// catchUp recovers a stage that fired before the subscription existed.
// Only the display-name-carrying stage matters here: its metadata
// unlocks the sidebar title, and missing it would leave the entry
// unnamed forever. Runs at most once per analysis.
func (m *Manager) catchUp(ctx context.Context, analysisID uuid.UUID) {
	if m.onName == nil {
		return
	}
	m.mu.Lock()
	_, done := m.caught[analysisID]
	m.caught[analysisID] = struct{}{}
	m.mu.Unlock()
	if done {
		return
	}

	events, err := m.client.ListStageEvents(ctx, analysisID)
	if err != nil {
		slog.Error("display-name catch-up query failed",
			"analysis_id", analysisID, "error", err)
		return
	}
	for i := len(events) - 1; i >= 0; i-- {
		if name, ok := events[i].DisplayName(); ok {
			m.onName(analysisID, name)
			return
		}
	}
}
