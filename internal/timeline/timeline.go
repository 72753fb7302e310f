package timeline

import (
	"sort"

	"github.com/anveshbhat/postlens/pkg/models"
	"github.com/google/uuid"
)

// Timeline is the deduplicated, ordered sequence of stage events for one
// analysis. Events are unique by ID and sorted by CreatedAt regardless of
// arrival order. Mutated only by insertion; callers receive copies.
type Timeline struct {
	analysisID uuid.UUID
	events     []models.StageEvent
	seen       map[uuid.UUID]struct{}
}

// New creates an empty timeline for the given analysis.
func New(analysisID uuid.UUID) *Timeline {
	return &Timeline{
		analysisID: analysisID,
		seen:       make(map[uuid.UUID]struct{}),
	}
}

// AnalysisID returns the owning analysis id.
func (t *Timeline) AnalysisID() uuid.UUID {
	return t.analysisID
}

// Insert adds an event in CreatedAt order. Returns false if an event
// with the same ID is already present; duplicate deliveries (historical
// fetch and push overlap) collapse to one logical occurrence.
func (t *Timeline) Insert(e models.StageEvent) bool {
	if _, dup := t.seen[e.ID]; dup {
		return false
	}
	t.seen[e.ID] = struct{}{}

	// Events with equal CreatedAt keep arrival order.
	i := sort.Search(len(t.events), func(i int) bool {
		return t.events[i].CreatedAt.After(e.CreatedAt)
	})
	t.events = append(t.events, models.StageEvent{})
	copy(t.events[i+1:], t.events[i:])
	t.events[i] = e
	return true
}

// Events returns a copy of the merged sequence, ascending by CreatedAt.
func (t *Timeline) Events() []models.StageEvent {
	out := make([]models.StageEvent, len(t.events))
	copy(out, t.events)
	return out
}

// Latest returns the newest event, if any.
func (t *Timeline) Latest() (models.StageEvent, bool) {
	if len(t.events) == 0 {
		return models.StageEvent{}, false
	}
	return t.events[len(t.events)-1], true
}

// Len returns the number of distinct events inserted.
func (t *Timeline) Len() int {
	return len(t.events)
}
