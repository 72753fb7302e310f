package timeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/anveshbhat/postlens/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHistory serves a canned historical fetch.
type fakeHistory struct {
	mu     sync.Mutex
	events map[uuid.UUID][]models.StageEvent
	err    error
	calls  int
}

func (f *fakeHistory) ListStageEvents(_ context.Context, analysisID uuid.UUID) ([]models.StageEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.events[analysisID], nil
}

// fakeSubscriber hands the test a channel to push events through and
// records teardown.
type fakeSubscriber struct {
	mu     sync.Mutex
	chans  map[uuid.UUID]chan models.StageEvent
	closed int
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{chans: make(map[uuid.UUID]chan models.StageEvent)}
}

func (f *fakeSubscriber) Subscribe(_ context.Context, analysisID uuid.UUID) (<-chan models.StageEvent, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan models.StageEvent, 16)
	f.chans[analysisID] = ch
	return ch, func() {
		f.mu.Lock()
		f.closed++
		f.mu.Unlock()
	}, nil
}

func (f *fakeSubscriber) push(analysisID uuid.UUID, e models.StageEvent) {
	f.mu.Lock()
	ch := f.chans[analysisID]
	f.mu.Unlock()
	ch <- e
}

func (f *fakeSubscriber) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func collect(t *testing.T, h *Handle, n int) []Update {
	t.Helper()
	var got []Update
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case u, ok := <-h.Updates():
			if !ok {
				t.Fatalf("updates closed after %d of %d", len(got), n)
			}
			got = append(got, u)
		case <-timeout:
			t.Fatalf("timed out after %d of %d updates", len(got), n)
		}
	}
	return got
}

func TestBuffer_MergesHistoricalAndPushWithoutDuplicates(t *testing.T) {
	analysisID := uuid.New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	e1 := event(analysisID, models.StageFetchingPosts, base)
	e2 := event(analysisID, models.StagePostsFetched, base.Add(time.Second))
	e3 := event(analysisID, models.StageTranscribing, base.Add(2*time.Second))

	history := &fakeHistory{events: map[uuid.UUID][]models.StageEvent{
		analysisID: {e1, e2},
	}}
	sub := newFakeSubscriber()
	buf := NewBuffer(history, sub)

	h, err := buf.Open(context.Background(), analysisID)
	require.NoError(t, err)
	defer buf.Close(analysisID)

	// Push re-delivers e2 (the overlap race) plus a genuinely new e3.
	sub.push(analysisID, e2)
	sub.push(analysisID, e3)

	got := collect(t, h, 3)
	assert.Equal(t, e1.ID, got[0].Event.ID)
	assert.Equal(t, e2.ID, got[1].Event.ID)
	assert.Equal(t, e3.ID, got[2].Event.ID)
	for _, u := range got {
		assert.Equal(t, UpdateInserted, u.Kind)
	}

	// No fourth notification for the duplicate.
	select {
	case u := <-h.Updates():
		t.Fatalf("unexpected extra update: %+v", u)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBuffer_HistoricalFailureDegradesToPushOnly(t *testing.T) {
	analysisID := uuid.New()
	history := &fakeHistory{err: errors.New("boom")}
	sub := newFakeSubscriber()
	buf := NewBuffer(history, sub)

	h, err := buf.Open(context.Background(), analysisID)
	require.NoError(t, err, "historical failure must not fail open")
	defer buf.Close(analysisID)

	e := event(analysisID, models.StageAnalyzing, time.Now().UTC())
	sub.push(analysisID, e)

	got := collect(t, h, 1)
	assert.Equal(t, e.ID, got[0].Event.ID)
}

func TestBuffer_TerminalEventsRaiseDerivedSignals(t *testing.T) {
	analysisID := uuid.New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	history := &fakeHistory{}
	sub := newFakeSubscriber()
	buf := NewBuffer(history, sub)

	h, err := buf.Open(context.Background(), analysisID)
	require.NoError(t, err)
	defer buf.Close(analysisID)

	done := event(analysisID, models.StageAnalysisComplete, base)
	sub.push(analysisID, done)

	got := collect(t, h, 2)
	assert.Equal(t, UpdateInserted, got[0].Kind)
	assert.Equal(t, UpdateCompleted, got[1].Kind)
	assert.Equal(t, done.ID, got[1].Event.ID)

	failed := event(analysisID, models.StageTranscribing, base.Add(time.Second))
	failed.IsError = true
	failed.Retryable = false
	sub.push(analysisID, failed)

	got = collect(t, h, 2)
	assert.Equal(t, UpdateInserted, got[0].Kind)
	assert.Equal(t, UpdateFailed, got[1].Kind)
}

func TestBuffer_RetryableErrorIsNotTerminal(t *testing.T) {
	analysisID := uuid.New()
	history := &fakeHistory{}
	sub := newFakeSubscriber()
	buf := NewBuffer(history, sub)

	h, err := buf.Open(context.Background(), analysisID)
	require.NoError(t, err)
	defer buf.Close(analysisID)

	e := event(analysisID, models.StageTranscribing, time.Now().UTC())
	e.IsError = true
	e.Retryable = true
	sub.push(analysisID, e)

	got := collect(t, h, 1)
	assert.Equal(t, UpdateInserted, got[0].Kind)

	select {
	case u := <-h.Updates():
		t.Fatalf("retryable error must not raise a terminal signal, got %+v", u)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBuffer_OpenIsIdempotent(t *testing.T) {
	analysisID := uuid.New()
	history := &fakeHistory{}
	sub := newFakeSubscriber()
	buf := NewBuffer(history, sub)

	h1, err := buf.Open(context.Background(), analysisID)
	require.NoError(t, err)
	h2, err := buf.Open(context.Background(), analysisID)
	require.NoError(t, err)
	assert.Same(t, h1, h2, "re-open must return the existing handle")

	buf.Close(analysisID)
}

func TestBuffer_CloseReleasesChannel(t *testing.T) {
	analysisID := uuid.New()
	history := &fakeHistory{}
	sub := newFakeSubscriber()
	buf := NewBuffer(history, sub)

	h, err := buf.Open(context.Background(), analysisID)
	require.NoError(t, err)

	buf.Close(analysisID)
	assert.Equal(t, 1, sub.closedCount())
	assert.False(t, buf.IsOpen(analysisID))

	_, open := <-h.Updates()
	assert.False(t, open, "updates channel must close on teardown")

	// Closing again is a no-op.
	buf.Close(analysisID)
	assert.Equal(t, 1, sub.closedCount())
}
