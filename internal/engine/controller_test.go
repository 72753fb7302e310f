package engine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anveshbhat/postlens/internal/bus"
	"github.com/anveshbhat/postlens/internal/chat"
	"github.com/anveshbhat/postlens/internal/pipeline"
	"github.com/anveshbhat/postlens/internal/sanitize"
	"github.com/anveshbhat/postlens/internal/scroll"
	"github.com/anveshbhat/postlens/internal/timeline"
	"github.com/anveshbhat/postlens/pkg/models"
)

// fakeClient is an in-memory pipeline.Client whose responses the tests
// seed up front.
type fakeClient struct {
	mu        sync.Mutex
	analyses  map[uuid.UUID]models.Analysis
	events    map[uuid.UUID][]models.StageEvent
	posts     map[uuid.UUID][]models.Post
	sessions   map[uuid.UUID]models.ChatSession // keyed by analysis id
	messages   map[uuid.UUID][]models.ChatMessage
	streamRes  string
	streamOpen func(ctx context.Context) (io.ReadCloser, error)
	postsCalls int
}

func pipelineNotFound() error { return pipeline.ErrNotFound }

func newFakeClient() *fakeClient {
	return &fakeClient{
		analyses: make(map[uuid.UUID]models.Analysis),
		events:   make(map[uuid.UUID][]models.StageEvent),
		posts:    make(map[uuid.UUID][]models.Post),
		sessions: make(map[uuid.UUID]models.ChatSession),
		messages: make(map[uuid.UUID][]models.ChatMessage),
	}
}

func (f *fakeClient) CreateAnalysis(ctx context.Context, postURL string) (*models.Analysis, error) {
	a := models.Analysis{ID: uuid.New(), PostURL: postURL, Status: models.AnalysisStatusPending}
	f.mu.Lock()
	f.analyses[a.ID] = a
	f.mu.Unlock()
	return &a, nil
}

func (f *fakeClient) GetAnalysis(ctx context.Context, id uuid.UUID) (*models.Analysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.analyses[id]
	if !ok {
		return nil, pipelineNotFound()
	}
	return &a, nil
}

func (f *fakeClient) ListStageEvents(ctx context.Context, analysisID uuid.UUID) ([]models.StageEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.StageEvent(nil), f.events[analysisID]...), nil
}

func (f *fakeClient) ListPosts(ctx context.Context, analysisID uuid.UUID) ([]models.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.postsCalls++
	return append([]models.Post(nil), f.posts[analysisID]...), nil
}

func (f *fakeClient) listPostsCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.postsCalls
}

func (f *fakeClient) CreateChatSession(ctx context.Context, analysisID uuid.UUID) (*models.ChatSession, error) {
	s := models.ChatSession{ID: uuid.New(), PostAnalysisID: analysisID}
	f.mu.Lock()
	f.sessions[analysisID] = s
	f.mu.Unlock()
	return &s, nil
}

func (f *fakeClient) FindChatSession(ctx context.Context, analysisID uuid.UUID) (*models.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[analysisID]
	if !ok {
		return nil, pipelineNotFound()
	}
	return &s, nil
}

func (f *fakeClient) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]models.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ChatMessage(nil), f.messages[sessionID]...), nil
}

func (f *fakeClient) StreamMessage(ctx context.Context, sessionID uuid.UUID, message string) (io.ReadCloser, error) {
	f.mu.Lock()
	open := f.streamOpen
	body := f.streamRes
	f.mu.Unlock()
	if open != nil {
		return open(ctx)
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func (f *fakeClient) setStream(body string) {
	f.mu.Lock()
	f.streamRes = body
	f.mu.Unlock()
}

func (f *fakeClient) setAnalysis(a models.Analysis) {
	f.mu.Lock()
	f.analyses[a.ID] = a
	f.mu.Unlock()
}

// fakePush mirrors the subscriber fake used across the sync packages.
type fakePush struct {
	mu    sync.Mutex
	chans map[uuid.UUID]chan models.StageEvent
}

func newFakePush() *fakePush {
	return &fakePush{chans: make(map[uuid.UUID]chan models.StageEvent)}
}

func (p *fakePush) Subscribe(ctx context.Context, analysisID uuid.UUID) (<-chan models.StageEvent, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan models.StageEvent, 16)
	p.chans[analysisID] = ch
	closer := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if c, ok := p.chans[analysisID]; ok {
			delete(p.chans, analysisID)
			close(c)
		}
	}
	return ch, closer, nil
}

func (p *fakePush) push(analysisID uuid.UUID, e models.StageEvent) {
	p.mu.Lock()
	ch, ok := p.chans[analysisID]
	p.mu.Unlock()
	if ok {
		ch <- e
	}
}

// countingViewport lets the tests observe what the coordinator decided.
type countingViewport struct {
	mu       sync.Mutex
	bottom   int
	landmark int
}

func (v *countingViewport) ScrollToBottom() {
	v.mu.Lock()
	v.bottom++
	v.mu.Unlock()
}

func (v *countingViewport) ScrollToChatSectionTop(uuid.UUID) bool {
	v.mu.Lock()
	v.landmark++
	v.mu.Unlock()
	return true
}

func (v *countingViewport) counts() (int, int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.bottom, v.landmark
}

type harness struct {
	ctrl   *Controller
	client *fakeClient
	push   *fakePush
	vp     *countingViewport
	cancel context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	client := newFakeClient()
	ps := newFakePush()
	vp := &countingViewport{}

	buffer := timeline.NewBuffer(client, ps)
	assembler := chat.NewAssembler(client, 0)
	sessions := chat.NewSessionResolver(client, time.Millisecond, 2)
	sched := scroll.NewScheduler(vp, scroll.Config{
		BottomAttempts:   1,
		BottomInterval:   time.Millisecond,
		LandmarkAttempts: 2,
		LandmarkInterval: time.Millisecond,
	})
	signals := bus.New()

	ctrl := New(client, buffer, assembler, sessions, sched, signals)

	ctx, cancel := context.WithCancel(context.Background())
	go ctrl.Run(ctx)
	t.Cleanup(func() {
		cancel()
		ctrl.Close()
	})

	return &harness{ctrl: ctrl, client: client, push: ps, vp: vp, cancel: cancel}
}

func processingAnalysis() models.Analysis {
	return models.Analysis{
		ID:      uuid.New(),
		PostURL: "https://example.com/reel/1",
		Status:  models.AnalysisStatusProcessing,
	}
}

func event(analysisID uuid.UUID, stage, message string) models.StageEvent {
	return models.StageEvent{
		ID:         uuid.New(),
		AnalysisID: analysisID,
		Stage:      stage,
		Message:    message,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestActivate_CompletedAnalysisOpensChatAndScrollsToBottom(t *testing.T) {
	h := newHarness(t)
	a := processingAnalysis()
	a.Status = models.AnalysisStatusCompleted
	h.client.setAnalysis(a)

	sessionID := uuid.New()
	h.client.mu.Lock()
	h.client.sessions[a.ID] = models.ChatSession{ID: sessionID, PostAnalysisID: a.ID}
	h.client.messages[sessionID] = []models.ChatMessage{
		{ID: uuid.New(), SessionID: sessionID, Role: models.RoleUser, Content: "what is this about?"},
		{ID: uuid.New(), SessionID: sessionID, Role: models.RoleAssistant, Content: "A travel vlog."},
	}
	h.client.mu.Unlock()

	require.NoError(t, h.ctrl.Activate(context.Background(), a.ID))
	assert.Equal(t, "Analysis complete", h.ctrl.StatusLine())

	require.Eventually(t, func() bool {
		return len(h.ctrl.Messages()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// History ready on a complete-on-load analysis jumps to the bottom;
	// the live-completion landmark scroll must not fire.
	require.Eventually(t, func() bool {
		bottom, _ := h.vp.counts()
		return bottom >= 1
	}, 2*time.Second, 10*time.Millisecond)
	_, landmark := h.vp.counts()
	assert.Zero(t, landmark)
}

func TestLiveStageEvents_DriveStatusAndSidebar(t *testing.T) {
	h := newHarness(t)
	a := processingAnalysis()
	h.client.setAnalysis(a)

	h.ctrl.Track(context.Background(), []models.Analysis{a})
	require.NoError(t, h.ctrl.Activate(context.Background(), a.ID))

	h.push.push(a.ID, event(a.ID, models.StageTranscribing, "Transcribing the clip audio"))

	require.Eventually(t, func() bool {
		return h.ctrl.StatusLine() == "Transcribing the clip audio"
	}, 2*time.Second, 10*time.Millisecond)

	items := h.ctrl.Sidebar()
	require.Len(t, items, 1)
	assert.Equal(t, "Transcribing the clip audio", items[0].Latest)
}

func TestLiveCompletion_OpensChatAndScrollsToChatSection(t *testing.T) {
	h := newHarness(t)
	a := processingAnalysis()
	h.client.setAnalysis(a)

	sessionID := uuid.New()
	h.client.mu.Lock()
	h.client.sessions[a.ID] = models.ChatSession{ID: sessionID, PostAnalysisID: a.ID}
	h.client.mu.Unlock()

	h.ctrl.Track(context.Background(), []models.Analysis{a})
	require.NoError(t, h.ctrl.Activate(context.Background(), a.ID))

	h.push.push(a.ID, event(a.ID, models.StageAnalysisComplete, "Done"))

	require.Eventually(t, func() bool {
		return h.ctrl.StatusLine() == "Analysis complete"
	}, 2*time.Second, 10*time.Millisecond)

	// Completion observed live lands on the chat section, not the bottom.
	require.Eventually(t, func() bool {
		_, landmark := h.vp.counts()
		return landmark >= 1
	}, 2*time.Second, 10*time.Millisecond)

	items := h.ctrl.Sidebar()
	require.Len(t, items, 1)
	assert.Equal(t, models.AnalysisStatusCompleted, items[0].Status)
}

func TestTerminalFailure_SanitizesStatus(t *testing.T) {
	h := newHarness(t)
	a := processingAnalysis()
	h.client.setAnalysis(a)

	h.ctrl.Track(context.Background(), []models.Analysis{a})
	require.NoError(t, h.ctrl.Activate(context.Background(), a.ID))

	fail := event(a.ID, models.StageAnalyzing, "Traceback (most recent call last): worker.py")
	fail.IsError = true
	h.push.push(a.ID, fail)

	require.Eventually(t, func() bool {
		return h.ctrl.Analysis() != nil && h.ctrl.Analysis().Status == models.AnalysisStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	status := h.ctrl.StatusLine()
	assert.NotContains(t, status, "Traceback")
	assert.NotContains(t, status, "worker.py")
}

func TestPostsFetchedEvent_TriggersOneBoundedFetch(t *testing.T) {
	h := newHarness(t)
	a := processingAnalysis()
	h.client.setAnalysis(a)
	h.client.mu.Lock()
	h.client.posts[a.ID] = []models.Post{{ID: uuid.New(), AnalysisID: a.ID, Author: "wanderer", Content: "sunset over the bay"}}
	h.client.mu.Unlock()

	h.ctrl.Track(context.Background(), []models.Analysis{a})
	require.NoError(t, h.ctrl.Activate(context.Background(), a.ID))

	h.push.push(a.ID, event(a.ID, models.StagePostsFetched, "Posts fetched"))

	require.Eventually(t, func() bool {
		return len(h.ctrl.Posts()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "wanderer", h.ctrl.Posts()[0].Author)
}

func TestSendMessage_StreamsIntoPlaceholder(t *testing.T) {
	h := newHarness(t)
	a := processingAnalysis()
	a.Status = models.AnalysisStatusCompleted
	h.client.setAnalysis(a)

	sessionID := uuid.New()
	h.client.mu.Lock()
	h.client.sessions[a.ID] = models.ChatSession{ID: sessionID, PostAnalysisID: a.ID}
	h.client.mu.Unlock()
	h.client.setStream(
		"data: {\"type\":\"chunk\",\"chunk\":\"It is \"}\n" +
			"data: {\"type\":\"chunk\",\"chunk\":\"a vlog.\"}\n" +
			"data: {\"type\":\"done\",\"message_id\":\"" + uuid.NewString() + "\",\"tokens_used\":4}\n")

	require.NoError(t, h.ctrl.Activate(context.Background(), a.ID))
	waitForSession(t, h)

	require.NoError(t, h.ctrl.SendMessage(context.Background(), "what is this?"))

	msgs := h.ctrl.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, models.MessageStatusStreaming, msgs[1].Status)

	require.Eventually(t, func() bool {
		return !h.ctrl.Streaming()
	}, 2*time.Second, 10*time.Millisecond)

	msgs = h.ctrl.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "It is a vlog.", msgs[1].Content)
	assert.Equal(t, models.MessageStatusComplete, msgs[1].Status)
	assert.Empty(t, h.ctrl.StreamError())
}

func TestSendMessage_FailureKeepsUserMessage(t *testing.T) {
	h := newHarness(t)
	a := processingAnalysis()
	a.Status = models.AnalysisStatusCompleted
	h.client.setAnalysis(a)

	sessionID := uuid.New()
	h.client.mu.Lock()
	h.client.sessions[a.ID] = models.ChatSession{ID: sessionID, PostAnalysisID: a.ID}
	h.client.mu.Unlock()
	h.client.setStream(
		"data: {\"type\":\"chunk\",\"chunk\":\"par\"}\n" +
			"data: {\"type\":\"error\",\"error\":\"anthropic overloaded\"}\n")

	require.NoError(t, h.ctrl.Activate(context.Background(), a.ID))
	waitForSession(t, h)

	require.NoError(t, h.ctrl.SendMessage(context.Background(), "tell me more"))

	require.Eventually(t, func() bool {
		return h.ctrl.StreamError() != ""
	}, 2*time.Second, 10*time.Millisecond)

	// Placeholder gone, user message kept, text recoverable.
	msgs := h.ctrl.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "tell me more", h.ctrl.LastSent())
	assert.NotContains(t, h.ctrl.StreamError(), "anthropic")

	h.ctrl.DismissStreamError()
	assert.Empty(t, h.ctrl.StreamError())
}

func TestSendMessage_RequiresSession(t *testing.T) {
	h := newHarness(t)
	a := processingAnalysis()
	h.client.setAnalysis(a)
	require.NoError(t, h.ctrl.Activate(context.Background(), a.ID))

	err := h.ctrl.SendMessage(context.Background(), "too early")
	assert.ErrorIs(t, err, ErrNoSession)
}

func waitForSession(t *testing.T, h *harness) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.ctrl.mu.Lock()
		defer h.ctrl.mu.Unlock()
		return h.ctrl.session != nil
	}, 2*time.Second, 10*time.Millisecond)
}

// stalledBody blocks reads until its context is cancelled, standing in
// for a streaming response that never produces a frame.
type stalledBody struct {
	ctx      context.Context
	released chan struct{}
	once     sync.Once
}

func (b *stalledBody) Read([]byte) (int, error) {
	<-b.ctx.Done()
	b.once.Do(func() { close(b.released) })
	return 0, b.ctx.Err()
}

func (b *stalledBody) Close() error { return nil }

func TestSendMessage_RejectedStreamOpenIsSanitized(t *testing.T) {
	h := newHarness(t)
	a := processingAnalysis()
	a.Status = models.AnalysisStatusCompleted
	h.client.setAnalysis(a)

	sessionID := uuid.New()
	h.client.mu.Lock()
	h.client.sessions[a.ID] = models.ChatSession{ID: sessionID, PostAnalysisID: a.ID}
	h.client.streamOpen = func(context.Context) (io.ReadCloser, error) {
		return nil, fmt.Errorf("%w: status 500: Traceback (most recent call last): File \"/srv/worker/pipeline.py\", line 88",
			pipeline.ErrRequestFailed)
	}
	h.client.mu.Unlock()

	require.NoError(t, h.ctrl.Activate(context.Background(), a.ID))
	waitForSession(t, h)

	require.Error(t, h.ctrl.SendMessage(context.Background(), "what happened?"))

	streamErr := h.ctrl.StreamError()
	require.NotEmpty(t, streamErr)
	assert.NotContains(t, streamErr, "Traceback")
	assert.NotContains(t, streamErr, "pipeline.py")
	assert.NotContains(t, streamErr, "500")
	assert.Contains(t, sanitize.Messages(), streamErr)

	// Placeholder rolled back, user message kept for resend.
	msgs := h.ctrl.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "what happened?", h.ctrl.LastSent())
}

func TestActivate_CancelsInFlightStream(t *testing.T) {
	h := newHarness(t)
	first := processingAnalysis()
	first.Status = models.AnalysisStatusCompleted
	second := processingAnalysis()
	second.Status = models.AnalysisStatusCompleted
	h.client.setAnalysis(first)
	h.client.setAnalysis(second)

	released := make(chan struct{})
	h.client.mu.Lock()
	h.client.sessions[first.ID] = models.ChatSession{ID: uuid.New(), PostAnalysisID: first.ID}
	h.client.sessions[second.ID] = models.ChatSession{ID: uuid.New(), PostAnalysisID: second.ID}
	h.client.streamOpen = func(ctx context.Context) (io.ReadCloser, error) {
		return &stalledBody{ctx: ctx, released: released}, nil
	}
	h.client.mu.Unlock()

	require.NoError(t, h.ctrl.Activate(context.Background(), first.ID))
	waitForSession(t, h)
	require.NoError(t, h.ctrl.SendMessage(context.Background(), "still there?"))
	require.True(t, h.ctrl.Streaming())

	// Navigating away must stop the read loop and release the
	// connection.
	require.NoError(t, h.ctrl.Activate(context.Background(), second.ID))

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("stream body not released on navigation")
	}

	// The abandoned turn's failure must not bleed into the new view.
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, h.ctrl.StreamError())
	assert.False(t, h.ctrl.Streaming())
}

func TestPostsFetch_StopsAfterAllowedAttempts(t *testing.T) {
	h := newHarness(t)
	h.ctrl.postFetchInterval = 5 * time.Millisecond
	a := processingAnalysis()
	h.client.setAnalysis(a)

	h.ctrl.Track(context.Background(), []models.Analysis{a})

	h.push.push(a.ID, event(a.ID, models.StagePostsFetched, "Posts fetched"))

	// Both allowed attempts fire against the empty result, then the
	// stage stays abandoned even when the event is replayed.
	require.Eventually(t, func() bool {
		return h.client.listPostsCalls() == postFetchAttempts
	}, 2*time.Second, 5*time.Millisecond)

	h.push.push(a.ID, event(a.ID, models.StagePostsFetched, "Posts fetched"))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, postFetchAttempts, h.client.listPostsCalls())
	assert.Empty(t, h.ctrl.Posts())
}
