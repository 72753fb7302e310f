// Package engine wires the synchronization pieces into one view's
// worth of behavior: background subscriptions feed per-analysis
// timelines, timeline updates drive status, post fetches, and chat
// session discovery, and every UI-relevant transition is fed to the
// scroll coordinator through the signal bus.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/anveshbhat/postlens/internal/bus"
	"github.com/anveshbhat/postlens/internal/chat"
	"github.com/anveshbhat/postlens/internal/pipeline"
	"github.com/anveshbhat/postlens/internal/retry"
	"github.com/anveshbhat/postlens/internal/sanitize"
	"github.com/anveshbhat/postlens/internal/scroll"
	"github.com/anveshbhat/postlens/internal/subs"
	"github.com/anveshbhat/postlens/internal/timeline"
	"github.com/anveshbhat/postlens/pkg/models"
	"github.com/google/uuid"
)

// Post-fetch is allowed exactly this many attempts per (analysis, stage)
// before the stage is considered to have produced nothing.
const postFetchAttempts = 2

const defaultPostFetchInterval = 1500 * time.Millisecond

// NoticeKind tells the UI which slice of controller state changed.
type NoticeKind int

const (
	NoticeTimeline NoticeKind = iota
	NoticeStatus
	NoticePosts
	NoticeChatHistory
	NoticeStreamDelta
	NoticeStreamDone
	NoticeStreamError
	NoticeSidebar
)

// Notice is one "state changed, re-read" nudge for the UI.
type Notice struct {
	Kind       NoticeKind
	AnalysisID uuid.UUID
}

// SidebarItem is one tracked analysis as shown in the sidebar.
type SidebarItem struct {
	ID          uuid.UUID
	DisplayName string
	Status      string
	Latest      string
}

// Controller owns the state of the analysis view: the active analysis,
// its posts and chat, and the background set. All mutation happens
// here; the UI only reads snapshots and sends commands.
type Controller struct {
	client    pipeline.Client
	manager   *subs.Manager
	assembler *chat.Assembler
	sessions  *chat.SessionResolver
	scroll    *scroll.Scheduler
	signals   *bus.Bus
	tracker   *retry.Tracker

	postFetchInterval time.Duration

	notices chan Notice

	mu                sync.Mutex
	activeID          uuid.UUID
	stream            *chat.Stream
	wasCompleteOnLoad map[uuid.UUID]bool
	analysis          *models.Analysis
	posts             []models.Post
	session           *models.ChatSession
	messages          []models.ChatMessage
	streaming         bool
	lastSent          string
	streamErr         string
	statusLine        string
	sidebar           map[uuid.UUID]*SidebarItem
	order             []uuid.UUID
}

// New creates a Controller. The subscription manager must be created
// via Wire so its callbacks land here.
func New(client pipeline.Client, buffer *timeline.Buffer, assembler *chat.Assembler,
	sessions *chat.SessionResolver, sched *scroll.Scheduler, signals *bus.Bus) *Controller {

	c := &Controller{
		client:            client,
		assembler:         assembler,
		sessions:          sessions,
		scroll:            sched,
		signals:           signals,
		tracker:           retry.NewTracker(),
		postFetchInterval: defaultPostFetchInterval,
		notices:           make(chan Notice, 64),
		wasCompleteOnLoad: make(map[uuid.UUID]bool),
		sidebar:           make(map[uuid.UUID]*SidebarItem),
	}
	c.manager = subs.NewManager(buffer, client, c.handleUpdate, c.handleDisplayName)
	return c
}

// Run pumps bus signals into the scroll coordinator until ctx ends.
// Signals are published only after the state they describe is
// committed, so the coordinator always sees cause before effect.
func (c *Controller) Run(ctx context.Context) {
	msgs := c.signals.Subscribe(ctx,
		bus.TopicChatTurnStarted, bus.TopicChatHistoryLoaded,
		bus.TopicTypingStarted, bus.TopicTypingStopped,
		bus.TopicAnalysisCompleted)

	for msg := range msgs {
		var kind scroll.EventKind
		switch msg.Topic {
		case bus.TopicChatTurnStarted:
			kind = scroll.EventUserSentMessage
		case bus.TopicChatHistoryLoaded:
			kind = scroll.EventHistoryReady
		case bus.TopicTypingStarted:
			kind = scroll.EventTypingStarted
		case bus.TopicTypingStopped:
			kind = scroll.EventTypingStopped
		case bus.TopicAnalysisCompleted:
			kind = scroll.EventCompletedLive
		default:
			continue
		}
		c.scroll.Observe(scroll.Event{Kind: kind, AnalysisID: msg.AnalysisID})
	}
}

// Notices delivers state-changed nudges for the UI's event loop.
func (c *Controller) Notices() <-chan Notice {
	return c.notices
}

// Track adds analyses to the sidebar set and reconciles background
// subscriptions so every in-flight one has exactly one channel.
func (c *Controller) Track(ctx context.Context, analyses []models.Analysis) {
	c.mu.Lock()
	for _, a := range analyses {
		if _, ok := c.sidebar[a.ID]; !ok {
			c.order = append(c.order, a.ID)
		}
		c.sidebar[a.ID] = &SidebarItem{
			ID:          a.ID,
			DisplayName: a.DisplayName,
			Status:      a.Status,
		}
	}
	c.mu.Unlock()

	c.reconcile(ctx)
	c.notify(Notice{Kind: NoticeSidebar})
}

// Activate makes the analysis the active one: snapshot, flags, scroll
// state, subscription, and (for completed analyses) chat history.
func (c *Controller) Activate(ctx context.Context, analysisID uuid.UUID) error {
	snapshot, err := c.client.GetAnalysis(ctx, analysisID)
	if err != nil {
		return fmt.Errorf("loading analysis: %w", err)
	}

	complete := snapshot.Status == models.AnalysisStatusCompleted

	c.mu.Lock()
	inflight := c.stream
	c.stream = nil
	c.activeID = analysisID
	c.analysis = snapshot
	c.posts = nil
	c.session = nil
	c.messages = nil
	c.streaming = false
	c.streamErr = ""
	c.wasCompleteOnLoad[analysisID] = complete
	c.statusLine = statusLineFor(snapshot.Status, "")
	c.mu.Unlock()

	// A turn left streaming on the previous view stops reading and
	// releases its connection.
	if inflight != nil {
		inflight.Cancel()
	}

	c.scroll.Activate(analysisID, complete)
	c.reconcile(ctx)
	c.notify(Notice{Kind: NoticeStatus, AnalysisID: analysisID})

	// Posts may already exist for anything past the fetch stage.
	go c.fetchPosts(ctx, analysisID, "activate")

	if complete {
		go c.openChat(ctx, analysisID)
	}
	return nil
}

// Analysis returns the active analysis snapshot.
func (c *Controller) Analysis() *models.Analysis {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.analysis == nil {
		return nil
	}
	a := *c.analysis
	return &a
}

// Posts returns the fetched posts for the active analysis.
func (c *Controller) Posts() []models.Post {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Post, len(c.posts))
	copy(out, c.posts)
	return out
}

// Messages returns the chat transcript, including the streaming tail.
func (c *Controller) Messages() []models.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.ChatMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

// StatusLine returns the sanitized, user-visible pipeline status.
func (c *Controller) StatusLine() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLine
}

// Streaming reports whether a chat turn is in flight; the input surface
// disables submission while it is.
func (c *Controller) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// StreamError returns the dismissible inline error of the last failed
// turn, empty when none.
func (c *Controller) StreamError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamErr
}

// LastSent returns the text of the last submitted turn so a failed one
// can be restored to the input box.
func (c *Controller) LastSent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSent
}

// DismissStreamError clears the inline stream error.
func (c *Controller) DismissStreamError() {
	c.mu.Lock()
	c.streamErr = ""
	c.mu.Unlock()
}

// Sidebar returns the tracked analyses in insertion order.
func (c *Controller) Sidebar() []SidebarItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SidebarItem, 0, len(c.order))
	for _, id := range c.order {
		if item, ok := c.sidebar[id]; ok {
			out = append(out, *item)
		}
	}
	return out
}

// UserScrolled records a manual viewport move.
func (c *Controller) UserScrolled() {
	c.mu.Lock()
	id := c.activeID
	c.mu.Unlock()
	c.scroll.Observe(scroll.Event{Kind: scroll.EventUserScrolled, AnalysisID: id})
}

// Close tears down every subscription and aborts an in-flight turn.
func (c *Controller) Close() {
	c.mu.Lock()
	inflight := c.stream
	c.stream = nil
	c.mu.Unlock()
	if inflight != nil {
		inflight.Cancel()
	}
	c.manager.CloseAll()
}

// reconcile recomputes the trackable set (pending/processing sidebar
// entries plus the active analysis while in flight) and hands it to the
// subscription manager.
func (c *Controller) reconcile(ctx context.Context) {
	c.mu.Lock()
	var trackable []uuid.UUID
	for id, item := range c.sidebar {
		if item.Status == models.AnalysisStatusPending || item.Status == models.AnalysisStatusProcessing {
			trackable = append(trackable, id)
		}
	}
	if c.analysis != nil && c.analysis.Trackable() {
		if _, listed := c.sidebar[c.activeID]; !listed {
			trackable = append(trackable, c.activeID)
		}
	}
	c.mu.Unlock()

	c.manager.Reconcile(ctx, trackable)
}

// handleUpdate consumes every timeline update from the subscription
// manager, for the active analysis and background ones alike.
func (c *Controller) handleUpdate(analysisID uuid.UUID, u timeline.Update) {
	ctx := context.Background()

	switch u.Kind {
	case timeline.UpdateInserted:
		c.applyInserted(ctx, analysisID, u.Event)
	case timeline.UpdateCompleted:
		c.applyCompleted(ctx, analysisID)
	case timeline.UpdateFailed:
		c.applyFailed(ctx, analysisID, u.Event)
	}
}

func (c *Controller) applyInserted(ctx context.Context, analysisID uuid.UUID, e models.StageEvent) {
	c.mu.Lock()
	if item, ok := c.sidebar[analysisID]; ok {
		item.Latest = sanitize.StageError(e.Stage, e.Message)
	}
	active := analysisID == c.activeID
	if active && !e.IsError {
		c.statusLine = statusLineFor(models.AnalysisStatusProcessing, sanitize.Generic(e.Message))
	}
	c.mu.Unlock()

	c.signals.Publish(bus.Message{Topic: bus.TopicAnalysisStageAdded, AnalysisID: analysisID})
	c.notify(Notice{Kind: NoticeTimeline, AnalysisID: analysisID})
	if active {
		c.notify(Notice{Kind: NoticeStatus, AnalysisID: analysisID})
	}

	// A stage that implies posts now exist triggers the bounded fetch.
	if e.Stage == models.StagePostsFetched {
		key := retry.StageKey(analysisID, e.Stage)
		if c.tracker.Claim(key) {
			go c.fetchPosts(ctx, analysisID, e.Stage)
		}
	}
}

func (c *Controller) applyCompleted(ctx context.Context, analysisID uuid.UUID) {
	c.mu.Lock()
	if item, ok := c.sidebar[analysisID]; ok {
		item.Status = models.AnalysisStatusCompleted
	}
	active := analysisID == c.activeID
	coldLoad := c.wasCompleteOnLoad[analysisID]
	if active {
		if c.analysis != nil {
			c.analysis.Status = models.AnalysisStatusCompleted
		}
		c.statusLine = statusLineFor(models.AnalysisStatusCompleted, "")
	}
	c.mu.Unlock()

	c.reconcile(ctx)
	c.notify(Notice{Kind: NoticeStatus, AnalysisID: analysisID})
	c.notify(Notice{Kind: NoticeSidebar})

	if active {
		// Refresh the snapshot so the report body arrives.
		if snapshot, err := c.client.GetAnalysis(ctx, analysisID); err == nil {
			c.mu.Lock()
			c.analysis = snapshot
			c.mu.Unlock()
		}
		go c.openChat(ctx, analysisID)
		if !coldLoad {
			// Completion observed live, not replayed from history.
			c.signals.Publish(bus.Message{Topic: bus.TopicAnalysisCompleted, AnalysisID: analysisID})
		}
	}
}

func (c *Controller) applyFailed(ctx context.Context, analysisID uuid.UUID, e models.StageEvent) {
	safe := sanitize.StageError(e.Stage, e.Message)

	c.mu.Lock()
	if item, ok := c.sidebar[analysisID]; ok {
		item.Status = models.AnalysisStatusFailed
		item.Latest = safe
	}
	if analysisID == c.activeID {
		if c.analysis != nil {
			c.analysis.Status = models.AnalysisStatusFailed
		}
		c.statusLine = statusLineFor(models.AnalysisStatusFailed, safe)
	}
	c.mu.Unlock()

	c.reconcile(ctx)
	c.signals.Publish(bus.Message{Topic: bus.TopicAnalysisFailed, AnalysisID: analysisID})
	c.notify(Notice{Kind: NoticeStatus, AnalysisID: analysisID})
	c.notify(Notice{Kind: NoticeSidebar})
}

func (c *Controller) handleDisplayName(analysisID uuid.UUID, name string) {
	c.mu.Lock()
	if item, ok := c.sidebar[analysisID]; ok {
		item.DisplayName = name
	}
	if analysisID == c.activeID && c.analysis != nil && c.analysis.DisplayName == "" {
		c.analysis.DisplayName = name
	}
	c.mu.Unlock()
	c.notify(Notice{Kind: NoticeSidebar, AnalysisID: analysisID})
}

// fetchPosts loads posts under the fixed two-attempt policy. A fetch
// that stays empty is accepted; a failed one degrades to no posts
// rather than failing the view.
func (c *Controller) fetchPosts(ctx context.Context, analysisID uuid.UUID, trigger string) {
	var posts []models.Post
	err := retry.Do(ctx, retry.Options{
		MaxAttempts: postFetchAttempts,
		Interval:    c.postFetchInterval,
	}, func(ctx context.Context) error {
		got, err := c.client.ListPosts(ctx, analysisID)
		if err != nil {
			return err
		}
		if len(got) == 0 {
			return errors.New("no posts yet")
		}
		posts = got
		return nil
	})
	if err != nil {
		slog.Info("post fetch produced nothing",
			"analysis_id", analysisID, "trigger", trigger, "error", err)
		return
	}

	c.mu.Lock()
	if analysisID == c.activeID {
		c.posts = posts
	}
	c.mu.Unlock()
	c.notify(Notice{Kind: NoticePosts, AnalysisID: analysisID})
}

// openChat resolves the chat session and loads its history, then
// announces history readiness so the coordinator can decide the on-load
// scroll.
func (c *Controller) openChat(ctx context.Context, analysisID uuid.UUID) {
	c.mu.Lock()
	already := c.session != nil && analysisID == c.activeID
	c.mu.Unlock()
	if already {
		return
	}

	session, err := c.sessions.Resolve(ctx, analysisID)
	if err != nil {
		slog.Error("chat session resolution failed",
			"analysis_id", analysisID, "error", err)
		return
	}

	history, err := c.client.ListMessages(ctx, session.ID)
	if err != nil {
		slog.Error("chat history load failed",
			"session_id", session.ID, "error", err)
		history = nil
	}

	c.mu.Lock()
	if analysisID != c.activeID {
		c.mu.Unlock()
		return
	}
	c.session = session
	c.messages = history
	c.mu.Unlock()

	c.notify(Notice{Kind: NoticeChatHistory, AnalysisID: analysisID})
	c.signals.Publish(bus.Message{Topic: bus.TopicChatHistoryLoaded, AnalysisID: analysisID})
}

func (c *Controller) notify(n Notice) {
	select {
	case c.notices <- n:
	default:
		slog.Warn("notice dropped, UI lagging", "kind", n.Kind)
	}
}

func statusLineFor(status, detail string) string {
	switch status {
	case models.AnalysisStatusCompleted:
		return "Analysis complete"
	case models.AnalysisStatusFailed:
		if detail != "" {
			return detail
		}
		return "Analysis failed"
	default:
		if detail != "" {
			return detail
		}
		return "Analyzing…"
	}
}
