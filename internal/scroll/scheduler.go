package scroll

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Viewport is the adapter that applies scroll intents. Implementations
// are the only place the real viewport is touched.
type Viewport interface {
	ScrollToBottom()
	// ScrollToChatSectionTop brings the analysis's chat section into
	// view. It reports false when the section's landmark is not mounted
	// yet, in which case the scheduler retries.
	ScrollToChatSectionTop(analysisID uuid.UUID) bool
}

// Config bounds the timed attempt schedules.
type Config struct {
	// BottomAttempts repeats the on-load bottom scroll: content height
	// keeps changing while embeds lay out, so a single attempt often
	// lands short. Every attempt re-checks the guards, so a user scroll
	// in the meantime cancels the remainder.
	BottomAttempts int
	BottomInterval time.Duration
	// LandmarkAttempts caps retries against a not-yet-mounted chat
	// section landmark; once exhausted the intent is abandoned for good.
	LandmarkAttempts int
	LandmarkInterval time.Duration
}

// DefaultConfig matches the intervals the UI was tuned with.
func DefaultConfig() Config {
	return Config{
		BottomAttempts:   3,
		BottomInterval:   250 * time.Millisecond,
		LandmarkAttempts: 5,
		LandmarkInterval: 400 * time.Millisecond,
	}
}

// Scheduler owns per-analysis coordinator state, feeds events through
// Transition, and applies the resulting intents to the viewport on
// bounded retry schedules.
type Scheduler struct {
	viewport Viewport
	cfg      Config

	mu       sync.Mutex
	active   uuid.UUID
	states   map[uuid.UUID]State
	landmark map[uuid.UUID]bool // landmark retries exhausted
	wg       sync.WaitGroup
}

// NewScheduler creates a Scheduler applying intents to the viewport.
func NewScheduler(viewport Viewport, cfg Config) *Scheduler {
	return &Scheduler{
		viewport: viewport,
		cfg:      cfg,
		states:   make(map[uuid.UUID]State),
		landmark: make(map[uuid.UUID]bool),
	}
}

// Activate makes the analysis the active one. Navigating to a different
// analysis discards the previous analysis's flags, including
// UserHasInteracted; re-activating the current one is a no-op.
func (c *Scheduler) Activate(analysisID uuid.UUID, wasCompleteOnLoad bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == analysisID {
		return
	}
	delete(c.states, c.active)
	c.active = analysisID
	c.states[analysisID] = State{
		AnalysisID:        analysisID,
		WasCompleteOnLoad: wasCompleteOnLoad,
	}
}

// StateOf returns the current flags for the analysis.
func (c *Scheduler) StateOf(analysisID uuid.UUID) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[analysisID]
}

// Observe feeds one event through the transition function and carries
// out the resulting intent. At most one authoritative scroll command is
// issued per event; timed follow-up attempts re-check the guards.
func (c *Scheduler) Observe(e Event) Intent {
	c.mu.Lock()
	s, ok := c.states[e.AnalysisID]
	if !ok {
		s = State{AnalysisID: e.AnalysisID}
	}
	next, intent := Transition(s, e)
	// Only tracked analyses keep state; a stray event for an analysis
	// that was never activated must not grow the map for the session's
	// lifetime.
	if ok {
		c.states[e.AnalysisID] = next
	}
	c.mu.Unlock()

	switch intent.Target {
	case TargetBottom:
		c.wg.Add(1)
		go c.runBottomSchedule(e.AnalysisID)
	case TargetChatSectionTop:
		c.wg.Add(1)
		go c.runLandmarkSchedule(e.AnalysisID)
	}
	return intent
}

// Wait blocks until all in-flight attempt schedules finish. Tests use
// it; the UI never needs to.
func (c *Scheduler) Wait() {
	c.wg.Wait()
}

func (c *Scheduler) runBottomSchedule(analysisID uuid.UUID) {
	defer c.wg.Done()
	for attempt := 0; attempt < c.cfg.BottomAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(c.cfg.BottomInterval)
		}
		c.mu.Lock()
		s := c.states[analysisID]
		c.mu.Unlock()
		if s.UserHasInteracted {
			return
		}
		c.viewport.ScrollToBottom()
	}
}

func (c *Scheduler) runLandmarkSchedule(analysisID uuid.UUID) {
	defer c.wg.Done()
	c.mu.Lock()
	exhausted := c.landmark[analysisID]
	c.mu.Unlock()
	if exhausted {
		return
	}

	for attempt := 0; attempt < c.cfg.LandmarkAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(c.cfg.LandmarkInterval)
		}
		c.mu.Lock()
		s := c.states[analysisID]
		c.mu.Unlock()
		if s.UserHasInteracted {
			return
		}
		if c.viewport.ScrollToChatSectionTop(analysisID) {
			return
		}
	}

	// Landmark never mounted within the cap; never try again for this
	// analysis.
	c.mu.Lock()
	c.landmark[analysisID] = true
	c.mu.Unlock()
}
