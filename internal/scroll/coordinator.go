// Package scroll decides, for each UI-relevant event, whether and where
// the viewport should move. Decisions are made by a pure transition
// function over explicit per-analysis state so they can be tested
// without any rendering; the actual viewport mutation sits behind a
// thin adapter driven by the Scheduler.
//
// The coordinator must be correct under arbitrary interleaving of its
// inputs (history load, live completion, user actions): guards are
// re-checked at every timed attempt rather than assuming any ordering,
// and a user who has interacted is never scrolled against.
package scroll

import (
	"github.com/google/uuid"
)

// Target names where the viewport should move.
type Target int

const (
	TargetNone Target = iota
	TargetBottom
	TargetChatSectionTop
)

// Intent is a pure decision value: where (if anywhere) to move the
// viewport and why.
type Intent struct {
	Target Target
	Reason string
}

// EventKind is one UI-relevant occurrence fed to the coordinator.
type EventKind int

const (
	// EventHistoryReady fires after chat history for the active
	// analysis has loaded and rendered.
	EventHistoryReady EventKind = iota
	// EventCompletedLive fires when pipeline completion is observed
	// while the user is already viewing the page, as opposed to the
	// analysis having been complete on cold load.
	EventCompletedLive
	// EventUserSentMessage fires when the user submits a chat message.
	EventUserSentMessage
	// EventTypingStarted / EventTypingStopped bracket the assistant's
	// progressive text reveal; an explicit no-scroll zone.
	EventTypingStarted
	EventTypingStopped
	// EventUserScrolled fires when the user moves the viewport manually.
	EventUserScrolled
)

// Event pairs an occurrence with its analysis.
type Event struct {
	Kind       EventKind
	AnalysisID uuid.UUID
}

// State holds the per-analysis guard flags. The zero value is the state
// of a freshly opened analysis.
type State struct {
	AnalysisID uuid.UUID

	// WasCompleteOnLoad records that the analysis was already complete
	// when the view opened; only then does history trigger the jump to
	// the bottom (the user came back to re-read a finished report).
	WasCompleteOnLoad bool
	// HasAutoScrolledOnLoad marks that the on-load bottom scroll has
	// been decided; it never fires twice.
	HasAutoScrolledOnLoad bool
	// ScrolledForCompletion marks the one-shot live-completion scroll.
	ScrolledForCompletion bool
	// UserHasInteracted permanently disables both auto-scrolls for this
	// viewing session.
	UserHasInteracted bool
	// IsTypingActive is true while assistant text is being revealed.
	IsTypingActive bool
}

// Transition applies one event to the state and returns the next state
// plus the scroll intent, if any. It is pure: same inputs, same outputs.
func Transition(s State, e Event) (State, Intent) {
	none := Intent{Target: TargetNone}

	switch e.Kind {
	case EventHistoryReady:
		if s.WasCompleteOnLoad && !s.UserHasInteracted && !s.HasAutoScrolledOnLoad {
			s.HasAutoScrolledOnLoad = true
			return s, Intent{Target: TargetBottom, Reason: "complete-on-load history"}
		}
		return s, none

	case EventCompletedLive:
		if !s.UserHasInteracted && !s.ScrolledForCompletion {
			s.ScrolledForCompletion = true
			return s, Intent{Target: TargetChatSectionTop, Reason: "live completion"}
		}
		return s, none

	case EventUserSentMessage:
		// The message itself is brought into view by the message-list
		// renderer; this flag only kills the auto-scrolls.
		s.UserHasInteracted = true
		return s, none

	case EventTypingStarted:
		s.IsTypingActive = true
		return s, none

	case EventTypingStopped:
		s.IsTypingActive = false
		return s, none

	case EventUserScrolled:
		s.UserHasInteracted = true
		return s, none
	}

	return s, none
}
