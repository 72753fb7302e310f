package tui

import (
	"sync"

	"github.com/anveshbhat/postlens/internal/scroll"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
)

// scrollMsg asks the view to move its viewport.
type scrollMsg struct {
	target scroll.Target
}

// Bridge is the scroll.Viewport adapter for the terminal view. The
// scheduler calls it from its own goroutines; the bridge forwards
// commands into the program's event loop, which is the only place the
// viewport may be mutated.
type Bridge struct {
	mu      sync.Mutex
	send    func(tea.Msg)
	mounted map[uuid.UUID]bool
}

// NewBridge creates a detached bridge; scroll commands are dropped
// until Attach.
func NewBridge() *Bridge {
	return &Bridge{mounted: make(map[uuid.UUID]bool)}
}

// Attach connects the bridge to a running program's Send.
func (b *Bridge) Attach(send func(tea.Msg)) {
	b.mu.Lock()
	b.send = send
	b.mu.Unlock()
}

// SetChatMounted records whether the analysis's chat section currently
// exists in the rendered content. The view updates it on every render.
func (b *Bridge) SetChatMounted(analysisID uuid.UUID, mounted bool) {
	b.mu.Lock()
	b.mounted[analysisID] = mounted
	b.mu.Unlock()
}

func (b *Bridge) ScrollToBottom() {
	b.mu.Lock()
	send := b.send
	b.mu.Unlock()
	if send != nil {
		send(scrollMsg{target: scroll.TargetBottom})
	}
}

// ScrollToChatSectionTop reports false while the chat section has not
// rendered yet; the scheduler retries on its bounded schedule.
func (b *Bridge) ScrollToChatSectionTop(analysisID uuid.UUID) bool {
	b.mu.Lock()
	mounted := b.mounted[analysisID]
	send := b.send
	b.mu.Unlock()
	if !mounted || send == nil {
		return false
	}
	send(scrollMsg{target: scroll.TargetChatSectionTop})
	return true
}

var _ scroll.Viewport = (*Bridge)(nil)
