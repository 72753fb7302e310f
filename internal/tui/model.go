// Package tui renders the analysis view in the terminal: progress
// banner, fetched posts, report, sidebar, and the follow-up chat. It is
// deliberately dumb: all state lives in the engine controller; the
// view re-reads snapshots whenever a notice arrives.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/anveshbhat/postlens/internal/engine"
	"github.com/anveshbhat/postlens/internal/scroll"
	"github.com/anveshbhat/postlens/pkg/models"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	sectionStyle   = lipgloss.NewStyle().Bold(true).Underline(true)
	userMsgStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	sidebarStyle   = lipgloss.NewStyle().Faint(true)
	helpStyle      = lipgloss.NewStyle().Faint(true)
)

type noticeMsg engine.Notice

// Model is the root Bubble Tea model for the analysis view.
type Model struct {
	ctrl   *engine.Controller
	bridge *Bridge

	analysisID uuid.UUID

	vp      viewport.Model
	input   textinput.Model
	spin    spinner.Model
	ready   bool
	width   int
	height  int
	chatTop int // content line where the chat section starts, -1 if absent
}

// New creates the view for one analysis.
func New(ctrl *engine.Controller, bridge *Bridge, analysisID uuid.UUID) Model {
	in := textinput.New()
	in.Placeholder = "Ask about this analysis…"
	in.CharLimit = 2000
	in.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return Model{
		ctrl:       ctrl,
		bridge:     bridge,
		analysisID: analysisID,
		input:      in,
		spin:       sp,
		chatTop:    -1,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, waitForNotice(m.ctrl.Notices()))
}

func waitForNotice(ch <-chan engine.Notice) tea.Cmd {
	return func() tea.Msg {
		n, ok := <-ch
		if !ok {
			return nil
		}
		return noticeMsg(n)
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		bodyHeight := msg.Height - 4 // banner, input, help
		if !m.ready {
			m.vp = viewport.New(msg.Width, bodyHeight)
			m.ready = true
		} else {
			m.vp.Width = msg.Width
			m.vp.Height = bodyHeight
		}
		m.refreshContent()

	case noticeMsg:
		if msg.Kind == engine.NoticeStreamError && m.input.Value() == "" {
			// Failed turn: restore the text so the user can resend.
			m.input.SetValue(m.ctrl.LastSent())
		}
		m.refreshContent()
		cmds = append(cmds, waitForNotice(m.ctrl.Notices()))

	case scrollMsg:
		m.applyScroll(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		cmds = append(cmds, cmd)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			if cmd := m.submit(); cmd != nil {
				cmds = append(cmds, cmd)
			}
		case "up", "down", "pgup", "pgdown", "home", "end":
			// The user is driving the viewport now; auto-scrolls yield.
			m.ctrl.UserScrolled()
			var cmd tea.Cmd
			m.vp, cmd = m.vp.Update(msg)
			cmds = append(cmds, cmd)
		case "ctrl+x":
			m.ctrl.DismissStreamError()
			m.refreshContent()
		default:
			var cmd tea.Cmd
			m.input, cmd = m.input.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) submit() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if text == "" || m.ctrl.Streaming() {
		return nil
	}
	m.input.SetValue("")
	ctrl := m.ctrl
	return func() tea.Msg {
		// The controller surfaces failures itself and keeps the text in
		// LastSent for resend; nothing to report from here.
		_ = ctrl.SendMessage(context.Background(), text)
		return nil
	}
}

func (m *Model) applyScroll(msg scrollMsg) {
	if !m.ready {
		return
	}
	switch msg.target {
	case scroll.TargetBottom:
		m.vp.GotoBottom()
	case scroll.TargetChatSectionTop:
		if m.chatTop >= 0 {
			m.vp.SetYOffset(m.chatTop)
		}
	}
}

// refreshContent re-renders the viewport body from controller state and
// records whether the chat section landmark exists.
func (m *Model) refreshContent() {
	if !m.ready {
		return
	}
	content, chatTop := m.render()
	m.chatTop = chatTop
	m.vp.SetContent(content)
	m.bridge.SetChatMounted(m.analysisID, chatTop >= 0)
}

// render builds the body and returns it with the chat section's first
// line index, -1 when the chat has not mounted.
func (m *Model) render() (string, int) {
	var b strings.Builder
	chatTop := -1

	a := m.ctrl.Analysis()
	if a != nil {
		name := a.DisplayName
		if name == "" {
			name = a.PostURL
		}
		b.WriteString(titleStyle.Render(name) + "\n\n")
		if a.Report != "" {
			b.WriteString(a.Report + "\n")
		}
	}

	if posts := m.ctrl.Posts(); len(posts) > 0 {
		b.WriteString(sectionStyle.Render("Posts") + "\n")
		for _, p := range posts {
			b.WriteString(fmt.Sprintf("• %s — %s\n", p.Author, p.Content))
		}
		b.WriteString("\n")
	}

	messages := m.ctrl.Messages()
	if len(messages) > 0 || m.ctrl.StreamError() != "" {
		chatTop = strings.Count(b.String(), "\n")
		b.WriteString(sectionStyle.Render("Chat") + "\n")
		for _, msg := range messages {
			b.WriteString(renderMessage(msg) + "\n")
		}
		if streamErr := m.ctrl.StreamError(); streamErr != "" {
			b.WriteString(errorStyle.Render("✗ "+streamErr) + helpStyle.Render("  (ctrl+x to dismiss)") + "\n")
		}
	}

	if items := m.ctrl.Sidebar(); len(items) > 0 {
		b.WriteString("\n" + sectionStyle.Render("Tracked analyses") + "\n")
		for _, item := range items {
			name := item.DisplayName
			if name == "" {
				name = item.ID.String()[:8]
			}
			b.WriteString(sidebarStyle.Render(fmt.Sprintf("%s  [%s]  %s", name, item.Status, item.Latest)) + "\n")
		}
	}

	return b.String(), chatTop
}

func renderMessage(msg models.ChatMessage) string {
	switch msg.Role {
	case models.RoleUser:
		return userMsgStyle.Render("you> ") + msg.Content
	default:
		text := assistantStyle.Render(msg.Content)
		if msg.Status == models.MessageStatusStreaming {
			text += "▌"
		}
		return text
	}
}

// View implements tea.Model.
func (m Model) View() string {
	if !m.ready {
		return "loading…"
	}

	status := m.ctrl.StatusLine()
	banner := statusStyle.Render(status)
	if a := m.ctrl.Analysis(); a != nil && a.Trackable() {
		banner = m.spin.View() + " " + banner
	}

	inputLine := m.input.View()
	if m.ctrl.Streaming() {
		inputLine = helpStyle.Render("… assistant is responding")
	}

	help := helpStyle.Render("↑/↓ scroll · enter send · esc quit")

	return banner + "\n" + m.vp.View() + "\n" + inputLine + "\n" + help
}
