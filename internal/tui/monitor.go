// Package tui is the terminal session monitor. It follows the event stream
// of a running server and shows the shared session as every page sees it.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/brizzai/marketweb/internal/events"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	maxLogLines   = 200
	actionTimeout = 10 * time.Second
	// title, session panel, status and help around the event log
	chromeHeight = 14
)

// Actions are the server calls the monitor can trigger
type Actions interface {
	Session(ctx context.Context) (*Session, error)
	Refresh(ctx context.Context) (*Session, error)
	Logout(ctx context.Context) error
}

type keyMap struct {
	refresh key.Binding
	logout  key.Binding
	clear   key.Binding
	quit    key.Binding
}

func newKeyMap() *keyMap {
	return &keyMap{
		refresh: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "Refresh session"),
		),
		logout: key.NewBinding(
			key.WithKeys("l"),
			key.WithHelp("l", "Log out"),
		),
		clear: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "Clear events"),
		),
		quit: key.NewBinding(
			key.WithKeys("ctrl+c", "q"),
			key.WithHelp("ctrl+c/q", "Quit"),
		),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.refresh, k.logout, k.clear, k.quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

// feedItem is one read of the event stream. A closed feed means the stream ended.
type feedItem struct {
	event events.Event
	err   error
}

type feedClosedMsg struct{}

type sessionMsg struct {
	session *Session
	err     error
}

type logoutMsg struct {
	err error
}

// MonitorModel renders the session and the events published for it
type MonitorModel struct {
	actions Actions
	feed    <-chan feedItem
	keys    *keyMap
	help    help.Model
	spinner spinner.Model
	log     viewport.Model
	now     func() time.Time

	lines   []string
	session *Session
	busy    bool
	status  string
	closed  bool
	width   int
	height  int
}

func newMonitorModel(actions Actions, feed <-chan feedItem) MonitorModel {
	return MonitorModel{
		actions: actions,
		feed:    feed,
		keys:    newKeyMap(),
		help:    help.New(),
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
		log:     viewport.New(0, 0),
		now:     time.Now,
		busy:    true,
	}
}

func (m MonitorModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForFeed(m.feed), m.loadSession())
}

func (m MonitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.refresh):
			m.busy = true
			m.status = ""
			return m, tea.Batch(m.spinner.Tick, m.refreshSession())
		case key.Matches(msg, m.keys.logout):
			m.busy = true
			m.status = ""
			return m, tea.Batch(m.spinner.Tick, m.logout())
		case key.Matches(msg, m.keys.clear):
			m.lines = nil
			m.log.SetContent("")
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.log.Width = max(msg.Width-4, 0)
		m.log.Height = max(msg.Height-chromeHeight, 3)
		m.log.SetContent(strings.Join(m.lines, "\n"))
		return m, nil

	case feedItem:
		if msg.err != nil {
			m.status = statusMessageStyle("Event stream failed: " + msg.err.Error())
			return m, waitForFeed(m.feed)
		}
		return m.applyEvent(msg.event)

	case feedClosedMsg:
		m.closed = true
		if m.status == "" {
			m.status = statusMessageStyle("Event stream closed")
		}
		return m, nil

	case sessionMsg:
		m.busy = false
		if msg.err != nil {
			m.status = statusMessageStyle("Session request failed: " + msg.err.Error())
			return m, nil
		}
		m.session = msg.session
		if msg.session.Stale {
			m.status = statusMessageStyle("Profile fetch failed, showing the cached session")
		}
		return m, nil

	case logoutMsg:
		m.busy = false
		if msg.err != nil {
			m.status = statusMessageStyle("Logout failed: " + msg.err.Error())
			return m, nil
		}
		m.session = &Session{}
		m.status = completeMessageStyle("Logged out")
		return m, nil

	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.log, cmd = m.log.Update(msg)
	return m, cmd
}

// applyEvent records e and keeps the shown session in step with it
func (m MonitorModel) applyEvent(e events.Event) (tea.Model, tea.Cmd) {
	stamp := m.now().Format("15:04:05")
	cmds := []tea.Cmd{waitForFeed(m.feed)}

	switch e.Type {
	case events.TypeSession:
		if e.Session == nil || e.Session.User == nil {
			m.session = &Session{}
			m.appendLine(fmt.Sprintf("%s %s session cleared", stamp, headerStyle.Render(e.Type)))
			break
		}
		fetched := e.Session.FetchedAt
		m.session = &Session{
			LoggedIn:  true,
			User:      e.Session.User,
			FetchedAt: &fetched,
			Avatar:    e.Session.Avatar,
		}
		m.appendLine(fmt.Sprintf("%s %s %s", stamp, headerStyle.Render(e.Type), describeUser(e.Session.User.ID, e.Session.User.Email)))
	case events.TypeReload:
		m.appendLine(fmt.Sprintf("%s %s %s", stamp, headerStyle.Render(e.Type), e.Reason))
		// a page would rebuild its state here; the monitor rereads the session
		m.busy = true
		cmds = append(cmds, m.spinner.Tick, m.loadSession())
	default:
		m.appendLine(fmt.Sprintf("%s %s", stamp, headerStyle.Render(e.Type)))
	}
	return m, tea.Batch(cmds...)
}

func (m *MonitorModel) appendLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}
	m.log.SetContent(strings.Join(m.lines, "\n"))
	m.log.GotoBottom()
}

func (m MonitorModel) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	title := titleStyle.Render("marketweb session monitor")

	status := m.status
	if m.busy {
		status = m.spinner.View() + " Waiting for the server"
	}

	eventsHeader := headerStyle.Render(fmt.Sprintf("Events (%d)", len(m.lines)))
	if m.closed {
		eventsHeader += " " + mutedStyle("stream closed")
	}

	content := lipgloss.JoinVertical(
		lipgloss.Left,
		title,
		"",
		panelStyle.Width(max(m.width-6, 20)).Render(m.sessionView()),
		status,
		"",
		eventsHeader,
		m.log.View(),
		"",
		m.help.View(m.keys),
	)
	return docStyle.Render(content)
}

func (m MonitorModel) sessionView() string {
	s := m.session
	if s == nil {
		return mutedStyle("Session unknown")
	}
	if !s.LoggedIn || s.User == nil {
		return "Not logged in"
	}

	var b strings.Builder
	name := s.User.Name
	if name == "" {
		name = s.User.ID
	}
	b.WriteString(completeMessageStyle("Logged in") + " as " + name + "\n")
	b.WriteString(mutedStyle("id      ") + s.User.ID + "\n")
	b.WriteString(mutedStyle("email   ") + s.User.Email + "\n")
	if len(s.User.Roles) > 0 {
		b.WriteString(mutedStyle("roles   ") + strings.Join(s.User.Roles, ", ") + "\n")
	}
	if s.FetchedAt != nil {
		b.WriteString(mutedStyle("fetched ") + s.FetchedAt.Local().Format(time.DateTime))
	}
	if s.Stale {
		b.WriteString(" " + statusMessageStyle("(stale)"))
	}
	return strings.TrimRight(b.String(), "\n")
}

func describeUser(id, email string) string {
	if email == "" {
		return id
	}
	return id + " <" + email + ">"
}

func waitForFeed(feed <-chan feedItem) tea.Cmd {
	return func() tea.Msg {
		item, ok := <-feed
		if !ok {
			return feedClosedMsg{}
		}
		return item
	}
}

func (m MonitorModel) loadSession() tea.Cmd {
	actions := m.actions
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		s, err := actions.Session(ctx)
		return sessionMsg{session: s, err: err}
	}
}

func (m MonitorModel) refreshSession() tea.Cmd {
	actions := m.actions
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		s, err := actions.Refresh(ctx)
		return sessionMsg{session: s, err: err}
	}
}

func (m MonitorModel) logout() tea.Cmd {
	actions := m.actions
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return logoutMsg{err: actions.Logout(ctx)}
	}
}

// Run follows the server behind client until the user quits or ctx is done
func Run(ctx context.Context, client *Client) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	feed := make(chan feedItem)
	go func() {
		defer close(feed)
		err := client.Stream(ctx, func(e events.Event) error {
			select {
			case feed <- feedItem{event: e}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil && ctx.Err() == nil {
			select {
			case feed <- feedItem{err: err}:
			case <-ctx.Done():
			}
		}
	}()

	_, err := tea.NewProgram(newMonitorModel(client, feed), tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}
