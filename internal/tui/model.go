// Package tui renders the interactive squad dashboard: chat stream, peer
// roster and gateway/sync status, fed by the node's event channels.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/surfhero25/festivair-sub001/internal/election"
	"github.com/surfhero25/festivair-sub001/internal/node"
	"github.com/surfhero25/festivair-sub001/internal/presence"
	"github.com/surfhero25/festivair-sub001/internal/store"
	"github.com/surfhero25/festivair-sub001/internal/syncer"
	"gorm.io/gorm"
)

type (
	tickMsg    time.Time
	chatMsg    store.ChatMessage
	peersMsg   []presence.Peer
	gatewayMsg election.Status
	failureMsg syncer.Failure
)

type model struct {
	node     *node.Node
	selfID   string
	nick     string
	squadID  string
	peers    []presence.Peer
	gateway  election.Status
	queueLen int
	notice   string
	noticeAt time.Time

	viewport  viewport.Model
	textInput textinput.Model
	history   []string
	ready     bool
	width     int
	height    int
}

func initialModel(db *gorm.DB, n *node.Node) model {
	ti := textinput.New()
	ti.Placeholder = "Message your squad... (/pin, /status, /sync)"
	ti.Focus()
	ti.CharLimit = 280

	st := n.Status()

	var history []string
	if msgs, err := store.GetChatMessages(db, st.SquadID, 50); err == nil {
		// Newest-first from the store; render oldest first.
		for i := len(msgs) - 1; i >= 0; i-- {
			history = append(history, formatChatLine(msgs[i], st.SelfID))
		}
	}

	peers := n.Peers()
	sortPeers(peers)

	return model{
		node:      n,
		selfID:    st.SelfID,
		nick:      st.Nick,
		squadID:   st.SquadID,
		peers:     peers,
		gateway:   st.Election,
		queueLen:  st.QueueLen,
		textInput: ti,
		history:   history,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		tick(),
		waitForChat(m.node),
		waitForPeers(m.node),
		waitForGateway(m.node),
		waitForFailure(m.node),
	)
}

func tick() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func waitForChat(n *node.Node) tea.Cmd {
	return func() tea.Msg { return chatMsg(<-n.MsgUpdates) }
}

func waitForPeers(n *node.Node) tea.Cmd {
	return func() tea.Msg { return peersMsg(<-n.PeerUpdates) }
}

func waitForGateway(n *node.Node) tea.Cmd {
	return func() tea.Msg { return gatewayMsg(<-n.GatewayUpdates) }
}

func waitForFailure(n *node.Node) tea.Cmd {
	return func() tea.Msg { return failureMsg(<-n.SyncFailures) }
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tickMsg:
		m.queueLen = m.node.Status().QueueLen
		if m.notice != "" && time.Since(m.noticeAt) > 5*time.Second {
			m.notice = ""
		}
		return m, tick()

	case chatMsg:
		if store.ChatMessage(msg).SenderID != m.selfID {
			m.appendLine(formatChatLine(store.ChatMessage(msg), m.selfID))
		}
		return m, waitForChat(m.node)

	case peersMsg:
		peers := []presence.Peer(msg)
		sortPeers(peers)
		m.peers = peers
		return m, waitForPeers(m.node)

	case gatewayMsg:
		m.gateway = election.Status(msg)
		return m, waitForGateway(m.node)

	case failureMsg:
		f := syncer.Failure(msg)
		m.setNotice(fmt.Sprintf("sync gave up on %s %s after %d attempts", f.Operation, f.EntityKind, f.Attempts))
		return m, waitForFailure(m.node)

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			if v := strings.TrimSpace(m.textInput.Value()); v != "" {
				m.handleInput(v)
				m.textInput.Reset()
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		chatWidth := msg.Width - sidebarWidth
		chatHeight := msg.Height - 2 // status bar + input line
		if !m.ready {
			m.viewport = viewport.New(chatWidth, chatHeight)
			m.viewport.SetContent(strings.Join(m.history, "\n"))
			m.viewport.GotoBottom()
			m.ready = true
		} else {
			m.viewport.Width = chatWidth
			m.viewport.Height = chatHeight
		}
	}

	m.textInput, tiCmd = m.textInput.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)

	return m, tea.Batch(tiCmd, vpCmd)
}

// handleInput routes slash commands; anything else is chat.
func (m *model) handleInput(input string) {
	switch {
	case strings.HasPrefix(input, "/pin "):
		name := strings.TrimSpace(strings.TrimPrefix(input, "/pin "))
		if name == "" {
			m.setNotice("usage: /pin <name>")
			return
		}
		pin, err := m.node.DropPin(name, 0, 0, 2*time.Hour)
		if err != nil {
			m.setNotice("pin failed: " + err.Error())
			return
		}
		m.appendLine(fmt.Sprintf("* dropped pin %q (expires %s)", pin.Name,
			time.Unix(pin.ExpiresAt, 0).Format("15:04")))

	case strings.HasPrefix(input, "/status "):
		status := strings.TrimSpace(strings.TrimPrefix(input, "/status "))
		if err := m.node.SetStatus(status); err != nil {
			m.setNotice("status failed: " + err.Error())
			return
		}
		m.appendLine(fmt.Sprintf("* status set to %q", status))

	case input == "/sync":
		if err := m.node.RequestSync(); err != nil {
			m.setNotice("sync request failed: " + err.Error())
			return
		}
		m.setNotice("sync requested from gateway")

	case strings.HasPrefix(input, "/"):
		m.setNotice("unknown command: " + input)

	default:
		row, err := m.node.PublishChat(input)
		if err != nil {
			m.setNotice("send failed: " + err.Error())
			return
		}
		m.appendLine(formatChatLine(row, m.selfID))
	}
}

func (m *model) appendLine(line string) {
	m.history = append(m.history, line)
	if m.ready {
		m.viewport.SetContent(strings.Join(m.history, "\n"))
		m.viewport.GotoBottom()
	}
}

func (m *model) setNotice(s string) {
	m.notice = s
	m.noticeAt = time.Now()
}

// Start runs the dashboard until the user quits.
func Start(db *gorm.DB, n *node.Node) error {
	p := tea.NewProgram(initialModel(db, n), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
