package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/surfhero25/festivair-sub001/internal/election"
	"github.com/surfhero25/festivair-sub001/internal/presence"
	"github.com/surfhero25/festivair-sub001/internal/store"
)

const sidebarWidth = 26

var (
	onlinePeerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	offlinePeerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	gatewayMark      = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Render("⇅")

	sidebarStyle = lipgloss.NewStyle().
			Width(sidebarWidth).
			Border(lipgloss.NormalBorder(), false, true, false, false).
			PaddingRight(1)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("5")).
			Padding(0, 1)

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	chatStyle = lipgloss.NewStyle().PaddingLeft(1)
)

func (m model) View() string {
	if !m.ready {
		return "\n  Joining the mesh..."
	}

	sidebar := m.renderSidebar()
	chat := chatStyle.Render(m.viewport.View())
	body := lipgloss.JoinHorizontal(lipgloss.Top, sidebar, chat)

	footer := m.textInput.View()
	if m.notice != "" {
		footer = noticeStyle.Render(m.notice)
	}

	return lipgloss.JoinVertical(lipgloss.Left, m.renderStatusBar(), body, footer)
}

func (m model) renderStatusBar() string {
	var gw string
	switch {
	case m.gateway.IsGateway && m.gateway.State == election.StateRelinquishing:
		gw = "gateway: you (rotating out)"
	case m.gateway.IsGateway:
		gw = "gateway: you"
	case m.gateway.GatewayID != "":
		gw = "gateway: " + shortID(m.gateway.GatewayID)
	default:
		gw = "gateway: none"
	}

	online := 0
	for _, p := range m.peers {
		if p.Online {
			online++
		}
	}

	bar := fmt.Sprintf("%s @ %s │ %d online │ %s │ queue %d",
		m.nick, m.squadID, online, gw, m.queueLen)
	if m.width > 0 {
		return statusBarStyle.Width(m.width).Render(bar)
	}
	return statusBarStyle.Render(bar)
}

func (m model) renderSidebar() string {
	var s strings.Builder
	s.WriteString("SQUAD\n─────\n")
	for _, p := range m.peers {
		s.WriteString(peerLine(p, m.gateway.GatewayID) + "\n")
	}
	if len(m.peers) == 0 {
		s.WriteString(offlinePeerStyle.Render("listening for peers...") + "\n")
	}
	return sidebarStyle.Render(s.String())
}

func peerLine(p presence.Peer, gatewayID string) string {
	nick := p.Nick
	if nick == "" {
		nick = shortID(p.ID)
	}

	label := nick
	if p.BatteryLevel > 0 {
		label = fmt.Sprintf("%s %d%%", nick, p.BatteryLevel)
	}
	if p.ID == gatewayID {
		label = gatewayMark + " " + label
	}

	if p.Online {
		return onlinePeerStyle.Render(label)
	}
	return offlinePeerStyle.Render(label)
}

func formatChatLine(msg store.ChatMessage, selfID string) string {
	ts := time.Unix(msg.Timestamp, 0).Format("15:04")
	sender := msg.SenderName
	if msg.SenderID == selfID {
		sender = "you"
	} else if sender == "" {
		sender = shortID(msg.SenderID)
	}
	return fmt.Sprintf("[%s] %s: %s", ts, sender, msg.Text)
}

// sortPeers orders online peers first, then by nick, falling back to ID so
// anonymous peers still sort stably.
func sortPeers(peers []presence.Peer) {
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Online != peers[j].Online {
			return peers[i].Online
		}
		if peers[i].Nick != peers[j].Nick {
			return peers[i].Nick < peers[j].Nick
		}
		return peers[i].ID < peers[j].ID
	})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
