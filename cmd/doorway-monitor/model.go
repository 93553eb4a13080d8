package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zsiec/doorway/internal/health"
	"github.com/zsiec/doorway/internal/registry"
	"github.com/zsiec/doorway/internal/server"
	"github.com/zsiec/doorway/pkg/version"
)

type tickMsg time.Time

type pollMsg struct {
	snap snapshot
	err  error
}

type model struct {
	client   *apiClient
	interval time.Duration

	width int
	snap  snapshot
	err   error
	polls int
}

func newModel(client *apiClient, interval time.Duration) model {
	return model{client: client, interval: interval, width: 80}
}

func (m model) Init() tea.Cmd {
	return m.poll()
}

func (m model) poll() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), m.interval)
		defer cancel()
		snap, err := m.client.poll(ctx)
		return pollMsg{snap: snap, err: err}
	}
}

func tickEvery(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.poll()
		}
		return m, nil

	case tickMsg:
		return m, m.poll()

	case pollMsg:
		m.polls++
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
		}
		return m, tickEvery(m.interval)
	}

	return m, nil
}

func (m model) View() string {
	width := m.width - 4
	if width < 40 {
		width = 40
	}

	sections := []string{
		headerStyle.Width(width).Render(fmt.Sprintf("%s monitor  %s", version.Product, m.client.base)),
	}

	if m.err != nil {
		sections = append(sections, errorStyle.Render("Poll failed: "+m.err.Error()))
	}
	if m.polls == 0 {
		sections = append(sections, mutedStyle.Render("Connecting..."))
	} else {
		sections = append(sections,
			panelStyle.Width(width).Render(renderHealth(m.snap.Health)),
			panelStyle.Width(width).Render(renderAccessories(m.snap.Accessories)),
			panelStyle.Width(width).Render(renderSessions(m.snap.Sessions, m.snap.FetchedAt)),
		)
	}

	sections = append(sections, mutedStyle.Render("r refresh  q quit"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func statusStyle(s health.Status) lipgloss.Style {
	switch s {
	case health.StatusOK:
		return okStyle
	case health.StatusDegraded:
		return warnStyle
	default:
		return errorStyle
	}
}

func renderHealth(h health.Response) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Health") + "  ")
	b.WriteString(statusStyle(h.Status).Render(strings.ToUpper(string(h.Status))))
	if h.Uptime != "" {
		b.WriteString(mutedStyle.Render("  up " + h.Uptime))
	}

	names := make([]string, 0, len(h.Checks))
	for name := range h.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		c := h.Checks[name]
		line := fmt.Sprintf("\n  %-12s %s", name, statusStyle(c.Status).Render(string(c.Status)))
		if c.Message != "" {
			line += mutedStyle.Render("  " + c.Message)
		}
		b.WriteString(line)
	}
	return b.String()
}

func renderAccessories(list []server.AccessoryStatus) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Accessories (%d)", len(list))))

	for _, a := range list {
		state := idleStyle.Render("idle")
		if a.MotionDetected {
			state = motionStyle.Render("MOTION")
		}
		line := fmt.Sprintf("\n  %-16s %s  %s", a.Name, state,
			sessionStyle.Render(fmt.Sprintf("%d streaming", len(a.Sessions))))
		if v := a.Visitor; v != nil {
			image := "no image"
			if v.HasImage {
				image = "image"
			}
			line += mutedStyle.Render(fmt.Sprintf("  visitor #%d %s (%s)", v.Index, v.Timestamp.Format("15:04:05"), image))
		}
		b.WriteString(line)
	}
	return b.String()
}

func renderSessions(list []registry.Session, now time.Time) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Sessions (%d)", len(list))))

	if len(list) == 0 {
		b.WriteString("\n" + mutedStyle.Render("  none"))
		return b.String()
	}

	for _, s := range list {
		id := s.ID
		if len(id) > 8 {
			id = id[:8]
		}
		line := fmt.Sprintf("\n  %-8s %-12s %-7s %s", id, s.Accessory, s.Status, s.PeerAddress)
		if s.Status == registry.StatusActive {
			line += fmt.Sprintf("  %dx%d@%d %dkbps", s.Width, s.Height, s.FPS, s.Bitrate)
			if !s.LastHeartbeat.IsZero() && !now.IsZero() {
				line += mutedStyle.Render(fmt.Sprintf("  seen %s ago", now.Sub(s.LastHeartbeat).Truncate(time.Second)))
			}
		}
		b.WriteString(line)
	}
	return b.String()
}
