package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mergefs/vfsd/internal/control"
)

var (
	dashboardStyleTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	dashboardStyleIdle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	dashboardStyleBusy  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFA500"))
	dashboardStyleErr   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	dashboardStyleEvent = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

const dashboardRefreshInterval = time.Second
const maxRecentEvents = 8

// statusModel is a bubbletea model rendering every sync pair's live
// status plus a scrolling tail of recent bus events, refreshed by
// polling GET /status on a tick. Grounded on
// EmundoT-git-vendor/internal/tui's progressModel shape (Init/Update/View
// plus a handful of typed tea.Msg cases), generalized from one progress
// bar to a multi-pair status table.
type statusModel struct {
	client  *control.Client
	err     error
	eventCh chan control.WireEvent

	statuses []control.PairStatus
	events   []control.WireEvent
}

type statusFetchedMsg struct {
	statuses []control.PairStatus
	err      error
}

type eventsChannelMsg chan control.WireEvent

type eventReceivedMsg control.WireEvent

func newStatusModel(client *control.Client) statusModel {
	return statusModel{client: client}
}

func (m statusModel) Init() tea.Cmd {
	return tea.Batch(m.fetchCmd(), m.tickCmd(), m.startEventStreamCmd())
}

func (m statusModel) fetchCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		statuses, err := m.client.Status(ctx)
		return statusFetchedMsg{statuses: statuses, err: err}
	}
}

func (m statusModel) tickCmd() tea.Cmd {
	return tea.Tick(dashboardRefreshInterval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

type tickMsg struct{}

// startEventStreamCmd opens the SSE subscription once and hands its
// channel back to Update via eventsChannelMsg; Update then keeps
// re-issuing waitForEventCmd against that same channel so the stream
// drains for the lifetime of the program instead of just its first
// event.
func (m statusModel) startEventStreamCmd() tea.Cmd {
	return func() tea.Msg {
		events := make(chan control.WireEvent, 32)
		go func() {
			_ = m.client.StreamEvents(context.Background(), func(ev control.WireEvent) {
				events <- ev
			})
		}()
		return eventsChannelMsg(events)
	}
}

func waitForEventCmd(events chan control.WireEvent) tea.Cmd {
	return func() tea.Msg {
		return eventReceivedMsg(<-events)
	}
}

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Batch(m.fetchCmd(), m.tickCmd())
	case statusFetchedMsg:
		m.statuses = msg.statuses
		m.err = msg.err
	case eventsChannelMsg:
		m.eventCh = msg
		return m, waitForEventCmd(m.eventCh)
	case eventReceivedMsg:
		m.events = append(m.events, control.WireEvent(msg))
		if len(m.events) > maxRecentEvents {
			m.events = m.events[len(m.events)-maxRecentEvents:]
		}
		return m, waitForEventCmd(m.eventCh)
	}
	return m, nil
}

func (m statusModel) View() string {
	var b strings.Builder
	b.WriteString(dashboardStyleTitle.Render("vfsd status") + "\n\n")

	if m.err != nil {
		b.WriteString(dashboardStyleErr.Render(fmt.Sprintf("error: %v", m.err)) + "\n")
	}
	for _, s := range m.statuses {
		style := dashboardStyleIdle
		if s.Phase != "idle" && s.Phase != "completed" {
			style = dashboardStyleBusy
		}
		b.WriteString(fmt.Sprintf("%-16s %-12s %s -> %s [%s]\n",
			s.PairID, s.Direction, s.LocalRoot, s.ExternalRoot, style.Render(s.Phase)))
	}

	if len(m.events) > 0 {
		b.WriteString("\n" + dashboardStyleTitle.Render("recent events") + "\n")
		for _, ev := range m.events {
			b.WriteString(dashboardStyleEvent.Render(fmt.Sprintf("  %s  %-20s %s",
				ev.At.Format("15:04:05"), ev.Kind, ev.PairID)) + "\n")
		}
	}

	b.WriteString("\npress q to quit\n")
	return b.String()
}

func runDashboard(client *control.Client) error {
	_, err := tea.NewProgram(newStatusModel(client)).Run()
	return err
}
