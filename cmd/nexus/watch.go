package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard over health, metrics, and events",
		RunE: func(cmd *cobra.Command, args []string) error {
			program := tea.NewProgram(newWatchModel())
			_, err := program.Run()
			return err
		},
	}
}

// pollMsg carries one refresh of the dashboard data.
type pollMsg struct {
	health   map[string]interface{}
	overview map[string]interface{}
	events   []map[string]interface{}
	err      error
}

type watchModel struct {
	spin    spinner.Model
	last    pollMsg
	polled  bool
	stopped bool
}

func newWatchModel() watchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))
	return watchModel{spin: sp}
}

func poll() tea.Msg {
	msg := pollMsg{}

	if raw, err := apiGet("/health"); err != nil {
		msg.err = err
		return msg
	} else if err := json.Unmarshal(raw, &msg.health); err != nil {
		msg.err = err
		return msg
	}

	if raw, err := apiGet("/system-overview"); err == nil {
		json.Unmarshal(raw, &msg.overview)
	}
	if raw, err := apiGet("/events?limit=8"); err == nil {
		var envelope struct {
			Events []map[string]interface{} `json:"events"`
		}
		if json.Unmarshal(raw, &envelope) == nil {
			msg.events = envelope.Events
		}
	}
	return msg
}

func tick() tea.Cmd {
	return tea.Tick(2*time.Second, func(time.Time) tea.Msg { return poll() })
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, func() tea.Msg { return poll() })
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.stopped = true
			return m, tea.Quit
		}
	case pollMsg:
		m.last = msg
		m.polled = true
		return m, tick()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) View() string {
	if m.stopped {
		return ""
	}
	if !m.polled {
		return m.spin.View() + " connecting to nexus...\n"
	}
	if m.last.err != nil {
		return errStyle.Render("cannot reach daemon: "+m.last.err.Error()) + "\n\npress q to quit\n"
	}

	status, _ := m.last.health["status"].(string)
	statusLine := okStyle.Render(status)
	if status != "healthy" {
		statusLine = warnStyle.Render(status)
	}

	body := titleStyle.Render("NEXUS watch") + "  " + m.spin.View() + "\n\n"
	body += keyStyle.Render("health: ") + statusLine + "\n"

	if checks, ok := m.last.health["checks"].(map[string]interface{}); ok {
		for _, key := range []string{"health_score", "open_issues", "loop_running"} {
			if v, ok := checks[key]; ok {
				body += keyStyle.Render(key+": ") + fmt.Sprintf("%v", v) + "\n"
			}
		}
	}

	if len(m.last.overview) > 0 {
		body += "\n" + titleStyle.Render("subsystems") + "\n"
		for _, key := range []string{"proposals", "tasks", "bandit", "knowledge", "sources"} {
			if v, ok := m.last.overview[key]; ok {
				body += keyStyle.Render(key+": ") + fmt.Sprintf("%v", v) + "\n"
			}
		}
	}

	if len(m.last.events) > 0 {
		body += "\n" + titleStyle.Render("recent events") + "\n"
		for _, ev := range m.last.events {
			evType, _ := ev["type"].(string)
			body += "• " + evType + "\n"
		}
	}

	return boxStyle.Render(body) + "\npress q to quit\n"
}
