// Package watch renders a live table of keys that refreshes as changes
// arrive on a store's watch stream.
package watch

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Aram1d/stored"
	"github.com/Aram1d/stored/codec"
	"github.com/Aram1d/stored/internal/pubsub"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Foreground(lipgloss.Color("231")).
			Background(lipgloss.Color("57"))
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// Config describes what the watch view tracks.
type Config struct {
	// Initial seeds the table. Its keys form the tracked set unless All is set.
	Initial map[string]any
	// Changes is an already-subscribed change stream, usually Store.Watch.
	Changes <-chan stored.Change
	// All tracks every key seen on the stream instead of only the initial set.
	All bool
}

// Model is the Bubble Tea model behind `stored watch`.
type Model struct {
	table    table.Model
	listener *pubsub.ContinuousListener[stored.Change]

	values  map[string]any
	origins map[string]string
	tracked map[string]struct{} // nil tracks everything

	seen     int
	width    int
	quitting bool
}

// New builds a watch model over an already-subscribed change stream.
func New(ctx context.Context, cfg Config) Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "KEY", Width: 24},
			{Title: "VALUE", Width: 40},
			{Title: "ORIGIN", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57"))
	t.SetStyles(s)

	m := Model{
		table:    t,
		listener: pubsub.NewContinuousListener(ctx, cfg.Changes),
		values:   make(map[string]any, len(cfg.Initial)),
		origins:  make(map[string]string, len(cfg.Initial)),
	}
	if !cfg.All {
		m.tracked = make(map[string]struct{}, len(cfg.Initial))
	}
	for k, v := range cfg.Initial {
		m.values[k] = v
		if m.tracked != nil {
			m.tracked[k] = struct{}{}
		}
	}
	m.refreshRows()

	return m
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return m.listener.Listen()
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.table.SetWidth(msg.Width - 2)
		m.table.SetHeight(max(msg.Height-6, 3))
		return m, nil

	case stored.Change:
		if m.tracked != nil {
			if _, ok := m.tracked[msg.Key]; !ok {
				return m, m.listener.Listen()
			}
		}
		m.values[msg.Key] = msg.Value
		m.origins[msg.Key] = string(msg.Origin)
		m.seen++
		m.refreshRows()
		return m, m.listener.Listen()
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// refreshRows rebuilds the table rows in key order.
func (m *Model) refreshRows() {
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([]table.Row, 0, len(keys))
	for _, k := range keys {
		origin := m.origins[k]
		if origin == "" {
			origin = "initial"
		}
		rows = append(rows, table.Row{k, renderValue(m.values[k]), origin})
	}
	m.table.SetRows(rows)
}

// renderValue prints a value the way the store persists it. Values a codec
// cannot encode fall back to fmt so the row still renders.
func renderValue(v any) string {
	s, err := (codec.JSON{}).Encode(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return s
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("stored watch"))
	b.WriteString("\n\n")
	b.WriteString(m.table.View())
	b.WriteString("\n")
	b.WriteString(footerStyle.Render(fmt.Sprintf("%d changes  |  q: quit", m.seen)))

	return b.String()
}
