package ui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	pretty "github.com/jedib0t/go-pretty/v6/table"
)

// PeerRow describes one session for the tables below.
type PeerRow struct {
	Name      string
	State     string
	Connected time.Duration
}

// PeerTableView renders the live sessions shown by /who.
func PeerTableView(rows []PeerRow) string {
	if len(rows) == 0 {
		return MutedStyle.Render("Nobody is connected yet")
	}

	var cells [][]string
	for i, r := range rows {
		cells = append(cells, []string{fmt.Sprintf("%d", i+1), truncate(r.Name, 30), r.State, FormatDuration(r.Connected)})
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers("#", "Name", "State", "Connected").
		Rows(cells...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})

	return tbl.Render()
}

// SessionSummary is printed after a stream ends.
type SessionSummary struct {
	Role     string
	Room     string
	Reason   string
	Duration time.Duration
	Messages int
	Peers    []PeerRow
}

// SessionSummaryView renders s with go-pretty.
func SessionSummaryView(s SessionSummary) string {
	t := pretty.NewWriter()
	t.SetTitle("Session Summary")
	t.SetStyle(pretty.StyleRounded)
	t.AppendHeader(pretty.Row{"Metric", "Value"})
	t.AppendRows([]pretty.Row{
		{"Role", s.Role},
		{"Room", s.Room},
		{"Ended", s.Reason},
		{"Duration", FormatDuration(s.Duration)},
		{"Chat messages", s.Messages},
		{"Peers", len(s.Peers)},
	})
	if len(s.Peers) > 0 {
		t.AppendSeparator()
		for _, p := range s.Peers {
			t.AppendRow(pretty.Row{IconPeer + " " + truncate(p.Name, 30), fmt.Sprintf("%s, %s", p.State, FormatDuration(p.Connected))})
		}
	}
	return t.Render()
}

func RenderSessionSummary(s SessionSummary) {
	fmt.Println(SessionSummaryView(s))
}

// RoomInfo is the box shown when a stream starts.
type RoomInfo struct {
	RoomID   string
	RoomLink string
	Name     string
	Sources  []string
}

func (r RoomInfo) View() string {
	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.DoubleBorder()).
		BorderForeground(Success).
		Padding(1, 2)

	content := fmt.Sprintf("%s Live as %s\n\n%s Room ID:    %s\n%s Room Link:  %s",
		IconLive, BoldStyle.Render(r.Name),
		IconCopy, BoldStyle.Foreground(Primary).Render(r.RoomID),
		IconWeb, MutedStyle.Render(r.RoomLink),
	)
	if len(r.Sources) > 0 {
		content += "\n"
		for _, s := range r.Sources {
			content += "\n" + MutedStyle.Render("  • "+s)
		}
	}
	return boxStyle.Render(content)
}

// FormatDuration renders d as the shortest readable form.
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
