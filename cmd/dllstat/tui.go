package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v2"
)

var tuiBorder = lipgloss.NewStyle().
	BorderStyle(lipgloss.NormalBorder()).
	BorderForeground(lipgloss.Color("240"))

type tuiModel struct {
	table      table.Model
	mods       []moduleFile
	collisions map[string]string
	width      int
}

func newTUIModel(mods []moduleFile) tuiModel {
	columns := []table.Column{
		{Title: "module", Width: 28},
		{Title: "base", Width: 14},
		{Title: "size", Width: 10},
		{Title: "imports", Width: 8},
		{Title: "", Width: 24},
	}

	collisions := findCollisions(mods)
	rows := make([]table.Row, 0, len(mods))
	for _, m := range mods {
		info := m.view.Info()
		note := ""
		if other, ok := collisions[m.path]; ok {
			note = "overlaps " + filepath.Base(other)
		}
		rows = append(rows, table.Row{
			filepath.Base(m.path),
			fmt.Sprintf("%#x", info.PreferredBase),
			fmt.Sprintf("%#x", info.ImageSize),
			fmt.Sprintf("%d", len(m.imports)),
			note,
		})
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithRows(rows),
		table.WithFocused(true),
		table.WithHeight(min(len(rows)+1, 20)),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.Bold(true)
	s.Selected = s.Selected.Foreground(lipgloss.Color("#FAFAFA")).Background(lipgloss.Color("#7D56F4"))
	t.SetStyles(s)

	return tuiModel{table: t, mods: mods, collisions: collisions}
}

func (m tuiModel) Init() tea.Cmd {
	return nil
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m tuiModel) View() string {
	var b strings.Builder
	b.WriteString(tuiBorder.Render(m.table.View()))
	b.WriteByte('\n')

	if cur := m.table.Cursor(); cur >= 0 && cur < len(m.mods) {
		mod := m.mods[cur]
		b.WriteString(dimStyle.Render(mod.path))
		b.WriteByte('\n')
		if len(mod.imports) > 0 {
			b.WriteString(dimStyle.Render("imports: " + strings.Join(mod.imports, ", ")))
			b.WriteByte('\n')
		}
	}
	b.WriteString(dimStyle.Render("↑/↓ move · q quit"))
	return b.String()
}

func cmdTUI(c *cli.Context) error {
	dir := c.Args().First()
	if dir == "" {
		return fmt.Errorf("usage: dllstat tui <dir>")
	}
	mods, _ := scanDir(dir)
	if len(mods) == 0 {
		return fmt.Errorf("no DLLs under %s", dir)
	}

	_, err := tea.NewProgram(newTUIModel(mods), tea.WithAltScreen()).Run()
	return err
}
