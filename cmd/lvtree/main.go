// Command lvtree inspects a compiled live template: its structural
// fingerprint, static skeleton, and the dependency classification of every
// dynamic slot. Nested programs (conditional arms, comprehension bodies,
// sub-templates) can be entered and walked the same way.
//
// Usage:
//
//	lvtree template.html
package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/livefir/liveview"
	"github.com/livefir/liveview/internal/engine"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	headStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	crumbStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1)

	kindTitle = cases.Title(language.English)
)

// frame is one level of the program stack the user walked into.
type frame struct {
	label  string
	slots  []engine.SlotInfo
	fp     string
	nslots int
}

type model struct {
	path  string
	stack []frame
	tbl   table.Model
	err   error
	width int
}

func newFrame(label string, slots []engine.SlotInfo, fp string, nslots int) frame {
	return frame{label: label, slots: slots, fp: fp, nslots: nslots}
}

func loadRoot(path string) (frame, error) {
	tmpl, err := liveview.ParseFile(path)
	if err != nil {
		return frame{}, err
	}
	slots := tmpl.Slots()
	return newFrame(tmpl.Name(), slots, tmpl.Fingerprint(), len(slots)), nil
}

func initialModel(path string) model {
	m := model{path: path}
	root, err := loadRoot(path)
	if err != nil {
		m.err = err
	} else {
		m.stack = []frame{root}
	}
	m.tbl = table.New(
		table.WithColumns(slotColumns(80)),
		table.WithFocused(true),
		table.WithHeight(14),
	)
	m.refreshRows()
	return m
}

func slotColumns(width int) []table.Column {
	srcWidth := width - 28
	if srcWidth < 20 {
		srcWidth = 20
	}
	return []table.Column{
		{Title: "#", Width: 3},
		{Title: "Kind", Width: 10},
		{Title: "Deps", Width: 12},
		{Title: "Source", Width: srcWidth},
	}
}

func (m *model) refreshRows() {
	if len(m.stack) == 0 {
		m.tbl.SetRows(nil)
		return
	}
	top := m.stack[len(m.stack)-1]
	rows := make([]table.Row, 0, len(top.slots))
	for _, s := range top.slots {
		rows = append(rows, table.Row{
			fmt.Sprintf("%d", s.Index),
			kindTitle.String(s.Kind),
			s.Deps,
			s.Source,
		})
	}
	m.tbl.SetRows(rows)
	m.tbl.SetCursor(0)
}

func (m model) Init() tea.Cmd { return nil }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.tbl.SetColumns(slotColumns(msg.Width))
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit

		case "r":
			root, err := loadRoot(m.path)
			if err != nil {
				m.err = err
				return m, nil
			}
			m.err = nil
			m.stack = []frame{root}
			m.refreshRows()
			return m, nil

		case "enter":
			if len(m.stack) == 0 {
				return m, nil
			}
			top := m.stack[len(m.stack)-1]
			cursor := m.tbl.Cursor()
			if cursor < 0 || cursor >= len(top.slots) {
				return m, nil
			}
			slot := top.slots[cursor]
			if slot.SubProgram == nil {
				return m, nil
			}
			sub := slot.SubProgram
			label := fmt.Sprintf("%s / %s[%d]", top.label, slot.Kind, slot.Index)
			m.stack = append(m.stack, newFrame(label, sub.Slots(), sub.Fingerprint(), sub.SlotCount()))
			m.refreshRows()
			return m, nil

		case "esc", "backspace":
			if len(m.stack) > 1 {
				m.stack = m.stack[:len(m.stack)-1]
				m.refreshRows()
			}
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.tbl, cmd = m.tbl.Update(msg)
	return m, cmd
}

func (m model) View() string {
	if m.err != nil {
		return errStyle.Render(fmt.Sprintf("compile failed: %v", m.err)) +
			helpStyle.Render("\nr reload · q quit\n")
	}
	if len(m.stack) == 0 {
		return "no template loaded\n"
	}
	top := m.stack[len(m.stack)-1]

	header := titleStyle.Render("lvtree") + "  " + crumbStyle.Render(top.label) + "\n" +
		headStyle.Render(fmt.Sprintf("fingerprint %s · %d slots", top.fp, top.nslots)) + "\n\n"

	help := helpStyle.Render("enter descend · esc back · r reload · q quit")
	return header + m.tbl.View() + "\n" + help + "\n"
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: lvtree <template file>")
		os.Exit(2)
	}
	p := tea.NewProgram(initialModel(os.Args[1]), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
