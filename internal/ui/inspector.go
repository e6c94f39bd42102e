package ui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"lispvm/internal/trace"
	"lispvm/internal/vm"
)

// Page is one tab of the inspector.
type Page struct {
	Title string
	Body  string
}

// InspectorPages renders the state an uncaught error left in m: the error
// with its backtrace, the failing frame's registers and code, the stack, the
// globals and, when ring is not nil, the most recent trace events.
func InspectorPages(m *vm.VM, err error, ring *trace.RingTracer) []Page {
	var sb strings.Builder
	var e *vm.VMError
	if errors.As(err, &e) {
		sb.WriteString(e.Format())
	} else if err != nil {
		fmt.Fprintf(&sb, "error: %v\n", err)
	}
	pages := []Page{{Title: "error", Body: sb.String()}}

	render := func(title string, fn func(sb *strings.Builder) error) {
		var sb strings.Builder
		if err := fn(&sb); err != nil {
			fmt.Fprintf(&sb, "\n(%v)\n", err)
		}
		pages = append(pages, Page{Title: title, Body: sb.String()})
	}
	if ef := m.ErrFrame(); ef != nil {
		render("registers", func(sb *strings.Builder) error {
			fmt.Fprintf(sb, "frame %d %s at %s:%d ip %d\n\n", ef.ID, ef.Name, ef.File, ef.Line, ef.IP)
			return m.DumpRegs(sb, ef)
		})
		render("code", func(sb *strings.Builder) error { return m.Disassemble(sb, ef.Chunk) })
	}
	render("stack", func(sb *strings.Builder) error { return m.DumpStack(sb) })
	render("globals", func(sb *strings.Builder) error { return m.DumpGlobals(sb) })
	if ring != nil {
		render("trace", func(sb *strings.Builder) error {
			if n := ring.Dropped(); n > 0 {
				fmt.Fprintf(sb, "(%d older events dropped)\n", n)
			}
			return ring.Dump(sb, trace.FormatText)
		})
	}
	return pages
}

type inspectorModel struct {
	title  string
	pages  []Page
	active int
	view   viewport.Model
}

// NewInspector returns a Bubble Tea model that shows pages as tabs. Tab and
// the digit keys switch pages, the arrow and page keys scroll and q quits.
func NewInspector(title string, pages []Page) tea.Model {
	m := &inspectorModel{title: title, pages: pages, view: viewport.New(80, 20)}
	m.show(0)
	return m
}

func (m *inspectorModel) Init() tea.Cmd { return nil }

func (m *inspectorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch key := msg.String(); key {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "tab", "right", "l":
			m.show((m.active + 1) % len(m.pages))
			return m, nil
		case "shift+tab", "left", "h":
			m.show((m.active + len(m.pages) - 1) % len(m.pages))
			return m, nil
		default:
			if len(key) == 1 && key[0] >= '1' && key[0] <= '9' {
				if i := int(key[0] - '1'); i < len(m.pages) {
					m.show(i)
					return m, nil
				}
			}
		}
	case tea.WindowSizeMsg:
		m.view.Width = msg.Width
		m.view.Height = max(msg.Height-4, 1)
		m.show(m.active)
		return m, nil
	}
	var cmd tea.Cmd
	m.view, cmd = m.view.Update(msg)
	return m, cmd
}

func (m *inspectorModel) show(i int) {
	if len(m.pages) == 0 {
		return
	}
	m.active = i
	m.view.SetContent(m.pages[i].Body)
	m.view.GotoTop()
}

var (
	tabStyle       = lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("7"))
	activeTabStyle = tabStyle.Bold(true).Foreground(lipgloss.Color("0")).Background(lipgloss.Color("3"))
	helpStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func (m *inspectorModel) View() string {
	var b strings.Builder
	b.WriteString(lipgloss.NewStyle().Bold(true).Render(m.title))
	b.WriteString("\n")
	tabs := make([]string, len(m.pages))
	for i, p := range m.pages {
		label := fmt.Sprintf("%d %s", i+1, p.Title)
		if i == m.active {
			tabs[i] = activeTabStyle.Render(label)
		} else {
			tabs[i] = tabStyle.Render(label)
		}
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, tabs...))
	b.WriteString("\n")
	b.WriteString(m.view.View())
	b.WriteString("\n")
	b.WriteString(helpStyle.Render(fmt.Sprintf("tab/1-%d switch  ↑/↓ pgup/pgdn scroll  q quit  %3.f%%",
		len(m.pages), m.view.ScrollPercent()*100)))
	return b.String()
}
