package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

// Status is the state of one file of a multi-file run.
type Status uint8

const (
	StatusQueued Status = iota
	StatusRunning
	StatusDone
	StatusError
)

var statusNames = [...]string{"queued", "running", "done", "error"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return ""
}

func (s Status) finished() bool { return s == StatusDone || s == StatusError }

// Event reports a status change of File. Detail is the printed result or
// the error message; Elapsed is the execution time of a finished file.
type Event struct {
	File    string
	Status  Status
	Detail  string
	Elapsed time.Duration
}

var statusStyles = map[Status]lipgloss.Style{
	StatusQueued:  lipgloss.NewStyle().Foreground(lipgloss.Color("7")),
	StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
	StatusDone:    lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
	StatusError:   lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
}

type fileRow struct {
	Event
	started time.Time
}

type progressModel struct {
	title   string
	events  <-chan Event
	spinner spinner.Model
	bar     progress.Model
	rows    []fileRow
	byFile  map[string]int
	width   int
	closed  bool
}

type eventMsg Event
type closedMsg struct{}

// NewProgressModel returns a Bubble Tea model listing files executing
// concurrently with their status and results. It quits when events is
// closed.
func NewProgressModel(title string, files []string, events <-chan Event) tea.Model {
	m := &progressModel{
		title:   title,
		events:  events,
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(statusStyles[StatusRunning])),
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(76)),
		rows:    make([]fileRow, len(files)),
		byFile:  make(map[string]int, len(files)),
		width:   80,
	}
	for i, f := range files {
		m.rows[i].File = f
		m.byFile[f] = i
	}
	return m
}

func (m *progressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.next())
}

// next waits for the following event.
func (m *progressModel) next() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m *progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		return m, tea.Batch(m.apply(Event(msg)), m.next())
	case closedMsg:
		m.closed = true
		return m, tea.Quit
	case spinner.TickMsg:
		if m.closed {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		if msg.Width > 0 {
			m.width = msg.Width
			m.bar.Width = max(msg.Width-4, 10)
		}
	case progress.FrameMsg:
		bar, cmd := m.bar.Update(msg)
		m.bar = bar.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m *progressModel) apply(ev Event) tea.Cmd {
	i, ok := m.byFile[ev.File]
	if !ok {
		return nil
	}
	row := &m.rows[i]
	if ev.Status == StatusRunning {
		row.started = time.Now()
	}
	if ev.Status.finished() && ev.Elapsed == 0 && !row.started.IsZero() {
		ev.Elapsed = time.Since(row.started)
	}
	row.Event = ev
	return m.bar.SetPercent(m.fraction())
}

// fraction counts a running file as half done.
func (m *progressModel) fraction() float64 {
	if len(m.rows) == 0 {
		return 1
	}
	var done float64
	for _, r := range m.rows {
		switch {
		case r.Status.finished():
			done++
		case r.Status == StatusRunning:
			done += 0.5
		}
	}
	return done / float64(len(m.rows))
}

func (m *progressModel) counts() (done, failed int) {
	for _, r := range m.rows {
		switch r.Status {
		case StatusDone:
			done++
		case StatusError:
			failed++
		}
	}
	return done, failed
}

func (m *progressModel) View() string {
	if len(m.rows) == 0 {
		return ""
	}
	var b strings.Builder
	header := m.spinner.View() + " " + m.title
	if m.closed {
		header = "finished " + m.title
	}
	b.WriteString(lipgloss.NewStyle().Bold(true).Render(header))
	b.WriteString("\n\n")

	const statusWidth, timeWidth = 8, 9
	nameWidth := max(m.width/3, 16)
	detailWidth := max(m.width-nameWidth-statusWidth-timeWidth-6, 10)
	for _, r := range m.rows {
		status := statusStyles[r.Status].Render(fmt.Sprintf("%*s", statusWidth, r.Status))
		elapsed := strings.Repeat(" ", timeWidth)
		if r.Status.finished() {
			elapsed = fmt.Sprintf("%*s", timeWidth, r.Elapsed.Round(time.Millisecond))
		}
		fmt.Fprintf(&b, "  %s %s %s", status, runewidth.FillRight(truncate(r.File, nameWidth), nameWidth), elapsed)
		if r.Detail != "" {
			b.WriteString("  " + truncate(firstLine(r.Detail), detailWidth))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.closed {
		b.WriteString(m.bar.ViewAs(1))
	} else {
		b.WriteString(m.bar.View())
	}
	done, failed := m.counts()
	fmt.Fprintf(&b, "\n%d/%d done", done+failed, len(m.rows))
	if failed > 0 {
		b.WriteString(", " + statusStyles[StatusError].Render(fmt.Sprintf("%d failed", failed)))
	}
	b.WriteString("\n")
	return b.String()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// truncate shortens value to width display cells with an ellipsis.
func truncate(value string, width int) string {
	if width <= 0 || runewidth.StringWidth(value) <= width {
		return value
	}
	if width <= 3 {
		return runewidth.Truncate(value, width, "")
	}
	return runewidth.Truncate(value, width, "...")
}
