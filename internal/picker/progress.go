package picker

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/buckleypaul/molt/internal/ui"
)

// Event is one progress report from a firmware download.
type Event struct {
	Filename string
	Done     int64
	Total    int64
}

type eventMsg Event

type closedMsg struct{}

type transfer struct {
	bar   progress.Model
	done  int64
	total int64
}

type downloads struct {
	events  <-chan Event
	order   []string
	files   map[string]*transfer
	aborted bool
}

func newDownloads(events <-chan Event) *downloads {
	return &downloads{events: events, files: make(map[string]*transfer)}
}

func listen(events <-chan Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}

func (d *downloads) Init() tea.Cmd { return listen(d.events) }

func (d *downloads) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		f, ok := d.files[msg.Filename]
		if !ok {
			f = &transfer{bar: progress.New(progress.WithDefaultGradient(), progress.WithWidth(30))}
			d.files[msg.Filename] = f
			d.order = append(d.order, msg.Filename)
		}
		f.done, f.total = msg.Done, msg.Total
		return d, listen(d.events)
	case closedMsg:
		return d, tea.Quit
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			d.aborted = true
			return d, tea.Quit
		}
	}
	return d, nil
}

func (d *downloads) View() string {
	var b strings.Builder
	for _, name := range d.order {
		f := d.files[name]
		ratio := 0.0
		if f.total > 0 {
			ratio = float64(f.done) / float64(f.total)
		}
		b.WriteString(fmt.Sprintf("%-44s %s %s\n",
			name, f.bar.ViewAs(ratio), ui.DimStyle.Render(byteCount(f.done))))
	}
	return b.String()
}

// Downloads renders live progress bars until the events channel
// closes.
func Downloads(events <-chan Event) error {
	m, err := tea.NewProgram(newDownloads(events)).Run()
	if err != nil {
		return err
	}
	if m.(*downloads).aborted {
		return ErrCancelled
	}
	return nil
}

func byteCount(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f kB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
