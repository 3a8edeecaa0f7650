// Package picker provides the interactive surfaces molt falls back to
// when a request leaves something open: a fuzzy-filtered chooser and a
// live download progress display.
package picker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/buckleypaul/molt/internal/ui"
)

// Item represents a selectable entry in the chooser.
type Item struct {
	Label string // Display text
	Value string // Selection value
	Desc  string // Optional secondary text
}

// ErrCancelled is returned when the user closes the chooser without
// selecting.
var ErrCancelled = errors.New("selection cancelled")

const maxVisible = 12

type chooser struct {
	title    string
	items    []Item
	filtered []Item
	input    textinput.Model
	cursor   int
	choice   string
	chosen   bool
	closed   bool
}

func newChooser(title string, items []Item) *chooser {
	ti := textinput.New()
	ti.Placeholder = "type to filter..."
	ti.Prompt = "> "
	ti.Focus()
	ti.CharLimit = 128

	c := &chooser{title: title, items: items, input: ti}
	c.filter()
	return c
}

func (c *chooser) Init() tea.Cmd { return textinput.Blink }

// Update handles input for the chooser.
func (c *chooser) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "esc", "ctrl+c":
			c.closed = true
			return c, tea.Quit
		case "enter":
			if len(c.filtered) > 0 && c.cursor < len(c.filtered) {
				c.choice = c.filtered[c.cursor].Value
				c.chosen = true
				return c, tea.Quit
			}
			return c, nil
		case "up":
			if c.cursor > 0 {
				c.cursor--
			}
			return c, nil
		case "down":
			if c.cursor < len(c.filtered)-1 {
				c.cursor++
			}
			return c, nil
		}
	}

	// Forward other keys to text input
	var cmd tea.Cmd
	c.input, cmd = c.input.Update(msg)
	c.filter()
	return c, cmd
}

// View renders the chooser.
func (c *chooser) View() string {
	if c.chosen || c.closed {
		return ""
	}

	var b strings.Builder
	b.WriteString(ui.TitleStyle.Render(c.title))
	b.WriteString("\n")
	b.WriteString(c.input.View())
	b.WriteString("\n\n")

	visible := maxVisible
	if visible > len(c.filtered) {
		visible = len(c.filtered)
	}

	// Scroll window around cursor
	start := 0
	if c.cursor >= visible {
		start = c.cursor - visible + 1
	}
	end := start + visible
	if end > len(c.filtered) {
		end = len(c.filtered)
	}

	selectedStyle := lipgloss.NewStyle().Foreground(ui.Primary).Bold(true)

	for i := start; i < end; i++ {
		item := c.filtered[i]
		if i == c.cursor {
			b.WriteString(selectedStyle.Render("> " + item.Label))
		} else {
			b.WriteString("  " + item.Label)
		}
		if item.Desc != "" {
			b.WriteString("  " + ui.DimStyle.Render(item.Desc))
		}
		b.WriteString("\n")
	}

	if len(c.filtered) == 0 {
		b.WriteString(ui.DimStyle.Render("  No matches"))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	footer := fmt.Sprintf("(%d/%d)  enter:select  esc:cancel", len(c.filtered), len(c.items))
	b.WriteString(ui.DimStyle.Render(footer))
	b.WriteString("\n")
	return b.String()
}

func (c *chooser) filter() {
	query := strings.ToLower(c.input.Value())
	if query == "" {
		c.filtered = c.items
	} else {
		c.filtered = nil
		for _, item := range c.items {
			if fuzzyMatch(strings.ToLower(item.Label), query) {
				c.filtered = append(c.filtered, item)
			}
		}
	}
	if c.cursor >= len(c.filtered) {
		c.cursor = len(c.filtered) - 1
	}
	if c.cursor < 0 {
		c.cursor = 0
	}
}

// fuzzyMatch checks if all characters in query appear in s in order.
func fuzzyMatch(s, query string) bool {
	qi := 0
	for i := 0; i < len(s) && qi < len(query); i++ {
		if s[i] == query[qi] {
			qi++
		}
	}
	return qi == len(query)
}

// Choose runs an inline chooser and returns the selected item's value.
func Choose(title string, items []Item) (string, error) {
	m, err := tea.NewProgram(newChooser(title, items)).Run()
	if err != nil {
		return "", err
	}
	c := m.(*chooser)
	if !c.chosen {
		return "", ErrCancelled
	}
	return c.choice, nil
}
