package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/ticketd/internal/models"
)

// maxVisibleSuggestions caps the dropdown height.
const maxVisibleSuggestions = 5

// SuggestionItem is one autocomplete candidate for the command bar.
type SuggestionItem struct {
	Text        string
	Description string
}

// Suggestions completes the command bar. The first character of the input
// picks the source: "/" commands, "@" tickets, "!" transitions allowed from
// the selected ticket's status.
type Suggestions struct {
	trigger  byte
	filtered []SuggestionItem
	cursor   int
}

var commandSuggestions = []SuggestionItem{
	{Text: "add", Description: "Create a new ticket"},
	{Text: "move", Description: "Transition the selected ticket: move <status> [reason]"},
	{Text: "start", Description: "Start executing the selected ticket: start <holder>"},
	{Text: "evidence", Description: "Attach a note to the selected ticket"},
	{Text: "signoff", Description: "Approve and close the selected ticket"},
	{Text: "reject", Description: "Send the selected ticket back for rework"},
	{Text: "drop", Description: "Drop the selected ticket: drop <reason>"},
	{Text: "stats", Description: "Show counts and WIP utilization"},
}

var suggestionHeaders = map[byte]string{
	'/': "Commands",
	'@': "Tickets",
	'!': "Transitions",
}

// NewSuggestions creates an empty, hidden completer.
func NewSuggestions() *Suggestions {
	return &Suggestions{}
}

func ticketSuggestions(tickets []TicketItem) []SuggestionItem {
	items := make([]SuggestionItem, len(tickets))
	for i, t := range tickets {
		items[i] = SuggestionItem{Text: "@" + t.ID, Description: t.TicketTitle}
	}
	return items
}

func statusSuggestions(current models.Status) []SuggestionItem {
	var items []SuggestionItem
	for _, s := range allowedFrom(current) {
		items = append(items, SuggestionItem{
			Text:        "move " + string(s),
			Description: fmt.Sprintf("%s → %s", current, s),
		})
	}
	return items
}

// Update recomputes the candidates for input. current is the status of the
// selected ticket and tickets the board contents.
func (s *Suggestions) Update(input string, current models.Status, tickets []TicketItem) {
	s.cursor = 0
	s.filtered = nil
	s.trigger = 0
	if input == "" {
		return
	}

	var source []SuggestionItem
	switch input[0] {
	case '/':
		source = commandSuggestions
	case '@':
		source = ticketSuggestions(tickets)
	case '!':
		source = statusSuggestions(current)
	default:
		return
	}
	s.trigger = input[0]

	query := strings.ToLower(input[1:])
	for _, item := range source {
		if query == "" || strings.Contains(strings.ToLower(item.Text), query) {
			s.filtered = append(s.filtered, item)
		}
	}
}

// Reset hides the dropdown.
func (s *Suggestions) Reset() {
	s.Update("", "", nil)
}

// Move shifts the highlighted candidate by delta, wrapping at both ends.
func (s *Suggestions) Move(delta int) {
	n := len(s.filtered)
	if n == 0 {
		return
	}
	s.cursor = ((s.cursor+delta)%n + n) % n
}

// Selected returns the highlighted candidate, or nil when hidden.
func (s *Suggestions) Selected() *SuggestionItem {
	if !s.IsVisible() {
		return nil
	}
	return &s.filtered[s.cursor]
}

// IsVisible reports whether there is anything to show.
func (s *Suggestions) IsVisible() bool {
	return s.trigger != 0 && len(s.filtered) > 0
}

// Render draws the dropdown.
func (s *Suggestions) Render(width int) string {
	if !s.IsVisible() {
		return ""
	}

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(secondaryColor).
		Padding(0, 1).
		Width(width - 4)
	itemStyle := lipgloss.NewStyle().Foreground(fgColor)
	descStyle := lipgloss.NewStyle().Foreground(mutedColor).Italic(true)
	pickStyle := lipgloss.NewStyle().Background(primaryColor).Foreground(fgColor).Bold(true)

	lines := []string{lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Render(suggestionHeaders[s.trigger])}
	for i, item := range s.filtered {
		if i == maxVisibleSuggestions {
			lines = append(lines, descStyle.Render(fmt.Sprintf("  ... and %d more", len(s.filtered)-i)))
			break
		}
		text, desc := itemStyle.Render("  "+item.Text), descStyle.Render(item.Description)
		if i == s.cursor {
			text, desc = pickStyle.Render("▶ "+item.Text), pickStyle.Render(item.Description)
		}
		if item.Description != "" {
			text += " " + desc
		}
		lines = append(lines, text)
	}

	return boxStyle.Render(strings.Join(lines, "\n"))
}
