package tui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/ticketd/internal/lifecycle"
	"github.com/fentz26/ticketd/internal/models"
)

var allowedFrom = lifecycle.Allowed

var statusStyles = map[models.Status]lipgloss.Style{
	models.StatusQueued:    lipgloss.NewStyle().Foreground(mutedColor),
	models.StatusTriage:    lipgloss.NewStyle().Foreground(warningColor),
	models.StatusReady:     lipgloss.NewStyle().Foreground(cyanColor),
	models.StatusExecuting: lipgloss.NewStyle().Foreground(primaryColor).Bold(true),
	models.StatusBlocked:   lipgloss.NewStyle().Foreground(errorColor),
	models.StatusReview:    lipgloss.NewStyle().Foreground(secondaryColor),
	models.StatusDone:      lipgloss.NewStyle().Foreground(successColor),
	models.StatusDropped:   lipgloss.NewStyle().Foreground(mutedColor).Strikethrough(true),
}

var statusGlyphs = map[models.Status]string{
	models.StatusQueued:    "○",
	models.StatusTriage:    "◔",
	models.StatusReady:     "◑",
	models.StatusExecuting: "◕",
	models.StatusBlocked:   "■",
	models.StatusReview:    "◎",
	models.StatusDone:      "●",
	models.StatusDropped:   "✗",
}

// TicketItem is a ticket summary. It implements list.Item.
type TicketItem struct {
	ID          string
	TicketTitle string
	Status      models.Status
	Priority    int
	Owner       string
	WIPClass    models.WIPClass
	LeaseHolder string
}

func newTicketItem(t models.Ticket) TicketItem {
	item := TicketItem{
		ID:          t.ID,
		TicketTitle: t.Title,
		Status:      t.Status,
		Priority:    t.Priority,
		Owner:       t.Owner,
		WIPClass:    t.WIPClass,
	}
	if t.LeaseHolder != nil {
		item.LeaseHolder = *t.LeaseHolder
	}
	return item
}

func (i TicketItem) FilterValue() string { return i.TicketTitle + " " + i.ID }
func (i TicketItem) Title() string       { return fmt.Sprintf("P%d  %s", i.Priority, i.TicketTitle) }
func (i TicketItem) Description() string {
	desc := fmt.Sprintf("%s  %s  %s", formatStatus(i.Status), i.ID, i.WIPClass)
	if i.LeaseHolder != "" {
		desc += "  leased by " + i.LeaseHolder
	}
	return desc
}

func formatStatus(status models.Status) string {
	style, ok := statusStyles[status]
	if !ok {
		return string(status)
	}
	return style.Render(statusGlyphs[status] + " " + string(status))
}

// filters cycles the list through every status, starting with all tickets.
var filters = append([]models.Status{""}, models.Statuses...)

func filterLabel(s models.Status) string {
	if s == "" {
		return "all"
	}
	return string(s)
}
