// Package tui provides the interactive ticket board for ticketd.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/ticketd/internal/models"
)

var (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(14)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			MarginTop(1)

	onlineStyle  = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(errorColor)
)

type mode int

const (
	modeList mode = iota
	modeDetail
	modeStats
)

// App is the main TUI application model.
type App struct {
	client       *Client
	list         list.Model
	input        textinput.Model
	viewport     viewport.Model
	suggestions  *Suggestions
	width        int
	height       int
	mode         mode
	tickets      []TicketItem
	current      *models.Ticket
	stats        *models.Stats
	filterIdx    int
	message      string
	daemonOnline bool
}

// New creates a new TUI application.
func New(apiAddr string) *App {
	ti := textinput.New()
	ti.Placeholder = "Type / for commands, @ for tickets, ! for transitions"
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 80

	l := list.New([]list.Item{}, list.NewDefaultDelegate(), 80, 20)
	l.Title = "Tickets [all]"
	l.SetShowHelp(false)
	l.SetFilteringEnabled(false)
	l.Styles.Title = titleStyle

	return &App{
		client:      NewClient(apiAddr),
		list:        l,
		input:       ti,
		viewport:    viewport.New(80, 20),
		suggestions: NewSuggestions(),
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		a.fetchTickets(),
		a.checkDaemon(),
		a.tickCmd(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return a, tea.Quit

		case "esc":
			if a.input.Value() != "" {
				a.input.SetValue("")
				a.suggestions.Reset()
				return a, nil
			}
			if a.mode != modeList {
				a.mode = modeList
				a.current = nil
				return a, a.fetchTickets()
			}
			return a, nil

		case "up", "down":
			if a.suggestions.IsVisible() {
				if msg.String() == "up" {
					a.suggestions.Move(-1)
				} else {
					a.suggestions.Move(1)
				}
				return a, nil
			}
			var cmd tea.Cmd
			if a.mode == modeList {
				a.list, cmd = a.list.Update(msg)
			} else {
				a.viewport, cmd = a.viewport.Update(msg)
			}
			return a, cmd

		case "tab":
			if a.suggestions.IsVisible() {
				a.acceptSuggestion()
				return a, nil
			}
			if a.mode == modeList {
				a.filterIdx = (a.filterIdx + 1) % len(filters)
				a.list.Title = fmt.Sprintf("Tickets [%s]", filterLabel(filters[a.filterIdx]))
				return a, a.fetchTickets()
			}
			return a, nil

		case "ctrl+r":
			if a.mode == modeDetail && a.current != nil {
				return a, a.fetchTicket(a.current.ID)
			}
			return a, a.fetchTickets()

		case "enter":
			if a.suggestions.IsVisible() {
				a.acceptSuggestion()
				return a, nil
			}
			line := strings.TrimSpace(a.input.Value())
			if line != "" {
				a.input.SetValue("")
				a.suggestions.Reset()
				return a, a.executeCommand(line)
			}
			if a.mode == modeList {
				if item, ok := a.list.SelectedItem().(TicketItem); ok {
					a.mode = modeDetail
					return a, a.fetchTicket(item.ID)
				}
			}
			return a, nil
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 6
		contentHeight := max(5, msg.Height-9)
		a.list.SetSize(msg.Width, contentHeight)
		a.viewport.Width = msg.Width
		a.viewport.Height = contentHeight
		if a.current != nil {
			a.viewport.SetContent(renderTicket(a.current, a.width))
		}

	case ticketsLoadedMsg:
		a.tickets = msg.tickets
		items := make([]list.Item, len(msg.tickets))
		for i, t := range msg.tickets {
			items[i] = t
		}
		cmds = append(cmds, a.list.SetItems(items))

	case ticketLoadedMsg:
		a.current = msg.ticket
		a.viewport.SetContent(renderTicket(msg.ticket, a.width))
		a.viewport.GotoTop()

	case statsLoadedMsg:
		a.stats = msg.stats
		a.mode = modeStats

	case daemonStatusMsg:
		a.daemonOnline = msg.online

	case tickMsg:
		cmds = append(cmds, a.checkDaemon(), a.tickCmd())

	case commandResultMsg:
		a.message = msg.message
		if msg.ticket != nil && a.mode == modeDetail {
			a.current = msg.ticket
			a.viewport.SetContent(renderTicket(msg.ticket, a.width))
		}
		return a, a.fetchTickets()

	case errMsg:
		a.message = "Error: " + msg.err.Error()
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)

	a.suggestions.Update(a.input.Value(), a.selectedStatus(), a.tickets)

	return a, tea.Batch(cmds...)
}

func (a *App) acceptSuggestion() {
	if selected := a.suggestions.Selected(); selected != nil {
		a.input.SetValue(selected.Text + " ")
		a.input.CursorEnd()
		a.suggestions.Reset()
	}
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemon := onlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemon = offlineStyle.Render("○ DAEMON")
	}
	b.WriteString(titleStyle.Render("ticketd") + "  " + daemon + "\n")
	b.WriteString(strings.Repeat("─", a.width) + "\n")

	switch a.mode {
	case modeList:
		b.WriteString(a.list.View())
	case modeDetail:
		if a.current == nil {
			b.WriteString("\n  Loading...\n")
		} else {
			b.WriteString(a.viewport.View())
		}
	case modeStats:
		b.WriteString(renderStats(a.stats))
	}

	// Message bar
	b.WriteString("\n")
	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString(msgStyle.Render(a.message))
	}

	b.WriteString("\n")
	b.WriteString(inputBoxStyle.Render(a.input.View()))
	if a.suggestions.IsVisible() {
		b.WriteString("\n")
		b.WriteString(a.suggestions.Render(a.width))
	}
	b.WriteString("\n")

	var status string
	switch a.mode {
	case modeList:
		status = fmt.Sprintf(" Tickets: %d | ↑↓:nav | Enter:open | Tab:filter | Ctrl+R:refresh | Ctrl+C:quit", len(a.tickets))
	case modeDetail:
		status = " ↑↓:scroll | Esc:back | Ctrl+R:refresh | signoff | reject | move <status>"
	default:
		status = " Esc:back | Ctrl+C:quit"
	}
	b.WriteString(statusBarStyle.Width(a.width).Render(status))

	return b.String()
}

// selectedID returns the ticket commands act on: the open ticket in detail
// mode, otherwise the highlighted list row.
func (a *App) selectedID() string {
	if a.mode == modeDetail && a.current != nil {
		return a.current.ID
	}
	if item, ok := a.list.SelectedItem().(TicketItem); ok {
		return item.ID
	}
	return ""
}

func (a *App) selectedStatus() models.Status {
	if a.mode == modeDetail && a.current != nil {
		return a.current.Status
	}
	if item, ok := a.list.SelectedItem().(TicketItem); ok {
		return item.Status
	}
	return ""
}

func (a *App) fetchTickets() tea.Cmd {
	filter := filters[a.filterIdx]
	return func() tea.Msg {
		tickets, err := a.client.ListTickets(filter)
		if err != nil {
			return errMsg{err}
		}
		return ticketsLoadedMsg{tickets}
	}
}

func (a *App) fetchTicket(id string) tea.Cmd {
	return func() tea.Msg {
		t, err := a.client.GetTicket(id)
		if err != nil {
			return errMsg{err}
		}
		return ticketLoadedMsg{t}
	}
}

func (a *App) checkDaemon() tea.Cmd {
	return func() tea.Msg {
		ok, err := a.client.CheckHealth()
		return daemonStatusMsg{online: err == nil && ok}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) executeCommand(line string) tea.Cmd {
	cmd, args, target := parseCommand(line)
	id := a.selectedID()
	if target != "" {
		id = target
	}
	client := a.client

	needsTicket := map[string]bool{
		"move": true, "start": true, "evidence": true,
		"signoff": true, "reject": true, "drop": true,
	}
	if needsTicket[cmd] && id == "" {
		return func() tea.Msg { return commandResultMsg{message: "No ticket selected"} }
	}

	return func() tea.Msg {
		var (
			t   *models.Ticket
			err error
			ok  string
		)
		switch cmd {
		case "add":
			if len(args) == 0 {
				return commandResultMsg{message: "Usage: add <title>"}
			}
			newID, err := client.CreateTicket(strings.Join(args, " "))
			if err != nil {
				return errMsg{err}
			}
			return commandResultMsg{message: "✓ Created " + newID}

		case "move":
			if len(args) == 0 {
				return commandResultMsg{message: "Usage: move <status> [reason]"}
			}
			to := models.Status(args[0])
			t, err = client.Transition(id, to, strings.Join(args[1:], " "), "")
			ok = fmt.Sprintf("✓ %s → %s", id, to)

		case "start":
			holder := client.holderID
			if len(args) > 0 {
				holder = args[0]
			}
			t, err = client.Transition(id, models.StatusExecuting, "", holder)
			ok = fmt.Sprintf("✓ %s executing, leased by %s", id, holder)

		case "drop":
			t, err = client.Transition(id, models.StatusDropped, strings.Join(args, " "), "")
			ok = "✓ Dropped " + id

		case "evidence", "note":
			if len(args) == 0 {
				return commandResultMsg{message: "Usage: evidence <text>"}
			}
			t, err = client.AddEvidence(id, strings.Join(args, " "))
			ok = "✓ Evidence added"

		case "signoff":
			t, err = client.Signoff(id, strings.Join(args, " "))
			ok = "✓ Signed off " + id

		case "reject":
			t, err = client.Reject(id, strings.Join(args, " "))
			ok = "✓ Rejected " + id

		case "stats":
			stats, err := client.Stats()
			if err != nil {
				return errMsg{err}
			}
			return statsLoadedMsg{stats}

		case "q", "quit", "exit":
			return tea.Quit()

		default:
			return commandResultMsg{message: fmt.Sprintf("Unknown: %s (try /)", cmd)}
		}

		if err != nil {
			return errMsg{err}
		}
		return commandResultMsg{message: ok, ticket: t}
	}
}

// parseCommand splits a command line into the command, its arguments, and an
// explicit "@<id>" ticket target if one appears.
func parseCommand(line string) (cmd string, args []string, target string) {
	for _, f := range strings.Fields(strings.TrimPrefix(line, "/")) {
		switch {
		case strings.HasPrefix(f, "@") && target == "":
			target = strings.TrimPrefix(f, "@")
		case cmd == "":
			cmd = strings.ToLower(f)
		default:
			args = append(args, f)
		}
	}
	return cmd, args, target
}

func renderTicket(t *models.Ticket, width int) string {
	var b strings.Builder
	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label) + value + "\n")
	}

	b.WriteString(lipgloss.NewStyle().Bold(true).Render(t.Title) + "\n\n")
	row("ID", t.ID)
	row("Status", formatStatus(t.Status))
	row("Priority", fmt.Sprintf("%d", t.Priority))
	row("Owner", t.Owner)
	row("WIP class", string(t.WIPClass))
	if t.LeaseHolder != nil && t.LeaseExpiresAt != nil {
		row("Lease", fmt.Sprintf("%s until %s", *t.LeaseHolder, t.LeaseExpiresAt.Local().Format(time.Kitchen)))
	}
	verification := string(t.Verification.Status)
	if t.Verification.Verifier != nil {
		verification += " by " + *t.Verification.Verifier
	}
	row("Verification", verification)
	if t.Intent != "" {
		row("Intent", t.Intent)
	}

	if len(t.DefinitionOfDone) > 0 {
		b.WriteString(sectionStyle.Render("Definition of done") + "\n")
		for _, item := range t.DefinitionOfDone {
			box := "[ ]"
			if item.Done {
				box = "[x]"
			}
			b.WriteString(fmt.Sprintf("  %s %s\n", box, item.Text))
		}
	}

	if len(t.Evidence) > 0 {
		b.WriteString(sectionStyle.Render("Evidence") + "\n")
		for _, e := range t.Evidence {
			b.WriteString(fmt.Sprintf("  • [%s] %s (%s)\n", e.Kind, truncate(e.Content, width-20), e.Source))
		}
	}

	b.WriteString(sectionStyle.Render("History") + "\n")
	for _, h := range t.History {
		from := "·"
		if h.From != nil {
			from = string(*h.From)
		}
		line := fmt.Sprintf("  %s  %s → %s  by %s", h.Timestamp.Local().Format("01-02 15:04"), from, h.To, h.By)
		if h.Reason != "" {
			line += "  " + lipgloss.NewStyle().Foreground(mutedColor).Render(h.Reason)
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func renderStats(stats *models.Stats) string {
	if stats == nil {
		return "\n  Loading...\n"
	}
	var b strings.Builder
	b.WriteString(sectionStyle.Render(fmt.Sprintf("Tickets: %d", stats.Total)) + "\n")
	for _, s := range models.Statuses {
		if n := stats.ByStatus[s]; n > 0 {
			b.WriteString(fmt.Sprintf("  %-22s %d\n", formatStatus(s), n))
		}
	}

	b.WriteString(sectionStyle.Render("WIP utilization") + "\n")
	for _, class := range models.WIPClasses {
		u := stats.WIPUtilization[class]
		style := lipgloss.NewStyle().Foreground(successColor)
		if u.Max > 0 && u.Current >= u.Max {
			style = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString(fmt.Sprintf("  %-14s %s\n", class, style.Render(fmt.Sprintf("%d/%d", u.Current, u.Max))))
	}

	if len(stats.AvgTimePerStateSeconds) > 0 {
		b.WriteString(sectionStyle.Render("Average time in state") + "\n")
		states := make([]string, 0, len(stats.AvgTimePerStateSeconds))
		for s := range stats.AvgTimePerStateSeconds {
			states = append(states, string(s))
		}
		sort.Strings(states)
		for _, s := range states {
			d := time.Duration(stats.AvgTimePerStateSeconds[models.Status(s)]) * time.Second
			b.WriteString(fmt.Sprintf("  %-14s %s\n", s, d))
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if n < 4 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

type commandResultMsg struct {
	message string
	ticket  *models.Ticket
}

type errMsg struct {
	err error
}

type ticketsLoadedMsg struct {
	tickets []TicketItem
}

type ticketLoadedMsg struct {
	ticket *models.Ticket
}

type statsLoadedMsg struct {
	stats *models.Stats
}

type daemonStatusMsg struct {
	online bool
}

type tickMsg time.Time
