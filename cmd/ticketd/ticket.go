package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/fentz26/ticketd/internal/lifecycle"
	"github.com/fentz26/ticketd/internal/models"
	"github.com/spf13/cobra"
)

var ticketCmd = &cobra.Command{
	Use:     "ticket",
	Aliases: []string{"t"},
	Short:   "Manage tickets",
}

var ticketCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new ticket",
	RunE:  runTicketCreate,
}

var ticketListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tickets",
	RunE:  runTicketList,
}

var ticketShowCmd = &cobra.Command{
	Use:   "show [ticket-id]",
	Short: "Show ticket details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTicketShow,
}

var ticketEvidenceCmd = &cobra.Command{
	Use:   "evidence [ticket-id]",
	Short: "Attach evidence to a ticket",
	Args:  cobra.ExactArgs(1),
	RunE:  runTicketEvidence,
}

var ticketMoveCmd = &cobra.Command{
	Use:   "move [ticket-id] [status]",
	Short: "Transition a ticket to a new status",
	Args:  cobra.ExactArgs(2),
	RunE:  runTicketMove,
}

var ticketSignoffCmd = &cobra.Command{
	Use:   "signoff [ticket-id]",
	Short: "Approve a ticket in review and close it",
	Args:  cobra.ExactArgs(1),
	RunE:  runTicketSignoff,
}

var ticketRejectCmd = &cobra.Command{
	Use:   "reject [ticket-id]",
	Short: "Send a ticket in review back to executing",
	Args:  cobra.ExactArgs(1),
	RunE:  runTicketReject,
}

var ticketUpdateCmd = &cobra.Command{
	Use:   "update [ticket-id]",
	Short: "Edit ticket fields other than status",
	Args:  cobra.ExactArgs(1),
	RunE:  runTicketUpdate,
}

var ticketDeleteCmd = &cobra.Command{
	Use:   "delete [ticket-id]",
	Short: "Delete a ticket",
	Args:  cobra.ExactArgs(1),
	RunE:  runTicketDelete,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show ticket counts, WIP utilization and state dwell times",
	RunE:  runStats,
}

var (
	ticketTitle     string
	ticketType      string
	ticketPriority  int
	ticketOwner     string
	ticketIntent    string
	ticketClass     string
	ticketRequester string
	ticketDone      []string
	ticketPlan      []string

	filterStatus string
	filterOwner  string
	showAudit    bool

	evidenceKind    string
	evidenceContent string
	evidenceSource  string
	confidence      float64

	actor       string
	reason      string
	leaseHolder string
	notes       string
)

func init() {
	ticketCmd.AddCommand(ticketCreateCmd, ticketListCmd, ticketShowCmd, ticketEvidenceCmd,
		ticketMoveCmd, ticketSignoffCmd, ticketRejectCmd, ticketUpdateCmd, ticketDeleteCmd)

	hostname, _ := os.Hostname()
	defaultActor := fmt.Sprintf("cli@%s", hostname)

	for _, c := range []*cobra.Command{ticketCreateCmd, ticketUpdateCmd} {
		c.Flags().StringVar(&ticketTitle, "title", "", "Ticket title")
		c.Flags().StringVar(&ticketType, "type", "", "Ticket type (default task)")
		c.Flags().IntVar(&ticketPriority, "priority", 3, "Priority, 1 is most urgent")
		c.Flags().StringVar(&ticketOwner, "owner", "", "Owner")
		c.Flags().StringVar(&ticketIntent, "intent", "", "Why the work matters")
		c.Flags().StringVar(&ticketClass, "wip-class", "", "WIP class (web_calls, db_reads, code_exec, human_review, general)")
		c.Flags().StringSliceVar(&ticketDone, "done", nil, "Definition of done item (repeatable)")
		c.Flags().StringSliceVar(&ticketPlan, "plan", nil, "Plan step (repeatable)")
	}
	ticketCreateCmd.Flags().StringVar(&ticketRequester, "requester", defaultActor, "Requester")
	ticketCreateCmd.MarkFlagRequired("title")

	ticketListCmd.Flags().StringVar(&filterStatus, "status", "", "Filter by status (queued, triage, ready, executing, blocked, review, done, dropped)")
	ticketListCmd.Flags().StringVar(&filterOwner, "owner", "", "Filter by owner")

	ticketShowCmd.Flags().BoolVar(&showAudit, "audit", false, "Also print the ticket's decision records")

	ticketEvidenceCmd.Flags().StringVar(&evidenceKind, "kind", "note", "Evidence kind")
	ticketEvidenceCmd.Flags().StringVar(&evidenceContent, "content", "", "Evidence content (required)")
	ticketEvidenceCmd.Flags().StringVar(&evidenceSource, "source", defaultActor, "Who observed it")
	ticketEvidenceCmd.Flags().Float64Var(&confidence, "confidence", 0, "Confidence between 0 and 1")
	ticketEvidenceCmd.MarkFlagRequired("content")

	ticketMoveCmd.Flags().StringVar(&actor, "by", defaultActor, "Actor recorded in history")
	ticketMoveCmd.Flags().StringVar(&reason, "reason", "", "Reason (required for dropped)")
	ticketMoveCmd.Flags().StringVar(&leaseHolder, "holder", "", "Lease holder (required for executing)")

	ticketSignoffCmd.Flags().StringVar(&notes, "notes", "", "Signoff notes")
	ticketSignoffCmd.Flags().Float64Var(&confidence, "confidence", 1, "Verification confidence between 0 and 1")

	ticketRejectCmd.Flags().StringVar(&reason, "reason", "", "Why the work is rejected (default \"Needs rework\")")
	ticketRejectCmd.Flags().StringVar(&leaseHolder, "holder", "", "Lease holder for the rework")
}

func ticketPath(id string, parts ...string) string {
	p := "/tickets/" + url.PathEscape(id)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

func decodeTicket(resp []byte) (*models.Ticket, error) {
	var t models.Ticket
	if err := json.Unmarshal(resp, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func runTicketCreate(cmd *cobra.Command, args []string) error {
	req := lifecycle.CreateRequest{
		Title:     ticketTitle,
		Type:      ticketType,
		Intent:    ticketIntent,
		Requester: ticketRequester,
		Owner:     ticketOwner,
		WIPClass:  models.WIPClass(ticketClass),
		Plan:      ticketPlan,
	}
	if cmd.Flags().Changed("priority") {
		req.Priority = &ticketPriority
	}
	for _, d := range ticketDone {
		req.DefinitionOfDone = append(req.DefinitionOfDone, models.DoneItem{Text: d})
	}

	resp, err := apiPost("/tickets", req)
	if err != nil {
		return err
	}
	t, err := decodeTicket(resp)
	if err != nil {
		return err
	}

	fmt.Printf("Created ticket: %s\n", t.ID)
	return nil
}

func runTicketList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if filterStatus != "" {
		q.Set("status", filterStatus)
	}
	if filterOwner != "" {
		q.Set("owner", filterOwner)
	}
	path := "/tickets"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var tickets []models.Ticket
	if err := json.Unmarshal(resp, &tickets); err != nil {
		return err
	}

	if len(tickets) == 0 {
		fmt.Println("No tickets found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tP\tTITLE\tSTATUS\tCLASS\tOWNER\tLEASE")
	for _, t := range tickets {
		lease := ""
		if t.LeaseHolder != nil {
			lease = *t.LeaseHolder
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Priority, truncate(t.Title, 40), t.Status, t.WIPClass, t.Owner, lease)
	}
	w.Flush()
	return nil
}

func runTicketShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet(ticketPath(args[0]))
	if err != nil {
		return err
	}
	t, err := decodeTicket(resp)
	if err != nil {
		return err
	}
	printTicket(t)

	if !showAudit {
		return nil
	}
	resp, err = apiGet(ticketPath(args[0], "decisions"))
	if err != nil {
		return err
	}
	var entries []models.PDREntry
	if err := json.Unmarshal(resp, &entries); err != nil {
		return err
	}
	printDecisions(entries)
	return nil
}

func printDecisions(entries []models.PDREntry) {
	fmt.Println("\nDecisions:")
	if len(entries) == 0 {
		fmt.Println("  none")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TIME\tACTION\tOUTCOME\tINPUTS\tDETAILS")
	for _, e := range entries {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format("2006-01-02 15:04:05"), e.Action, e.Outcome, truncate(e.InputsHash, 12), truncate(e.Details, 50))
	}
	w.Flush()
}

func printTicket(t *models.Ticket) {
	fmt.Printf("ID:        %s\n", t.ID)
	fmt.Printf("Title:     %s\n", t.Title)
	fmt.Printf("Type:      %s\n", t.Type)
	fmt.Printf("Priority:  %d\n", t.Priority)
	fmt.Printf("Status:    %s\n", t.Status)
	fmt.Printf("WIP Class: %s\n", t.WIPClass)
	fmt.Printf("Owner:     %s\n", t.Owner)
	if t.Intent != "" {
		fmt.Printf("Intent:    %s\n", t.Intent)
	}
	if t.LeaseHolder != nil && t.LeaseExpiresAt != nil {
		fmt.Printf("Lease:     %s until %s\n", *t.LeaseHolder, t.LeaseExpiresAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("Verified:  %s (%.2f)\n", t.Verification.Status, t.Verification.Confidence)
	fmt.Printf("Version:   %d\n", t.Version)
	fmt.Printf("Created:   %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated:   %s\n", t.UpdatedAt.Format("2006-01-02 15:04:05"))

	if len(t.DefinitionOfDone) > 0 {
		fmt.Println("\nDefinition of done:")
		for _, d := range t.DefinitionOfDone {
			mark := " "
			if d.Done {
				mark = "x"
			}
			fmt.Printf("  [%s] %s\n", mark, d.Text)
		}
	}

	if len(t.Evidence) > 0 {
		fmt.Println("\nEvidence:")
		for _, e := range t.Evidence {
			fmt.Printf("  %s  %-8s %s (%s)\n", e.Timestamp.Format("15:04:05"), e.Kind, truncate(e.Content, 60), e.Source)
		}
	}

	fmt.Println("\nHistory:")
	for _, h := range t.History {
		from := "-"
		if h.From != nil {
			from = string(*h.From)
		}
		line := fmt.Sprintf("  %s  %s -> %s by %s", h.Timestamp.Format("15:04:05"), from, h.To, h.By)
		if h.Reason != "" {
			line += ": " + h.Reason
		}
		fmt.Println(line)
	}
}

func runTicketEvidence(cmd *cobra.Command, args []string) error {
	req := lifecycle.EvidenceRequest{
		Kind:    evidenceKind,
		Content: evidenceContent,
		Source:  evidenceSource,
	}
	if cmd.Flags().Changed("confidence") {
		req.Confidence = &confidence
	}

	resp, err := apiPost(ticketPath(args[0], "evidence"), req)
	if err != nil {
		return err
	}
	t, err := decodeTicket(resp)
	if err != nil {
		return err
	}

	fmt.Printf("Ticket %s now has %d evidence entries\n", t.ID, len(t.Evidence))
	return nil
}

func runTicketMove(cmd *cobra.Command, args []string) error {
	req := lifecycle.TransitionRequest{
		To:          models.Status(args[1]),
		By:          actor,
		Reason:      reason,
		LeaseHolder: leaseHolder,
	}

	resp, err := apiPost(ticketPath(args[0], "transition"), req)
	if err != nil {
		return err
	}
	t, err := decodeTicket(resp)
	if err != nil {
		return err
	}

	fmt.Printf("Ticket %s is now %s\n", t.ID, t.Status)
	if t.LeaseHolder != nil && t.LeaseExpiresAt != nil {
		fmt.Printf("Leased to %s until %s\n", *t.LeaseHolder, t.LeaseExpiresAt.Format("15:04:05"))
	}
	return nil
}

func runTicketSignoff(cmd *cobra.Command, args []string) error {
	req := lifecycle.SignoffRequest{Notes: notes}
	if cmd.Flags().Changed("confidence") {
		req.Confidence = &confidence
	}

	resp, err := apiPost(ticketPath(args[0], "signoff"), req)
	if err != nil {
		return err
	}
	t, err := decodeTicket(resp)
	if err != nil {
		return err
	}

	fmt.Printf("Ticket %s signed off (%s)\n", t.ID, t.Status)
	return nil
}

func runTicketReject(cmd *cobra.Command, args []string) error {
	req := lifecycle.RejectRequest{Reason: reason, LeaseHolder: leaseHolder}

	resp, err := apiPost(ticketPath(args[0], "reject"), req)
	if err != nil {
		return err
	}
	t, err := decodeTicket(resp)
	if err != nil {
		return err
	}

	fmt.Printf("Ticket %s rejected, back to %s\n", t.ID, t.Status)
	return nil
}

func runTicketUpdate(cmd *cobra.Command, args []string) error {
	var patch lifecycle.Patch
	flags := cmd.Flags()
	if flags.Changed("title") {
		patch.Title = &ticketTitle
	}
	if flags.Changed("type") {
		patch.Type = &ticketType
	}
	if flags.Changed("priority") {
		patch.Priority = &ticketPriority
	}
	if flags.Changed("owner") {
		patch.Owner = &ticketOwner
	}
	if flags.Changed("intent") {
		patch.Intent = &ticketIntent
	}
	if flags.Changed("wip-class") {
		class := models.WIPClass(ticketClass)
		patch.WIPClass = &class
	}
	if flags.Changed("done") {
		items := make([]models.DoneItem, len(ticketDone))
		for i, d := range ticketDone {
			items[i] = models.DoneItem{Text: d}
		}
		patch.DefinitionOfDone = &items
	}
	if flags.Changed("plan") {
		patch.Plan = &ticketPlan
	}

	resp, err := apiPatch(ticketPath(args[0]), patch)
	if err != nil {
		return err
	}
	t, err := decodeTicket(resp)
	if err != nil {
		return err
	}

	fmt.Printf("Updated ticket %s (version %d)\n", t.ID, t.Version)
	return nil
}

func runTicketDelete(cmd *cobra.Command, args []string) error {
	if err := apiDelete(ticketPath(args[0])); err != nil {
		return err
	}
	fmt.Printf("Deleted ticket %s\n", args[0])
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/stats")
	if err != nil {
		return err
	}

	var stats models.Stats
	if err := json.Unmarshal(resp, &stats); err != nil {
		return err
	}

	fmt.Printf("Total tickets: %d\n\n", stats.Total)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tCOUNT\tAVG TIME")
	for _, s := range models.Statuses {
		avg := "-"
		if secs, ok := stats.AvgTimePerStateSeconds[s]; ok {
			avg = formatSeconds(secs)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", s, stats.ByStatus[s], avg)
	}
	w.Flush()

	fmt.Println()
	classes := make([]string, 0, len(stats.WIPUtilization))
	for c := range stats.WIPUtilization {
		classes = append(classes, string(c))
	}
	sort.Strings(classes)

	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WIP CLASS\tEXECUTING\tCAP")
	for _, c := range classes {
		u := stats.WIPUtilization[models.WIPClass(c)]
		fmt.Fprintf(w, "%s\t%d\t%d\n", c, u.Current, u.Max)
	}
	w.Flush()
	return nil
}

// --- Helpers ---

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func formatSeconds(secs int64) string {
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm%02ds", secs/60, secs%60)
	default:
		return fmt.Sprintf("%dh%02dm", secs/3600, (secs%3600)/60)
	}
}
