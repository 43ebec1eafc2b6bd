package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	// session command flags
	sessTemplate   string
	sessPayload    []string
	sessWait       bool
	sessAfterSeq   uint64
	sessLimit      int
	sessOutputJSON bool
)

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(auditCmd)

	submitCmd.Flags().StringVar(&sessTemplate, "template", "", "Workflow template ID (required)")
	submitCmd.Flags().StringArrayVar(&sessPayload, "payload", nil, "Payload entry as key=value (repeatable; values may be JSON)")
	submitCmd.Flags().BoolVar(&sessWait, "wait", false, "Poll until the session reaches a terminal state")
	submitCmd.Flags().BoolVar(&sessOutputJSON, "json", false, "Output results as JSON")
	_ = submitCmd.MarkFlagRequired("template")

	statusCmd.Flags().BoolVar(&sessOutputJSON, "json", false, "Output results as JSON")

	auditCmd.Flags().Uint64Var(&sessAfterSeq, "after-seq", 0, "Return only events with seq greater than this")
	auditCmd.Flags().IntVar(&sessLimit, "limit", 0, "Maximum number of events to return (server default 100)")
	auditCmd.Flags().BoolVar(&sessOutputJSON, "json", false, "Output results as JSON")
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new workflow session",
	Long: `Submit a new workflow session built from a template.

Examples:
  # Submit a hotfix session
  flowctl submit --template hotfix --payload goal="fix login timeout"

  # Payload values parse as JSON when possible
  flowctl submit --template feature --payload goal="ship search" --payload priority=2

  # Submit and wait for the terminal state
  flowctl submit --template feature --payload goal="ship search" --wait`,
	RunE: runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show session status",
	Long: `Show the current state of a session, its phases, and any recommendations.

Examples:
  # Show a session
  flowctl status 6b3f2c1a-8d4e-4f5a-9c7b-2e1d0a9f8c7d

  # Output as JSON
  flowctl status 6b3f2c1a-8d4e-4f5a-9c7b-2e1d0a9f8c7d --json`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel a running session",
	Long: `Request cancellation of a planning or running session.

Cancellation is asynchronous: the session transitions to blocked once the
in-flight phase observes the cancel.

Examples:
  # Cancel a session
  flowctl cancel 6b3f2c1a-8d4e-4f5a-9c7b-2e1d0a9f8c7d`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

var auditCmd = &cobra.Command{
	Use:   "audit <session-id>",
	Short: "Export a session audit trail",
	Long: `Export the append-only audit trail of a session.

Events page by sequence number; resume with --after-seq from the previous
page's next_seq.

Examples:
  # Full trail
  flowctl audit 6b3f2c1a-8d4e-4f5a-9c7b-2e1d0a9f8c7d

  # Page through a long trail
  flowctl audit 6b3f2c1a-8d4e-4f5a-9c7b-2e1d0a9f8c7d --limit 50
  flowctl audit 6b3f2c1a-8d4e-4f5a-9c7b-2e1d0a9f8c7d --limit 50 --after-seq 50`,
	Args: cobra.ExactArgs(1),
	RunE: runAudit,
}

// SubmitRequest matches internal/http/types.go SubmitRequest
type SubmitRequest struct {
	Template string         `json:"template"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// SubmitResponse matches internal/http/types.go SubmitResponse
type SubmitResponse struct {
	SessionID string `json:"session_id"`
}

// CancelResponse matches internal/http/types.go CancelResponse
type CancelResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// Session matches internal/engine Status
type Session struct {
	SessionID       string           `json:"session_id"`
	Template        string           `json:"template"`
	State           string           `json:"state"`
	CurrentPhase    string           `json:"current_phase,omitempty"`
	BlockedReason   string           `json:"blocked_reason,omitempty"`
	Phases          []Phase          `json:"phases"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

// Phase matches internal/engine Phase
type Phase struct {
	Name       string `json:"name"`
	Capability string `json:"capability"`
	Status     string `json:"status"`
	Retries    int    `json:"retries"`
	MaxRetries int    `json:"max_retries"`
	Reason     string `json:"reason,omitempty"`
}

// Recommendation matches internal/pattern Recommendation
type Recommendation struct {
	Pattern    string  `json:"pattern"`
	Confidence float64 `json:"confidence"`
	Capability string  `json:"capability"`
	Priority   string  `json:"priority"`
	Reason     string  `json:"reason,omitempty"`
}

// AuditEvent matches internal/audit Event
type AuditEvent struct {
	Seq            uint64    `json:"seq"`
	SessionID      string    `json:"session_id"`
	Type           string    `json:"type"`
	Template       string    `json:"template,omitempty"`
	Phase          string    `json:"phase,omitempty"`
	From           string    `json:"from,omitempty"`
	To             string    `json:"to,omitempty"`
	Retry          int       `json:"retry,omitempty"`
	Specialist     string    `json:"specialist,omitempty"`
	Cause          string    `json:"cause,omitempty"`
	Score          float64   `json:"score,omitempty"`
	FailedCriteria []string  `json:"failed_criteria,omitempty"`
	At             time.Time `json:"at"`
}

// AuditResponse matches internal/http/types.go AuditResponse
type AuditResponse struct {
	SessionID string       `json:"session_id"`
	Events    []AuditEvent `json:"events"`
	NextSeq   uint64       `json:"next_seq"`
}

// runSubmit handles the submit command
func runSubmit(cmd *cobra.Command, args []string) error {
	payload, err := parsePayload(sessPayload)
	if err != nil {
		return err
	}

	var submitted SubmitResponse
	req := SubmitRequest{Template: sessTemplate, Payload: payload}
	if err := postJSON("/v1/sessions", req, &submitted, http.StatusCreated); err != nil {
		return err
	}

	if !sessWait {
		if sessOutputJSON {
			return outputJSON(submitted)
		}
		fmt.Printf("Session submitted\n")
		fmt.Printf("ID: %s\n", submitted.SessionID)
		fmt.Printf("Template: %s\n", sessTemplate)
		return nil
	}

	final, err := waitTerminal(submitted.SessionID)
	if err != nil {
		return err
	}
	if sessOutputJSON {
		return outputJSON(final)
	}
	printSession(final)
	return nil
}

// waitTerminal polls session status until a terminal state, reporting phase
// transitions on stderr.
func waitTerminal(sessionID string) (*Session, error) {
	var lastPhase, lastState string
	for {
		var s Session
		if err := getJSON("/v1/sessions/"+sessionID, &s, 10*time.Second); err != nil {
			return nil, err
		}

		if s.State != lastState || s.CurrentPhase != lastPhase {
			lastState, lastPhase = s.State, s.CurrentPhase
			if s.CurrentPhase != "" {
				fmt.Fprintf(os.Stderr, "[flowctl] state=%s phase=%s\n", s.State, s.CurrentPhase)
			} else {
				fmt.Fprintf(os.Stderr, "[flowctl] state=%s\n", s.State)
			}
		}

		if isTerminalState(s.State) {
			return &s, nil
		}
		time.Sleep(time.Second)
	}
}

func isTerminalState(state string) bool {
	switch state {
	case "completed", "blocked", "failed":
		return true
	}
	return false
}

// runStatus handles the status command
func runStatus(cmd *cobra.Command, args []string) error {
	var s Session
	if err := getJSON("/v1/sessions/"+url.PathEscape(args[0]), &s, 10*time.Second); err != nil {
		return err
	}

	if sessOutputJSON {
		return outputJSON(s)
	}
	printSession(&s)
	return nil
}

// printSession renders one session in human-readable form.
func printSession(s *Session) {
	fmt.Printf("Session: %s\n", s.SessionID)
	fmt.Printf("Template: %s\n", s.Template)
	fmt.Printf("State: %s\n", s.State)
	if s.CurrentPhase != "" {
		fmt.Printf("Current Phase: %s\n", s.CurrentPhase)
	}
	if s.BlockedReason != "" {
		fmt.Printf("Blocked: %s\n", s.BlockedReason)
	}
	fmt.Printf("Created: %s\n", s.CreatedAt.Format("2006-01-02 15:04:05"))
	if s.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", s.CompletedAt.Format("2006-01-02 15:04:05"))
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PHASE\tCAPABILITY\tSTATUS\tRETRIES\tREASON")
	for _, p := range s.Phases {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
			p.Name, p.Capability, p.Status, p.Retries, p.MaxRetries, truncate(p.Reason, 48))
	}
	w.Flush()

	if len(s.Recommendations) > 0 {
		fmt.Println()
		fmt.Println("Recommendations:")
		for _, r := range s.Recommendations {
			fmt.Printf("  [%s] %s (%s, confidence %.2f)\n", r.Priority, r.Pattern, r.Capability, r.Confidence)
		}
	}
}

// runCancel handles the cancel command
func runCancel(cmd *cobra.Command, args []string) error {
	var cancelled CancelResponse
	path := "/v1/sessions/" + url.PathEscape(args[0]) + "/cancel"
	if err := postJSON(path, nil, &cancelled, http.StatusAccepted); err != nil {
		return err
	}

	fmt.Printf("Cancellation requested\n")
	fmt.Printf("ID: %s\n", cancelled.SessionID)
	fmt.Printf("Status: %s\n", cancelled.Status)
	return nil
}

// runAudit handles the audit command
func runAudit(cmd *cobra.Command, args []string) error {
	query := url.Values{}
	if sessAfterSeq > 0 {
		query.Set("after_seq", strconv.FormatUint(sessAfterSeq, 10))
	}
	if sessLimit > 0 {
		query.Set("limit", strconv.Itoa(sessLimit))
	}

	path := "/v1/sessions/" + url.PathEscape(args[0]) + "/audit"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var trail AuditResponse
	if err := getJSON(path, &trail, 10*time.Second); err != nil {
		return err
	}

	if sessOutputJSON {
		return outputJSON(trail)
	}

	if len(trail.Events) == 0 {
		fmt.Println("No events found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tTYPE\tPHASE\tDETAIL")
	for _, e := range trail.Events {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			e.Seq, e.At.Format("15:04:05.000"), e.Type, e.Phase, formatEventDetail(e))
	}
	w.Flush()

	fmt.Printf("\nNext seq: %d\n", trail.NextSeq)
	return nil
}

// formatEventDetail summarizes the variant fields of one audit event.
func formatEventDetail(e AuditEvent) string {
	switch {
	case e.From != "" || e.To != "":
		return fmt.Sprintf("%s -> %s", e.From, e.To)
	case len(e.FailedCriteria) > 0:
		return fmt.Sprintf("score=%.2f failed=%s", e.Score, strings.Join(e.FailedCriteria, ","))
	case e.Cause != "":
		return truncate(e.Cause, 60)
	case e.Specialist != "":
		if e.Retry > 0 {
			return fmt.Sprintf("%s retry=%d", e.Specialist, e.Retry)
		}
		return e.Specialist
	default:
		return ""
	}
}

// parsePayload converts repeated key=value flags into a payload map. Values
// that parse as JSON keep their type; everything else passes through as a
// string.
func parsePayload(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	payload := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid payload entry %q (want key=value)", pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		payload[key] = value
	}
	return payload, nil
}
