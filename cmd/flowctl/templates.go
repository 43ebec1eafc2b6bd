package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var tplOutputJSON bool

func init() {
	rootCmd.AddCommand(templatesCmd)
	templatesCmd.Flags().BoolVar(&tplOutputJSON, "json", false, "Output results as JSON")
}

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List workflow templates",
	Long: `List the workflow templates the server accepts for submission.

Phases joined by + run in parallel within one stage.

Examples:
  # List templates
  flowctl templates

  # Output as JSON
  flowctl templates --json`,
	RunE: runTemplates,
}

// TemplateView matches internal/engine TemplateView
type TemplateView struct {
	ID     string     `json:"id"`
	Stages [][]string `json:"stages"`
}

// TemplatesResponse matches internal/http/types.go TemplatesResponse
type TemplatesResponse struct {
	Templates []TemplateView `json:"templates"`
}

// runTemplates handles the templates command
func runTemplates(cmd *cobra.Command, args []string) error {
	var list TemplatesResponse
	if err := getJSON("/v1/templates", &list, 10*time.Second); err != nil {
		return err
	}

	if tplOutputJSON {
		return outputJSON(list)
	}

	if len(list.Templates) == 0 {
		fmt.Println("No templates found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTAGES")
	for _, tpl := range list.Templates {
		fmt.Fprintf(w, "%s\t%s\n", tpl.ID, formatStages(tpl.Stages))
	}
	w.Flush()

	return nil
}

// formatStages renders a staged plan as "Plan -> A+B -> Review".
func formatStages(stages [][]string) string {
	parts := make([]string, 0, len(stages))
	for _, stage := range stages {
		parts = append(parts, strings.Join(stage, "+"))
	}
	return strings.Join(parts, " -> ")
}
