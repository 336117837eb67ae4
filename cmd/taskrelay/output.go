package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/taskrelay/internal/persistence"
)

var jsonOutput bool

var (
	errorColor   = color.New(color.FgRed, color.Bold).SprintFunc()
	headerColor  = color.New(color.Bold).SprintFunc()
	subtleColor  = color.New(color.Faint).SprintFunc()
	successColor = color.New(color.FgGreen).SprintFunc()
	warnColor    = color.New(color.FgYellow).SprintFunc()
)

var statusColors = map[persistence.TaskStatus]*color.Color{
	persistence.TaskStatusPending:   color.New(color.FgYellow),
	persistence.TaskStatusApproved:  color.New(color.FgCyan),
	persistence.TaskStatusSent:      color.New(color.FgBlue),
	persistence.TaskStatusCompleted: color.New(color.FgGreen),
	persistence.TaskStatusFailed:    color.New(color.FgRed),
	persistence.TaskStatusBlocked:   color.New(color.FgMagenta),
	persistence.TaskStatusCancelled: color.New(color.Faint),
}

// jsonMode reports whether w gets JSON: on --json, or when stdout is piped.
func jsonMode(w io.Writer) bool {
	if jsonOutput {
		return true
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func colorStatus(s persistence.TaskStatus) string {
	if c, ok := statusColors[s]; ok {
		return c.Sprint(string(s))
	}
	return string(s)
}

func shortTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newTable(w io.Writer, headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for i, h := range headers {
		headers[i] = headerColor(h)
	}
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	return tw
}

func printTasks(w io.Writer, tasks []persistence.Task) error {
	if jsonMode(w) {
		return writeJSON(w, map[string]any{"tasks": tasks, "count": len(tasks)})
	}
	if len(tasks) == 0 {
		fmt.Fprintln(w, subtleColor("no tasks"))
		return nil
	}
	tw := newTable(w, "ID", "STATUS", "TARGET", "FROM", "ISSUE", "CREATED", "SUMMARY")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, colorStatus(t.Status), orDash(t.TargetAgent), orDash(t.CreatedByAgent),
			orDash(t.IssueRef), shortTime(t.CreatedAt), truncate(t.Summary, 60))
	}
	return tw.Flush()
}

func printTask(w io.Writer, t *persistence.Task) error {
	if jsonMode(w) {
		return writeJSON(w, t)
	}
	approval := "no"
	if t.RequiresApproval {
		approval = "yes"
		if t.ApprovedAt != nil {
			approval = "yes (approved " + shortTime(*t.ApprovedAt) + ")"
		}
	}
	fmt.Fprintf(w, "%s %s\n", headerColor("Task"), t.ID)
	fmt.Fprintf(w, "  status:    %s\n", colorStatus(t.Status))
	fmt.Fprintf(w, "  target:    %s\n", orDash(t.TargetAgent))
	fmt.Fprintf(w, "  from:      %s\n", orDash(t.CreatedByAgent))
	fmt.Fprintf(w, "  issue:     %s\n", orDash(t.IssueRef))
	fmt.Fprintf(w, "  approval:  %s\n", approval)
	fmt.Fprintf(w, "  created:   %s\n", shortTime(t.CreatedAt))
	if t.SentAt != nil {
		fmt.Fprintf(w, "  sent:      %s\n", shortTime(*t.SentAt))
	}
	if t.CompletedAt != nil {
		fmt.Fprintf(w, "  completed: %s\n", shortTime(*t.CompletedAt))
	}
	fmt.Fprintf(w, "\n%s\n", t.Summary)
	if t.Result != "" {
		fmt.Fprintf(w, "\n%s\n%s\n", headerColor("Result"), t.Result)
	}
	return nil
}

// withApp opens the engine quietly for one CLI command. When the command
// started executions (a dispatch, or the auto-dispatch after a completion),
// it waits for them before closing.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, appOptions{Quiet: true})
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	if n := a.coord.Status().InFlight; n > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s waiting for %d execution(s); Ctrl-C leaves them for orphan recovery\n", warnColor("~"), n)
		if !a.Wait(ctx) {
			return runErr
		}
	}
	a.Close()
	return runErr
}
