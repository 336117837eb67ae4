package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/taskrelay/internal/dispatch"
	"github.com/basket/taskrelay/internal/persistence"
	"github.com/basket/taskrelay/internal/recovery"
)

var (
	dispatchIssue string
	dispatchAll   bool
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch [agent]",
	Short: "Hand an idle agent its next ready task and run it",
	Long: `Claim the agent's next ready task (optionally only for one issue) and
run it headless in this process. With --all every active agent gets one
dispatch attempt. The command waits for the executions it started.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if dispatchAll && len(args) > 0 {
			return usageError{msg: "--all takes no agent argument"}
		}
		if !dispatchAll && len(args) != 1 {
			return usageError{msg: "dispatch needs exactly one agent name, or --all"}
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			var results []dispatch.Result
			if dispatchAll {
				results = a.coord.Sweep(ctx)
			} else {
				res, err := a.coord.Dispatch(ctx, args[0], strings.TrimSpace(dispatchIssue))
				if err != nil {
					return err
				}
				results = []dispatch.Result{res}
			}
			w := cmd.OutOrStdout()
			if jsonMode(w) {
				return writeJSON(w, map[string]any{"results": results})
			}
			for _, res := range results {
				if res.Success {
					fmt.Fprintf(w, "%s %s <- %s %s\n", successColor("✓"), res.Agent, res.TaskID, truncate(res.Summary, 60))
				} else {
					fmt.Fprintf(w, "%s %s: %s\n", subtleColor("-"), res.Agent, res.Reason)
				}
			}
			return nil
		})
	},
}

var orphansCmd = &cobra.Command{
	Use:   "orphans",
	Short: "Inspect and resolve executions left in progress",
	Long: `Orphans are agent responses still marked in progress with no process
running them, usually after a crash or restart. They keep their agent busy
until an operator resolves them.

While the daemon runs, prefer GET /api/orphans: this command cannot see
which responses the daemon is still executing.`,
}

var orphansListCmd = &cobra.Command{
	Use:   "list",
	Short: "List orphaned responses, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			reports, err := a.scanner.ListOrphaned(ctx)
			if err != nil {
				return err
			}
			return printOrphans(cmd, reports)
		})
	},
}

var orphansResolveCmd = &cobra.Command{
	Use:   "resolve <response-id> <complete|reset|ignore>",
	Short: "Apply an operator decision to an orphaned response",
	Long: `complete  close the response and mark its task completed
reset     close the response and return its task to pending
ignore    close the response and leave its task as it is`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		action := persistence.OrphanAction(strings.ToLower(args[1]))
		if !action.Valid() {
			return usageError{msg: fmt.Sprintf("unknown action %q (want complete, reset or ignore)", args[1])}
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if daemonAnswers(ctx, a.cfg.BindAddr) {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s a daemon is running at %s; this command cannot tell whether it is still executing %s. Prefer POST /api/orphans/%s/resolve.\n",
					warnColor("!"), a.cfg.BindAddr, args[0], args[0])
			}
			res, err := a.scanner.Resolve(ctx, args[0], action)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if jsonMode(w) {
				return writeJSON(w, res)
			}
			if !res.Changed {
				fmt.Fprintf(w, "%s response %s was already closed (%s)\n", subtleColor("-"), res.Response.ID, orDash(res.Response.Resolution))
				return nil
			}
			line := fmt.Sprintf("%s response %s %s", successColor("✓"), res.Response.ID, res.Response.Resolution)
			if res.Task != nil {
				line += fmt.Sprintf("; task %s %s", res.Task.ID, colorStatus(res.Task.Status))
			}
			fmt.Fprintln(w, line)
			return nil
		})
	},
}

func printOrphans(cmd *cobra.Command, reports []recovery.OrphanReport) error {
	w := cmd.OutOrStdout()
	if jsonMode(w) {
		return writeJSON(w, map[string]any{"orphans": reports})
	}
	if len(reports) == 0 {
		fmt.Fprintln(w, subtleColor("no orphaned responses"))
		return nil
	}
	tw := newTable(w, "RESPONSE", "AGENT", "TASK", "ISSUE", "EXTERNAL", "AGE", "SUMMARY")
	for _, r := range reports {
		age := time.Since(r.StartedAt).Truncate(time.Second)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.AgentResponseID, r.AgentName, orDash(r.TaskID), orDash(r.IssueRef),
			orDash(r.ExternalState), age, truncate(r.Summary, 50))
	}
	return tw.Flush()
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List registered agents and whether they are busy",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			agents, err := a.registry.List(ctx)
			if err != nil {
				return err
			}
			type row struct {
				persistence.Agent
				Busy bool `json:"busy"`
			}
			rows := make([]row, 0, len(agents))
			for _, ag := range agents {
				busy, err := a.store.IsAgentBusy(ctx, ag.Name)
				if err != nil {
					return err
				}
				rows = append(rows, row{Agent: ag, Busy: busy})
			}
			w := cmd.OutOrStdout()
			if jsonMode(w) {
				return writeJSON(w, map[string]any{"agents": rows})
			}
			tw := newTable(w, "NAME", "LABEL", "ACTIVE", "STATE")
			for _, r := range rows {
				active, state := successColor("yes"), successColor("idle")
				if !r.IsActive {
					active = subtleColor("no")
				}
				if r.Busy {
					state = warnColor("busy")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, r.Label, active, state)
			}
			return tw.Flush()
		})
	},
}

func init() {
	dispatchCmd.Flags().StringVar(&dispatchIssue, "issue", "", "only claim a task for this issue reference")
	dispatchCmd.Flags().BoolVar(&dispatchAll, "all", false, "one dispatch attempt for every active agent")

	orphansCmd.AddCommand(orphansListCmd, orphansResolveCmd)
}
