package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/taskrelay/internal/lifecycle"
	"github.com/basket/taskrelay/internal/persistence"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create and move tasks through their lifecycle",
}

var (
	createTo       string
	createFrom     string
	createIssue    string
	createApproval bool

	completeOutcome string
	completeResult  string

	listStatus string
	listAgent  string
	listLimit  int
)

var taskCreateCmd = &cobra.Command{
	Use:   "create <content...>",
	Short: "Queue a task for an agent",
	Long: `Queue a task. The first line of the content becomes its summary. A
task for the same issue and target agent that already finished is reopened
instead of duplicated.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.manager.Create(ctx, lifecycle.CreateRequest{
				SourceAgent:      createFrom,
				TargetAgent:      createTo,
				Content:          strings.Join(args, " "),
				RequiresApproval: createApproval,
				IssueRef:         createIssue,
			})
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if jsonMode(w) {
				return writeJSON(w, res)
			}
			verb := "created"
			if res.Reopened {
				verb = "reopened"
			}
			fmt.Fprintf(w, "%s %s task %s (%s)\n", successColor("✓"), verb, res.Task.ID, colorStatus(res.Task.Status))
			return nil
		})
	},
}

var taskApproveCmd = &cobra.Command{
	Use:   "approve <task-id>",
	Short: "Approve a task that requires human approval",
	Args:  cobra.ExactArgs(1),
	RunE: transitionCommand("approved", func(ctx context.Context, a *app, id string) (*persistence.Task, error) {
		return a.manager.Approve(ctx, id)
	}),
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a pending or approved task",
	Args:  cobra.ExactArgs(1),
	RunE: transitionCommand("cancelled", func(ctx context.Context, a *app, id string) (*persistence.Task, error) {
		return a.manager.Cancel(ctx, id)
	}),
}

var taskReopenCmd = &cobra.Command{
	Use:   "reopen <task-id>",
	Short: "Move a finished task back to pending",
	Args:  cobra.ExactArgs(1),
	RunE: transitionCommand("reopened", func(ctx context.Context, a *app, id string) (*persistence.Task, error) {
		return a.manager.Reopen(ctx, id)
	}),
}

var taskCompleteCmd = &cobra.Command{
	Use:   "complete <task-id>",
	Short: "Record the outcome of a sent task",
	Long: `Record the outcome of a sent task. A completed outcome immediately
dispatches the agent's next ready task; the command then waits for that
execution unless interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			outcome := persistence.TaskStatus(strings.ToLower(strings.TrimSpace(completeOutcome)))
			res, err := a.manager.CompleteWithResult(ctx, args[0], completeResult, outcome)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if jsonMode(w) {
				return writeJSON(w, res)
			}
			fmt.Fprintf(w, "%s task %s %s\n", successColor("✓"), res.Task.ID, colorStatus(res.Task.Status))
			if next := res.Next; next != nil {
				if next.Success {
					fmt.Fprintf(w, "  next: dispatched %s to %s\n", next.TaskID, next.Agent)
				} else {
					fmt.Fprintf(w, "  next: %s\n", subtleColor(next.Reason))
				}
			}
			return nil
		})
	},
}

var taskNotifyCmd = &cobra.Command{
	Use:   "notify <task-id>",
	Short: "Mark a ready task as announced and print its prompt",
	Args:  cobra.ExactArgs(1),
	RunE: promptCommand(func(ctx context.Context, a *app, id string) (string, error) {
		return a.manager.Notify(ctx, id)
	}),
}

var taskAcceptCmd = &cobra.Command{
	Use:   "accept <task-id>",
	Short: "Take a ready task as its agent and print its prompt",
	Args:  cobra.ExactArgs(1),
	RunE: promptCommand(func(ctx context.Context, a *app, id string) (string, error) {
		return a.manager.Accept(ctx, id)
	}),
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if listLimit < 0 {
			return usageError{msg: "--limit must not be negative"}
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			tasks, err := a.manager.List(ctx, persistence.TaskFilter{
				Status:      persistence.TaskStatus(strings.ToLower(listStatus)),
				TargetAgent: listAgent,
				Limit:       listLimit,
			})
			if err != nil {
				return err
			}
			return printTasks(cmd.OutOrStdout(), tasks)
		})
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a task with its event ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			task, err := a.manager.Get(ctx, args[0])
			if err != nil {
				return err
			}
			events, err := a.manager.Events(ctx, task.ID)
			if err != nil {
				return err
			}
			sends, err := a.store.ListTaskSends(ctx, task.ID)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if jsonMode(w) {
				return writeJSON(w, map[string]any{"task": task, "events": events, "sends": sends})
			}
			if err := printTask(w, task); err != nil {
				return err
			}
			fmt.Fprintf(w, "\n%s\n", headerColor("Events"))
			tw := newTable(w, "AT", "EVENT", "FROM", "TO")
			for _, ev := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", shortTime(ev.CreatedAt), ev.EventType, orDash(string(ev.StateFrom)), ev.StateTo)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if len(sends) > 0 {
				fmt.Fprintf(w, "\n%s\n", headerColor("Deliveries"))
				tw = newTable(w, "AT", "AGENT", "METHOD")
				for _, s := range sends {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", shortTime(s.SentAt), s.AgentID, s.DeliveryMethod)
				}
				return tw.Flush()
			}
			return nil
		})
	},
}

func transitionCommand(verb string, fn func(ctx context.Context, a *app, id string) (*persistence.Task, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			task, err := fn(ctx, a, args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if jsonMode(w) {
				return writeJSON(w, task)
			}
			fmt.Fprintf(w, "%s task %s %s (%s)\n", successColor("✓"), task.ID, verb, colorStatus(task.Status))
			return nil
		})
	}
}

func promptCommand(fn func(ctx context.Context, a *app, id string) (string, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			text, err := fn(ctx, a, args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if jsonMode(w) {
				return writeJSON(w, map[string]string{"task_id": args[0], "prompt": text})
			}
			fmt.Fprint(w, text)
			if !strings.HasSuffix(text, "\n") {
				fmt.Fprintln(w)
			}
			return nil
		})
	}
}

func init() {
	taskCreateCmd.Flags().StringVar(&createTo, "to", "", "target agent")
	taskCreateCmd.Flags().StringVar(&createFrom, "from", "", "creating agent")
	taskCreateCmd.Flags().StringVar(&createIssue, "issue", "", "issue reference (owner/repo#12)")
	taskCreateCmd.Flags().BoolVar(&createApproval, "approval", false, "hold the task until a human approves it")

	taskCompleteCmd.Flags().StringVar(&completeOutcome, "outcome", string(persistence.TaskStatusCompleted), "completed, failed or blocked")
	taskCompleteCmd.Flags().StringVar(&completeResult, "result", "", "result summary")

	taskListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	taskListCmd.Flags().StringVar(&listAgent, "agent", "", "filter by target agent")
	taskListCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum tasks to show (0 for all)")

	taskCmd.AddCommand(taskCreateCmd, taskApproveCmd, taskCancelCmd, taskReopenCmd,
		taskCompleteCmd, taskNotifyCmd, taskAcceptCmd, taskListCmd, taskShowCmd)
}
