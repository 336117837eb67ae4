// Command orphan_crash_drill checks that a dispatch left behind by a killed
// process surfaces as an orphan and that a reset frees the agent again.
//
//	orphan_crash_drill -mode prepare -db /tmp/drill.db
//	orphan_crash_drill -mode claim-sleep -db /tmp/drill.db &  # then kill -9 it
//	orphan_crash_drill -mode recover -db /tmp/drill.db
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/taskrelay/internal/persistence"
)

const drillAgent = "drill-agent"

func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch *mode {
	case "prepare":
		if err := store.UpsertAgent(ctx, persistence.Agent{Name: drillAgent, Label: "Drill", IsActive: true}); err != nil {
			fail("upsert agent", err)
		}
		task, _, err := store.CreateTask(ctx, persistence.NewTask{
			Summary:     "orphan crash drill",
			TargetAgent: drillAgent,
		})
		if err != nil {
			fail("create task", err)
		}
		fmt.Printf("PREPARED_TASK_ID=%s\n", task.ID)
	case "claim-sleep":
		res, err := store.ClaimNextTask(ctx, drillAgent, "", nil)
		if err != nil {
			fail("claim task", err)
		}
		if res.Task == nil {
			fmt.Fprintf(os.Stderr, "no claimable task: %s\n", res.Reason)
			os.Exit(1)
		}
		fmt.Printf("CLAIMED_TASK_ID=%s\n", res.Task.ID)
		fmt.Printf("RESPONSE_ID=%s\n", res.Response.ID)
		for {
			time.Sleep(1 * time.Second)
		}
	case "recover":
		busy, err := store.IsAgentBusy(ctx, drillAgent)
		if err != nil {
			fail("busy check", err)
		}
		orphans, err := store.ListOrphanedResponses(ctx, nil)
		if err != nil {
			fail("list orphans", err)
		}
		fmt.Printf("AGENT_BUSY=%t ORPHANS=%d\n", busy, len(orphans))
		if !busy || len(orphans) != 1 {
			fmt.Println("VERDICT FAIL: expected exactly one orphan holding the agent busy")
			os.Exit(1)
		}
		res, err := store.ResolveOrphan(ctx, orphans[0].Response.ID, persistence.OrphanActionReset)
		if err != nil {
			fail("resolve orphan", err)
		}
		busy, err = store.IsAgentBusy(ctx, drillAgent)
		if err != nil {
			fail("busy check", err)
		}
		status := persistence.TaskStatus("")
		if res.Task != nil {
			status = res.Task.Status
		}
		fmt.Printf("TASK_STATUS=%s AGENT_BUSY=%t\n", status, busy)
		if busy || status != persistence.TaskStatusPending {
			fmt.Println("VERDICT FAIL: reset must free the agent and requeue the task")
			os.Exit(1)
		}
		fmt.Println("VERDICT PASS")
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}

func fail(step string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", step, err)
	os.Exit(1)
}
