package gateway_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/taskrelay/internal/agent"
	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/config"
	"github.com/basket/taskrelay/internal/dispatch"
	"github.com/basket/taskrelay/internal/executor"
	"github.com/basket/taskrelay/internal/gateway"
	"github.com/basket/taskrelay/internal/lifecycle"
	"github.com/basket/taskrelay/internal/persistence"
	"github.com/basket/taskrelay/internal/recovery"
)

const testToken = "test-token-0123456789"

type harness struct {
	ts    *httptest.Server
	store *persistence.Store
	bus   *bus.Bus
	coord *dispatch.Coordinator
	exec  *parkedExec
}

// parkedExec holds every execution until the test ends.
type parkedExec struct {
	release chan struct{}
	once    sync.Once
}

func (p *parkedExec) Execute(ctx context.Context, req executor.Request) (executor.Result, error) {
	select {
	case <-p.release:
		return executor.Result{Output: "done"}, nil
	case <-ctx.Done():
		return executor.Result{}, ctx.Err()
	}
}

func (p *parkedExec) Release() { p.once.Do(func() { close(p.release) }) }

func newHarness(t *testing.T, opts ...func(*gateway.Config)) *harness {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "taskrelay.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg := agent.NewRegistry(store, nil)
	if err := reg.Sync(context.Background(), []config.AgentConfig{
		{Name: "claude", Label: "Claude Code", Command: []string{"claude", "-p"}},
		{Name: "opencode", Label: "OpenCode", Command: []string{"opencode", "run"}},
	}); err != nil {
		t.Fatalf("sync agents: %v", err)
	}

	exec := &parkedExec{release: make(chan struct{})}
	coord := dispatch.New(store, reg, exec, nil, dispatch.Config{WorkerCount: 2, Bus: b})
	mgr := lifecycle.NewManager(store, reg, coord, nil, nil)
	coord.SetCompleter(mgr)
	coord.Start(context.Background())
	t.Cleanup(func() {
		exec.Release()
		coord.Drain(2 * time.Second)
	})
	scanner := recovery.New(store, coord, nil, nil, recovery.Config{Bus: b})

	cfg := gateway.Config{
		Store:      store,
		Lifecycle:  mgr,
		Dispatcher: coord,
		Recovery:   scanner,
		Registry:   reg,
		Bus:        b,
		AuthToken:  testToken,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	ts := httptest.NewServer(gateway.New(cfg).Handler())
	t.Cleanup(ts.Close)
	return &harness{ts: ts, store: store, bus: b, coord: coord, exec: exec}
}

func (h *harness) do(method, path, token string, body io.Reader) *http.Response {
	req, err := http.NewRequest(method, h.ts.URL+path, body)
	if err != nil {
		panic(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	return resp
}

// call performs an authenticated request and decodes the JSON reply into out.
func (h *harness) call(t *testing.T, method, path, body string, wantStatus int, out any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	resp := h.do(method, path, testToken, r)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s: expected %d, got %d: %s", method, path, wantStatus, resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("%s %s: decode %s: %v", method, path, raw, err)
		}
	}
}

func TestAPI_ApprovalRoundTrip(t *testing.T) {
	h := newHarness(t)

	var created lifecycle.CreateResult
	h.call(t, http.MethodPost, "/api/tasks",
		`{"source_agent":"opencode","target_agent":"claude","content":"review PR 18","requires_approval":true,"issue_ref":"acme/api#18"}`,
		http.StatusCreated, &created)
	id := created.Task.ID
	if created.Task.Status != persistence.TaskStatusPending || !created.Task.RequiresApproval {
		t.Fatalf("unexpected task %+v", created.Task)
	}

	var res dispatch.Result
	h.call(t, http.MethodPost, "/api/agents/claude/dispatch", "", http.StatusOK, &res)
	if res.Success || res.Reason != persistence.ReasonNotApproved {
		t.Fatalf("expected not_approved, got %+v", res)
	}

	var approved persistence.Task
	h.call(t, http.MethodPost, "/api/tasks/"+id+"/approve", "", http.StatusOK, &approved)
	if approved.Status != persistence.TaskStatusApproved || approved.ApprovedAt == nil {
		t.Fatalf("unexpected approved task %+v", approved)
	}

	h.call(t, http.MethodPost, "/api/agents/claude/dispatch", `{"issue_ref":"acme/api#18"}`, http.StatusAccepted, &res)
	if !res.Success || res.TaskID != id || res.ResponseID == "" {
		t.Fatalf("expected successful dispatch, got %+v", res)
	}

	var agents struct {
		Agents []struct {
			Name string `json:"name"`
			Busy bool   `json:"busy"`
		} `json:"agents"`
	}
	h.call(t, http.MethodGet, "/api/agents", "", http.StatusOK, &agents)
	busy := map[string]bool{}
	for _, a := range agents.Agents {
		busy[a.Name] = a.Busy
	}
	if !busy["claude"] || busy["opencode"] {
		t.Fatalf("unexpected busy flags %+v", agents.Agents)
	}

	var done lifecycle.CompletionResult
	h.call(t, http.MethodPost, "/api/tasks/"+id+"/complete", `{"result":"LGTM"}`, http.StatusOK, &done)
	if done.Task.Status != persistence.TaskStatusCompleted || done.Task.Result != "LGTM" {
		t.Fatalf("unexpected completion %+v", done.Task)
	}
	if done.Next == nil || done.Next.Success || done.Next.Reason != persistence.ReasonNoPendingTasks {
		t.Fatalf("expected auto-dispatch to find nothing, got %+v", done.Next)
	}

	var events struct {
		Events []persistence.TaskEvent `json:"events"`
	}
	h.call(t, http.MethodGet, "/api/tasks/"+id+"/events", "", http.StatusOK, &events)
	var types []string
	for _, ev := range events.Events {
		types = append(types, ev.EventType)
	}
	if got := strings.Join(types, ","); got != "task.created,task.approved,task.dispatched,task.completed" {
		t.Fatalf("unexpected event ledger %s", got)
	}
}

func TestAPI_ErrorMapping(t *testing.T) {
	h := newHarness(t)
	var created lifecycle.CreateResult
	h.call(t, http.MethodPost, "/api/tasks", `{"target_agent":"claude","content":"fix flaky test","issue_ref":"acme/api#7"}`, http.StatusCreated, &created)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"empty content", http.MethodPost, "/api/tasks", `{"content":"  "}`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/tasks", `{"content":"x","priority":1}`, http.StatusBadRequest},
		{"unknown target agent", http.MethodPost, "/api/tasks", `{"content":"x","target_agent":"ghost"}`, http.StatusBadRequest},
		{"duplicate issue ref", http.MethodPost, "/api/tasks", `{"content":"again","issue_ref":"acme/api#7"}`, http.StatusConflict},
		{"missing task", http.MethodGet, "/api/tasks/nope", "", http.StatusNotFound},
		{"approve missing", http.MethodPost, "/api/tasks/nope/approve", "", http.StatusNotFound},
		{"complete pending", http.MethodPost, "/api/tasks/" + created.Task.ID + "/complete", `{"result":"x"}`, http.StatusConflict},
		{"bad outcome", http.MethodPost, "/api/tasks/" + created.Task.ID + "/complete", `{"outcome":"cancelled"}`, http.StatusBadRequest},
		{"reopen pending is fine", http.MethodPost, "/api/tasks/" + created.Task.ID + "/reopen", "", http.StatusOK},
		{"dispatch unknown agent", http.MethodPost, "/api/agents/ghost/dispatch", "", http.StatusNotFound},
		{"bad limit", http.MethodGet, "/api/tasks?limit=-1", "", http.StatusBadRequest},
		{"resolve missing orphan", http.MethodPost, "/api/orphans/nope/resolve", `{"action":"ignore"}`, http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h.call(t, tc.method, tc.path, tc.body, tc.want, nil)
		})
	}

	// Once delivered, a task can no longer be cancelled.
	h.call(t, http.MethodPost, "/api/agents/claude/dispatch", "", http.StatusAccepted, nil)
	h.call(t, http.MethodPost, "/api/tasks/"+created.Task.ID+"/cancel", "", http.StatusConflict, nil)
}

func TestAPI_ListAndNotifyAccept(t *testing.T) {
	h := newHarness(t)
	var a, b lifecycle.CreateResult
	h.call(t, http.MethodPost, "/api/tasks", `{"target_agent":"claude","content":"write docs"}`, http.StatusCreated, &a)
	h.call(t, http.MethodPost, "/api/tasks", `{"target_agent":"opencode","content":"bump deps"}`, http.StatusCreated, &b)

	var list struct {
		Tasks []persistence.Task `json:"tasks"`
		Count int                `json:"count"`
	}
	h.call(t, http.MethodGet, "/api/tasks?agent=opencode", "", http.StatusOK, &list)
	if list.Count != 1 || list.Tasks[0].ID != b.Task.ID {
		t.Fatalf("unexpected filtered list %+v", list)
	}

	var prompt struct {
		TaskID string `json:"task_id"`
		Prompt string `json:"prompt"`
	}
	h.call(t, http.MethodPost, "/api/tasks/"+a.Task.ID+"/notify", "", http.StatusOK, &prompt)
	if prompt.TaskID != a.Task.ID || !strings.Contains(prompt.Prompt, "write docs") {
		t.Fatalf("unexpected notify reply %+v", prompt)
	}
	h.call(t, http.MethodPost, "/api/tasks/"+a.Task.ID+"/accept", "", http.StatusOK, &prompt)

	var got persistence.Task
	h.call(t, http.MethodGet, "/api/tasks/"+a.Task.ID, "", http.StatusOK, &got)
	if got.Status != persistence.TaskStatusSent || got.NotifiedAt == nil || got.SentAt == nil {
		t.Fatalf("expected accepted task to be sent, got %+v", got)
	}
	// Only the accepted task left pending.
	h.call(t, http.MethodGet, "/api/tasks?status=sent", "", http.StatusOK, &list)
	if list.Count != 1 {
		t.Fatalf("expected one sent task, got %d", list.Count)
	}
}

func TestAPI_Orphans(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A claim made outside the coordinator looks like a crashed process.
	if _, _, err := h.store.CreateTask(ctx, persistence.NewTask{Summary: "stuck", TargetAgent: "opencode", IssueRef: "acme/api#3"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	claim, err := h.store.ClaimNextTask(ctx, "opencode", "", nil)
	if err != nil || claim.Response == nil {
		t.Fatalf("claim: %+v %v", claim, err)
	}

	var list struct {
		Orphans []recovery.OrphanReport `json:"orphans"`
	}
	h.call(t, http.MethodGet, "/api/orphans", "", http.StatusOK, &list)
	if len(list.Orphans) != 1 || list.Orphans[0].AgentResponseID != claim.Response.ID || list.Orphans[0].IssueRef != "acme/api#3" {
		t.Fatalf("unexpected orphans %+v", list.Orphans)
	}

	path := "/api/orphans/" + claim.Response.ID + "/resolve"
	h.call(t, http.MethodPost, path, `{"action":"retry"}`, http.StatusBadRequest, nil)

	var res persistence.OrphanResolution
	h.call(t, http.MethodPost, path, `{"action":"reset"}`, http.StatusOK, &res)
	if !res.Changed || res.Task == nil || res.Task.Status != persistence.TaskStatusPending {
		t.Fatalf("unexpected resolution %+v", res)
	}
	h.call(t, http.MethodPost, path, `{"action":"complete"}`, http.StatusOK, &res)
	if res.Changed {
		t.Fatal("second resolution must be a no-op")
	}
	h.call(t, http.MethodGet, "/api/orphans", "", http.StatusOK, &list)
	if len(list.Orphans) != 0 {
		t.Fatalf("expected no orphans after reset, got %+v", list.Orphans)
	}
}

func TestAPI_InFlightIsNotAnOrphan(t *testing.T) {
	h := newHarness(t)
	h.call(t, http.MethodPost, "/api/tasks", `{"target_agent":"claude","content":"long job"}`, http.StatusCreated, nil)
	var dispatched struct {
		ResponseID string `json:"response_id"`
	}
	h.call(t, http.MethodPost, "/api/agents/claude/dispatch", "", http.StatusAccepted, &dispatched)

	var list struct {
		Orphans []recovery.OrphanReport `json:"orphans"`
	}
	h.call(t, http.MethodGet, "/api/orphans", "", http.StatusOK, &list)
	if len(list.Orphans) != 0 {
		t.Fatalf("running execution reported as orphan: %+v", list.Orphans)
	}

	h.call(t, http.MethodPost, "/api/orphans/"+dispatched.ResponseID+"/resolve", `{"action":"reset"}`, http.StatusConflict, nil)
	busy, err := h.store.IsAgentBusy(context.Background(), "claude")
	if err != nil || !busy {
		t.Fatalf("resolve freed a running agent: busy=%v err=%v", busy, err)
	}
}

func TestWS_StreamsBusEvents(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws?topic=task."
	if _, resp, err := websocket.Dial(ctx, wsURL, nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %v %+v", err, resp)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// The subscription is registered during the handshake; poll until the
	// server sees the client before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for h.bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	var created lifecycle.CreateResult
	h.call(t, http.MethodPost, "/api/tasks", `{"target_agent":"claude","content":"stream me"}`, http.StatusCreated, &created)

	var ev struct {
		Topic   string `json:"topic"`
		Payload struct {
			TaskID    string `json:"task_id"`
			NewStatus string `json:"new_status"`
		} `json:"payload"`
	}
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Topic != bus.TopicTaskStateChanged || ev.Payload.TaskID != created.Task.ID || ev.Payload.NewStatus != "pending" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestWS_OriginAllowlist(t *testing.T) {
	h := newHarness(t, func(c *gateway.Config) { c.AllowOrigins = []string{"ops.example.com"} })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws"

	_, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + testToken},
			"Origin":        []string{"https://evil.example.net"},
		},
	})
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for disallowed origin, got %v %+v", err, resp)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + testToken},
			"Origin":        []string{"https://ops.example.com"},
		},
	})
	if err != nil {
		t.Fatalf("allowed origin: %v", err)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func TestTaskStream_EndsOnTerminalStatus(t *testing.T) {
	h := newHarness(t)
	var created lifecycle.CreateResult
	h.call(t, http.MethodPost, "/api/tasks", `{"target_agent":"claude","content":"cancel me","requires_approval":true}`, http.StatusCreated, &created)
	id := created.Task.ID

	resp := h.do(http.MethodGet, "/api/tasks/"+id+"/stream", testToken, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("unexpected stream response %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if data, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
				lines <- data
			}
		}
	}()
	next := func() map[string]string {
		select {
		case l, ok := <-lines:
			if !ok {
				t.Fatal("stream closed early")
			}
			var m map[string]string
			if err := json.Unmarshal([]byte(l), &m); err != nil {
				t.Fatalf("decode %s: %v", l, err)
			}
			return m
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for stream event")
		}
		return nil
	}

	if first := next(); first["status"] != "pending" {
		t.Fatalf("expected current status first, got %v", first)
	}
	h.call(t, http.MethodPost, "/api/tasks/"+id+"/approve", "", http.StatusOK, nil)
	if ev := next(); ev["status"] != "approved" || ev["from"] != "pending" {
		t.Fatalf("unexpected approve event %v", ev)
	}
	h.call(t, http.MethodPost, "/api/tasks/"+id+"/cancel", "", http.StatusOK, nil)
	if ev := next(); ev["status"] != "cancelled" {
		t.Fatalf("unexpected cancel event %v", ev)
	}
	select {
	case _, ok := <-lines:
		if ok {
			t.Fatal("stream should end after a terminal status")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not close")
	}
}

func TestMetricsAndHealthz(t *testing.T) {
	h := newHarness(t)
	h.call(t, http.MethodPost, "/api/tasks", `{"target_agent":"claude","content":"a"}`, http.StatusCreated, nil)
	h.call(t, http.MethodPost, "/api/tasks", `{"target_agent":"opencode","content":"b"}`, http.StatusCreated, nil)
	h.call(t, http.MethodPost, "/api/agents/claude/dispatch", "", http.StatusAccepted, nil)

	resp := h.do(http.MethodGet, "/metrics", "", nil)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d", resp.StatusCode)
	}
	for _, want := range []string{
		`taskrelay_tasks{status="pending"} 1`,
		`taskrelay_tasks{status="sent"} 1`,
		`taskrelay_busy_agents 1`,
		`taskrelay_orphaned_responses 0`,
		`taskrelay_dispatch_in_flight 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}

	var health map[string]any
	hr := h.do(http.MethodGet, "/healthz", "", nil)
	defer hr.Body.Close()
	if err := json.NewDecoder(hr.Body).Decode(&health); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if health["healthy"] != true {
		t.Fatalf("unexpected health %v", health)
	}
}
