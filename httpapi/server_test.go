package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chris247474/nanoclaw/internal/diagnostics"
	"github.com/chris247474/nanoclaw/internal/persist"
	"github.com/chris247474/nanoclaw/schema"
)

type fakeTasks struct {
	tasks []schema.ScheduledTask
	runs  map[schema.TaskID][]schema.TaskRunLog
	limit int
}

func (f *fakeTasks) ListTasks(context.Context) ([]schema.ScheduledTask, error) {
	return f.tasks, nil
}

func (f *fakeTasks) TasksForGroup(_ context.Context, folder schema.GroupFolder) ([]schema.ScheduledTask, error) {
	var out []schema.ScheduledTask
	for _, task := range f.tasks {
		if task.GroupFolder == folder {
			out = append(out, task)
		}
	}
	return out, nil
}

func (f *fakeTasks) GetTaskByID(_ context.Context, id schema.TaskID) (schema.ScheduledTask, bool, error) {
	for _, task := range f.tasks {
		if task.ID == id {
			return task, true, nil
		}
	}
	return schema.ScheduledTask{}, false, nil
}

func (f *fakeTasks) TaskRunLogs(_ context.Context, id schema.TaskID, limit int) ([]schema.TaskRunLog, error) {
	f.limit = limit
	return f.runs[id], nil
}

type fakeDiagnostics struct{}

func (fakeDiagnostics) Snapshot(context.Context) schema.DiagnosticsSnapshot {
	return schema.DiagnosticsSnapshot{Timestamp: time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)}
}

type fakeAvailable []schema.AvailableGroup

func (f fakeAvailable) AvailableGroups(context.Context) ([]schema.AvailableGroup, error) {
	return f, nil
}

func newTestServer(t *testing.T, connected bool) (*Server, *fakeTasks) {
	t.Helper()
	registry, err := persist.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("state store: %v", err)
	}
	if err := registry.RegisterGroup("family@g.us", schema.RegisteredGroup{Name: "Family", Folder: "family", Trigger: "@Andy"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.RegisterGroup("main@g.us", schema.RegisteredGroup{Name: "Main", Folder: "main", Trigger: "@Andy"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	tasks := &fakeTasks{
		tasks: []schema.ScheduledTask{
			{ID: "task-1", GroupFolder: "family", Prompt: "water plants", Status: schema.TaskActive},
			{ID: "task-2", GroupFolder: "main", Prompt: "report", Status: schema.TaskPaused},
		},
		runs: map[schema.TaskID][]schema.TaskRunLog{
			"task-1": {{TaskID: "task-1", Status: schema.RunSuccess, Result: "done"}},
		},
	}
	reg := prometheus.NewRegistry()
	metrics := diagnostics.NewMetrics(reg)
	metrics.ContainerStarted("family")
	srv, err := NewServer(Config{MaxRunLogs: 5}, Deps{
		Gatherer:    reg,
		Diagnostics: fakeDiagnostics{},
		Tasks:       tasks,
		Registry:    registry,
		Available:   fakeAvailable{{JID: "family@g.us", Name: "Family", IsRegistered: true}},
		Connected:   func() bool { return connected },
		Version:     "v1.0.0",
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv, tasks
}

func get(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestNewServerRequiresDeps(t *testing.T) {
	if _, err := NewServer(Config{}, Deps{}); err == nil {
		t.Fatalf("expected error without tasks and registry")
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, false)
	rec := get(t, srv.Handler(), "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "degraded" || resp.Connected || resp.Version != "v1.0.0" {
		t.Fatalf("unexpected health %+v", resp)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, true)
	rec := get(t, srv.Handler(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "nanoclaw_containers_active 1") {
		t.Fatalf("expected active gauge in metrics output:\n%s", rec.Body.String())
	}
}

func TestDiagnosticsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, true)
	rec := get(t, srv.Handler(), "/api/diagnostics")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"timestamp":"2024-06-15T12:00:00Z"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestTasksEndpoints(t *testing.T) {
	srv, tasks := newTestServer(t, true)
	handler := srv.Handler()

	var list struct {
		Tasks []schema.ScheduledTask `json:"tasks"`
	}
	rec := get(t, handler, "/api/tasks?group=family")
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Tasks) != 1 || list.Tasks[0].ID != "task-1" {
		t.Fatalf("unexpected filtered tasks %+v", list.Tasks)
	}
	if rec := get(t, handler, "/api/tasks?group=../x"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request for invalid folder, got %d", rec.Code)
	}

	rec = get(t, handler, "/api/tasks/task-1?runs=50")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var detail taskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if detail.Task.ID != "task-1" || len(detail.Runs) != 1 {
		t.Fatalf("unexpected task detail %+v", detail)
	}
	if tasks.limit != 5 {
		t.Fatalf("expected run limit capped at 5, got %d", tasks.limit)
	}
	if rec := get(t, handler, "/api/tasks/missing"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := get(t, handler, "/api/tasks/task-1?runs=zero"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGroupsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, true)
	rec := get(t, srv.Handler(), "/api/groups")
	var resp struct {
		Registered []struct {
			JID    string `json:"jid"`
			Folder string `json:"folder"`
		} `json:"registered"`
		Available []schema.AvailableGroup `json:"available"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Registered) != 2 || resp.Registered[0].Folder != "family" || resp.Registered[1].JID != "main@g.us" {
		t.Fatalf("unexpected registered groups %+v", resp.Registered)
	}
	if len(resp.Available) != 1 || !resp.Available[0].IsRegistered {
		t.Fatalf("unexpected available groups %+v", resp.Available)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	srv, _ := newTestServer(t, true)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, ln)
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		cancel()
		t.Fatalf("get healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"ok"`) {
		cancel()
		t.Fatalf("unexpected health response %d %s", resp.StatusCode, body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatalf("server did not stop")
	}
}

func TestListenAndServeReportsBindError(t *testing.T) {
	srv, _ := newTestServer(t, true)
	srv.cfg.Addr = "127.0.0.1:-1"
	if err := srv.ListenAndServe(context.Background()); err == nil || !strings.Contains(err.Error(), "operator api listen") {
		t.Fatalf("expected listen error, got %v", err)
	}
}
