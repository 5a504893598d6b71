package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chris247474/nanoclaw/core"
	"github.com/chris247474/nanoclaw/schema"
)

const defaultMaxRunLogs = 20

// DiagnosticsSource produces the live diagnostics snapshot.
type DiagnosticsSource interface {
	Snapshot(ctx context.Context) schema.DiagnosticsSnapshot
}

// TaskReader reads scheduled tasks and their run history.
type TaskReader interface {
	ListTasks(ctx context.Context) ([]schema.ScheduledTask, error)
	TasksForGroup(ctx context.Context, folder schema.GroupFolder) ([]schema.ScheduledTask, error)
	GetTaskByID(ctx context.Context, id schema.TaskID) (schema.ScheduledTask, bool, error)
	TaskRunLogs(ctx context.Context, id schema.TaskID, limit int) ([]schema.TaskRunLog, error)
}

// GroupSource lists chats the transport knows about.
type GroupSource interface {
	AvailableGroups(ctx context.Context) ([]schema.AvailableGroup, error)
}

// Deps are the read-only collaborators behind the endpoints. Gatherer,
// Diagnostics and Available are optional.
type Deps struct {
	Gatherer    prometheus.Gatherer
	Diagnostics DiagnosticsSource
	Tasks       TaskReader
	Registry    core.GroupRegistry
	Available   GroupSource
	Connected   func() bool
	Version     string
}

// Server serves the operator endpoints.
type Server struct {
	cfg  Config
	deps Deps
}

// NewServer constructs an HTTP server.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Tasks == nil || deps.Registry == nil {
		return nil, errors.New("httpapi: task reader and group registry are required")
	}
	if cfg.MaxRunLogs <= 0 {
		cfg.MaxRunLogs = defaultMaxRunLogs
	}
	return &Server{cfg: cfg, deps: deps}, nil
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logRequests)

	r.Get("/healthz", s.handleHealth)
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/api", func(r chi.Router) {
		r.Get("/diagnostics", s.handleDiagnostics)
		r.Get("/tasks", s.handleTasks)
		r.Get("/tasks/{id}", s.handleTask)
		r.Get("/groups", s.handleGroups)
	})
	return r
}

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version,omitempty"`
	Connected bool   `json:"connected"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Version: s.deps.Version, Connected: true}
	if s.deps.Connected != nil {
		resp.Connected = s.deps.Connected()
	}
	if !resp.Connected {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Diagnostics == nil {
		writeError(w, http.StatusNotFound, errors.New("diagnostics unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Diagnostics.Snapshot(r.Context()))
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	var (
		tasks []schema.ScheduledTask
		err   error
	)
	if folder := r.URL.Query().Get("group"); folder != "" {
		if verr := schema.ValidateGroupFolder(schema.GroupFolder(folder)); verr != nil {
			writeError(w, http.StatusBadRequest, verr)
			return
		}
		tasks, err = s.deps.Tasks.TasksForGroup(r.Context(), schema.GroupFolder(folder))
	} else {
		tasks, err = s.deps.Tasks.ListTasks(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if tasks == nil {
		tasks = []schema.ScheduledTask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

type taskResponse struct {
	Task schema.ScheduledTask `json:"task"`
	Runs []schema.TaskRunLog  `json:"runs"`
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id := schema.TaskID(chi.URLParam(r, "id"))
	task, ok, err := s.deps.Tasks.GetTaskByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, schema.ErrTaskNotFound)
		return
	}
	limit := s.cfg.MaxRunLogs
	if raw := r.URL.Query().Get("runs"); raw != "" {
		n, perr := strconv.Atoi(raw)
		if perr != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("runs must be a positive integer"))
			return
		}
		limit = min(n, s.cfg.MaxRunLogs)
	}
	runs, err := s.deps.Tasks.TaskRunLogs(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []schema.TaskRunLog{}
	}
	writeJSON(w, http.StatusOK, taskResponse{Task: task, Runs: runs})
}

type registeredGroup struct {
	JID schema.ChatJID `json:"jid"`
	schema.RegisteredGroup
}

type groupsResponse struct {
	Registered []registeredGroup       `json:"registered"`
	Available  []schema.AvailableGroup `json:"available"`
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	groups := s.deps.Registry.Groups()
	resp := groupsResponse{
		Registered: make([]registeredGroup, 0, len(groups)),
		Available:  []schema.AvailableGroup{},
	}
	for jid, group := range groups {
		resp.Registered = append(resp.Registered, registeredGroup{JID: jid, RegisteredGroup: group})
	}
	sort.Slice(resp.Registered, func(i, j int) bool {
		return resp.Registered[i].Folder < resp.Registered[j].Folder
	})
	if s.deps.Available != nil {
		available, err := s.deps.Available.AvailableGroups(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if available != nil {
			resp.Available = available
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
