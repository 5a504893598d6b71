package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"github.com/chris247474/nanoclaw/core"
	"github.com/chris247474/nanoclaw/internal/container"
	"github.com/chris247474/nanoclaw/internal/logx"
	"github.com/chris247474/nanoclaw/schema"
)

// DefaultInterval is how often due tasks are polled.
const DefaultInterval = time.Minute

// ErrAlreadyRunning is returned when Run is called on a running scheduler.
var ErrAlreadyRunning = errors.New("scheduler already running")

// Config wires the scheduler to its collaborators. Transport, Relay, Org,
// Sessions and Observer are optional.
type Config struct {
	Tasks         core.TaskStore
	Groups        core.GroupRegistry
	Sessions      core.SessionStore
	Runner        core.AgentRunner
	Transport     core.ChatTransport
	Relay         core.RelayTracker
	Org           core.OrgResolver
	Observer      core.TaskObserver
	Paths         core.Paths
	Location      *time.Location
	Interval      time.Duration
	MainFolder    schema.GroupFolder
	AssistantName string
}

// Scheduler turns due tasks into agent runs.
type Scheduler struct {
	cfg     Config
	running atomic.Bool
	now     func() time.Time
}

// New constructs a scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Tasks == nil {
		return nil, errors.New("scheduler: task store is required")
	}
	if cfg.Groups == nil {
		return nil, errors.New("scheduler: group registry is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("scheduler: runner is required")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MainFolder == "" {
		cfg.MainFolder = "main"
	}
	return &Scheduler{cfg: cfg, now: time.Now}, nil
}

// Run polls for due tasks until ctx is done. A second concurrent call
// returns ErrAlreadyRunning without starting another loop.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)
	log := pslog.Ctx(ctx)
	if log != nil {
		log.Info("scheduler loop start", "interval", s.cfg.Interval.String())
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			if log != nil {
				log.Info("scheduler loop stop")
			}
			return nil
		case <-ticker.C:
		}
	}
}

// Running reports whether the poll loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Tick runs every task that is due now, one at a time.
func (s *Scheduler) Tick(ctx context.Context) {
	log := pslog.Ctx(ctx)
	due, err := s.cfg.Tasks.GetDueTasks(ctx, s.now())
	if err != nil {
		if log != nil {
			log.Error("scheduler due query failed", "err", err)
		}
		return
	}
	if len(due) > 0 && log != nil {
		log.Info("scheduler tasks due", "count", len(due))
	}
	for _, task := range due {
		if ctx.Err() != nil {
			return
		}
		current, ok, err := s.cfg.Tasks.GetTaskByID(ctx, task.ID)
		if err != nil {
			if log != nil {
				log.Error("scheduler task lookup failed", "task", task.ID, "err", err)
			}
			continue
		}
		// Paused or cancelled between the due query and now.
		if !ok || current.Status != schema.TaskActive {
			continue
		}
		s.runTask(ctx, current)
	}
}

func (s *Scheduler) runTask(ctx context.Context, task schema.ScheduledTask) {
	ctx = logx.ContextWithGroupTaskLogger(ctx, task.GroupFolder, task.ID)
	log := pslog.Ctx(ctx)
	started := s.now()
	if log != nil {
		log.Info("scheduler task run", "schedule", string(task.ScheduleType))
	}

	_, group, ok := s.cfg.Groups.GroupByFolder(task.GroupFolder)
	if !ok {
		if log != nil {
			log.Error("scheduler task tenant not found")
		}
		s.logRun(ctx, task, schema.TaskRunLog{
			TaskID:     task.ID,
			RunAt:      started,
			DurationMS: s.now().Sub(started).Milliseconds(),
			Status:     schema.RunError,
			Error:      "tenant not found",
		})
		return
	}

	isMain := group.IsMain || task.GroupFolder == s.cfg.MainFolder
	var org schema.OrgContext
	if s.cfg.Org != nil {
		org = s.cfg.Org.Resolve(task.ChatJID, group)
	}
	s.writeTasksSnapshot(ctx, task.GroupFolder, isMain || org.IsAdmin)

	var session schema.SessionID
	if task.ContextMode == schema.ContextGroup && s.cfg.Sessions != nil {
		session = s.cfg.Sessions.Session(task.GroupFolder)
	}
	input := schema.ContainerInput{
		Prompt:          task.Prompt,
		SessionID:       session,
		GroupFolder:     task.GroupFolder,
		ChatJID:         task.ChatJID,
		IsMain:          isMain || org.IsAdmin,
		IsScheduledTask: true,
		IsAdmin:         org.IsAdmin,
		TeamID:          org.TeamID,
		OrgTeamIDs:      org.TeamIDs(),
		TeamEmail:       org.TeamEmail,
	}

	out, err := s.cfg.Runner.Run(ctx, group, input, org)
	run := schema.TaskRunLog{TaskID: task.ID, RunAt: started, Status: schema.RunSuccess}
	switch {
	case err != nil:
		run.Status = schema.RunError
		run.Error = out.Error
		if run.Error == "" {
			run.Error = err.Error()
		}
	case out.Status == schema.OutputError:
		run.Status = schema.RunError
		run.Error = out.Error
		if run.Error == "" {
			run.Error = "agent reported an error"
		}
	default:
		run.Result = out.ResultText()
	}
	run.DurationMS = s.now().Sub(started).Milliseconds()

	if out.NewSessionID != "" && task.ContextMode == schema.ContextGroup && s.cfg.Sessions != nil {
		if err := s.cfg.Sessions.SetSession(task.GroupFolder, out.NewSessionID); err != nil && log != nil {
			log.Warn("scheduler session save failed", "err", err)
		}
	}
	if run.Status == schema.RunSuccess {
		s.deliver(ctx, task.ChatJID, run.Result)
	}
	s.logRun(ctx, task, run)

	lastResult := run.Result
	if run.Status == schema.RunError {
		lastResult = "Error: " + run.Error
	} else if lastResult == "" {
		lastResult = "Completed"
	}
	next, err := NextRun(task.ScheduleType, task.ScheduleValue, s.now(), s.cfg.Location)
	if err != nil && log != nil {
		// Schedules are validated on creation; a bad one here completes the task.
		log.Error("scheduler next run failed", "err", err)
	}
	if err := s.cfg.Tasks.UpdateTaskAfterRun(ctx, task.ID, next, lastResult); err != nil {
		if log != nil {
			log.Error("scheduler task update failed", "err", err)
		}
		return
	}
	if log != nil {
		if next != nil {
			log.Info("scheduler task finished", "status", string(run.Status), "duration_ms", run.DurationMS, "next_run", next.Format(time.RFC3339))
		} else {
			log.Info("scheduler task finished", "status", string(run.Status), "duration_ms", run.DurationMS, "completed", true)
		}
	}
}

func (s *Scheduler) logRun(ctx context.Context, task schema.ScheduledTask, run schema.TaskRunLog) {
	if err := s.cfg.Tasks.LogTaskRun(ctx, run); err != nil {
		if log := pslog.Ctx(ctx); log != nil {
			log.Error("scheduler run log failed", "err", err)
		}
	}
	if s.cfg.Observer != nil {
		s.cfg.Observer.TaskFinished(task, run)
	}
}

func (s *Scheduler) writeTasksSnapshot(ctx context.Context, folder schema.GroupFolder, privileged bool) {
	if s.cfg.Paths.DataDir == "" {
		return
	}
	tasks, err := s.cfg.Tasks.ListTasks(ctx)
	if err == nil {
		err = container.WriteTasksSnapshot(s.cfg.Paths, folder, privileged, tasks)
	}
	if err != nil {
		if log := pslog.Ctx(ctx); log != nil {
			log.Warn("scheduler tasks snapshot failed", "err", err)
		}
	}
}

// deliver sends the run result unless the agent already messaged the chat.
func (s *Scheduler) deliver(ctx context.Context, jid schema.ChatJID, result string) {
	relayed := 0
	if s.cfg.Relay != nil {
		relayed = s.cfg.Relay.TakeRelayed(jid)
	}
	if s.cfg.Transport == nil || relayed > 0 || strings.TrimSpace(result) == "" {
		return
	}
	text := result
	if s.cfg.AssistantName != "" {
		text = s.cfg.AssistantName + ": " + result
	}
	if err := s.cfg.Transport.SendMessage(ctx, jid, text); err != nil {
		if log := pslog.Ctx(ctx); log != nil {
			log.Warn("scheduler result send failed", "err", err)
		}
	}
}
