package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/chris247474/nanoclaw/core"
	"github.com/chris247474/nanoclaw/internal/logx"
	"github.com/chris247474/nanoclaw/internal/mountsec"
	"github.com/chris247474/nanoclaw/schema"
	"golang.org/x/sys/unix"
	"pkt.systems/pslog"
)

const (
	// DefaultImage is the agent image used when none is configured.
	DefaultImage = "nanoclaw-agent:latest"
	// DefaultTimeout bounds a single container run.
	DefaultTimeout = 300 * time.Second
	// DefaultStopTimeout bounds the graceful stop command.
	DefaultStopTimeout = 15 * time.Second

	stderrSummaryBytes = 200
)

// Config controls how agent containers are launched.
type Config struct {
	Paths          core.Paths
	Runtime        Runtime
	Image          string
	Memory         string
	Timeout        time.Duration
	StopTimeout    time.Duration
	MaxOutputBytes int
	VerboseLogs    bool
	EnvFile        string
	FallbackModel  string
	HomeDir        string
	Validator      *mountsec.Validator
	Tracker        *core.Tracker
	Observer       core.RunObserver
	Sink           core.DiagnosticsSink
}

// Runner launches one sandboxed agent process per invocation.
type Runner struct {
	cfg     Config
	mounts  *MountBuilder
	tracker *core.Tracker
	now     func() time.Time
}

// NewRunner constructs a container runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("container runtime is required")
	}
	if cfg.Paths.GroupsDir == "" || cfg.Paths.DataDir == "" {
		return nil, errors.New("groups and data directories are required")
	}
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if cfg.FallbackModel == "" {
		cfg.FallbackModel = DefaultFallbackModel
	}
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = core.NewTracker(core.DefaultRecentRuns, core.DefaultRecentErrors)
	}
	mounts := NewMountBuilder(MountConfig{
		Paths:         cfg.Paths,
		HomeDir:       cfg.HomeDir,
		EnvFile:       cfg.EnvFile,
		FallbackModel: cfg.FallbackModel,
	}, cfg.Validator)
	return &Runner{cfg: cfg, mounts: mounts, tracker: tracker, now: time.Now}, nil
}

// Tracker returns the run tracker owned by the runner.
func (r *Runner) Tracker() *core.Tracker {
	return r.tracker
}

// Paths returns the host directory layout.
func (r *Runner) Paths() core.Paths {
	return r.cfg.Paths
}

// runResult is everything observed about one process execution.
type runResult struct {
	name     string
	args     []string
	mounts   []schema.VolumeMount
	stdout   *cappedBuffer
	stderr   *cappedBuffer
	exitCode int
	signal   string
	timedOut bool
	canceled bool
	duration time.Duration
}

// Run executes an agent invocation for the tenant. The returned output is
// always populated; a non-nil error is a *core.ContainerError describing a
// host-side failure (exit code, timeout, spawn or parse).
func (r *Runner) Run(ctx context.Context, group schema.RegisteredGroup, input schema.ContainerInput, org schema.OrgContext) (schema.ContainerOutput, error) {
	folder := group.Folder
	log := logx.WithGroup(ctx, folder)
	started := r.now()

	if err := os.MkdirAll(r.cfg.Paths.LogsDir(folder), 0o755); err != nil {
		return r.fail(ctx, group, core.ContainerErrorSpawn, fmt.Sprintf("container spawn error: %v", err), err)
	}
	mounts, err := r.mounts.Build(ctx, MountRequest{Group: group, Input: input, Org: org})
	if err != nil {
		return r.fail(ctx, group, core.ContainerErrorSpawn, fmt.Sprintf("container spawn error: %v", err), err)
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return r.fail(ctx, group, core.ContainerErrorSpawn, fmt.Sprintf("container spawn error: %v", err), err)
	}

	timeout := r.cfg.Timeout
	if group.ContainerConfig != nil && group.ContainerConfig.TimeoutMS > 0 {
		timeout = time.Duration(group.ContainerConfig.TimeoutMS) * time.Millisecond
	}
	name := containerName(folder, started.UnixMilli())
	args := r.cfg.Runtime.RunArgs(name, r.cfg.Image, r.cfg.Memory, mounts)
	if log != nil {
		log.Info(
			"container run start",
			"container", name,
			"runtime", r.cfg.Runtime.Name(),
			"mounts", len(mounts),
			"main", input.IsMain,
			"scheduled", input.IsScheduledTask,
			"resume", input.SessionID != "",
			"prompt_len", len(input.Prompt),
			"timeout_ms", timeout.Milliseconds(),
		)
	}

	res := &runResult{
		name:   name,
		args:   args,
		mounts: mounts,
		stdout: newCappedBuffer(r.cfg.MaxOutputBytes),
		stderr: newCappedBuffer(r.cfg.MaxOutputBytes),
	}
	cmd := exec.Command(r.cfg.Runtime.Binary(), args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = res.stdout
	cmd.Stderr = res.stderr
	cmd.WaitDelay = r.cfg.StopTimeout
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return r.fail(ctx, group, core.ContainerErrorSpawn, fmt.Sprintf("container spawn error: %v", err), err)
	}
	if err := cmd.Start(); err != nil {
		if log != nil {
			log.Error("container spawn failed", "container", name, "err", err)
		}
		return r.fail(ctx, group, core.ContainerErrorSpawn, fmt.Sprintf("container spawn error: %v", err), err)
	}
	pid := cmd.Process.Pid
	r.tracker.Start(folder, group.Name, pid, input.Prompt)
	if r.cfg.Observer != nil {
		r.cfg.Observer.ContainerStarted(folder)
	}
	r.publish()
	if log != nil {
		log.Debug("container run started", "container", name, "pid", pid)
	}

	go func() {
		_, _ = stdin.Write(payload)
		_ = stdin.Close()
	}()

	waitErr := r.wait(ctx, cmd, res, timeout)
	res.duration = r.now().Sub(started)
	if err := writeRunLog(r.cfg.Paths.LogsDir(folder), started, group, input, res, r.cfg.VerboseLogs || verboseFromEnv()); err != nil && log != nil {
		log.Warn("container run log failed", "err", err)
	}

	fields := []any{
		"container", name,
		"pid", pid,
		"exit_code", res.exitCode,
		"duration_ms", res.duration.Milliseconds(),
		"stdout_bytes", res.stdout.Len(),
		"stderr_bytes", res.stderr.Len(),
	}
	if res.signal != "" {
		fields = append(fields, "signal", res.signal)
	}
	if res.stdout.truncated || res.stderr.truncated {
		fields = append(fields, "truncated", true)
	}

	switch {
	case res.timedOut:
		msg := fmt.Sprintf("timed out after %dms", timeout.Milliseconds())
		if log != nil {
			log.Warn("container run timed out", fields...)
		}
		return r.finishError(group, schema.RunOutcomeTimeout, core.ContainerErrorTimeout, msg, context.DeadlineExceeded)
	case res.canceled:
		msg := fmt.Sprintf("container run canceled: %v", ctx.Err())
		if log != nil {
			log.Warn("container run canceled", fields...)
		}
		return r.finishError(group, schema.RunOutcomeTimeout, core.ContainerErrorTimeout, msg, ctx.Err())
	case waitErr != nil:
		msg := fmt.Sprintf("container spawn error: %v", waitErr)
		if log != nil {
			log.Error("container wait failed", append(fields, "err", waitErr)...)
		}
		return r.finishError(group, schema.RunOutcomeError, core.ContainerErrorSpawn, msg, waitErr)
	case res.exitCode != 0:
		msg := fmt.Sprintf("exited with code %d: %s", res.exitCode, tail(res.stderr.String(), stderrSummaryBytes))
		if log != nil {
			log.Warn("container run failed", fields...)
		}
		return r.finishError(group, schema.RunOutcomeError, core.ContainerErrorExitCode, msg, nil)
	}

	out, err := ParseOutput(res.stdout.String())
	if err != nil {
		msg := fmt.Sprintf("failed to parse container output: %v", err)
		if log != nil {
			log.Warn("container output parse failed", append(fields, "err", err)...)
		}
		return r.finishError(group, schema.RunOutcomeError, core.ContainerErrorParse, msg, err)
	}
	outcome := schema.RunOutcomeSuccess
	if out.Status == schema.OutputError {
		outcome = schema.RunOutcomeError
	}
	run := r.tracker.Finish(folder, outcome, "", out.Error)
	if r.cfg.Observer != nil {
		r.cfg.Observer.ContainerFinished(run, "")
	}
	r.publish()
	if log != nil {
		log.Info("container run finished", append(fields, "status", out.Status, "new_session", out.NewSessionID != "")...)
	}
	return out, nil
}

// wait blocks until the process exits, stopping it when the timeout fires
// or the context ends. Only non-exit wait failures are returned.
func (r *Runner) wait(ctx context.Context, cmd *exec.Cmd, res *runResult, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-done:
	case <-timer.C:
		res.timedOut = true
		err = r.stop(ctx, cmd, res.name, done)
	case <-ctx.Done():
		res.canceled = true
		err = r.stop(context.WithoutCancel(ctx), cmd, res.name, done)
	}
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.exitCode = exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			res.signal = status.Signal().String()
			res.exitCode = 128 + int(status.Signal())
		}
		return nil
	}
	if errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil {
		res.exitCode = cmd.ProcessState.ExitCode()
		return nil
	}
	return err
}

// stop asks the runtime to stop the container, force-killing the process
// group when the stop command fails or the process does not exit in time.
func (r *Runner) stop(ctx context.Context, cmd *exec.Cmd, name string, done <-chan error) error {
	log := pslog.Ctx(ctx)
	stopCtx, cancel := context.WithTimeout(ctx, r.cfg.StopTimeout)
	defer cancel()
	stopCmd := exec.CommandContext(stopCtx, r.cfg.Runtime.Binary(), r.cfg.Runtime.StopArgs(name)...)
	stopCmd.Stdout = io.Discard
	stopCmd.Stderr = io.Discard
	if err := stopCmd.Run(); err != nil {
		if log != nil {
			log.Warn("container graceful stop failed", "container", name, "err", err)
		}
		killProcessGroup(cmd.Process.Pid)
		return <-done
	}
	select {
	case err := <-done:
		return err
	case <-time.After(r.cfg.StopTimeout):
		if log != nil {
			log.Warn("container did not exit after stop", "container", name)
		}
		killProcessGroup(cmd.Process.Pid)
		return <-done
	}
}

// Kill force-kills the tenant's running container process. It reports
// whether a process was tracked for the tenant.
func (r *Runner) Kill(ctx context.Context, folder schema.GroupFolder) bool {
	pid, ok := r.tracker.ActivePID(folder)
	if !ok {
		return false
	}
	killProcessGroup(pid)
	if log := logx.WithGroup(ctx, folder); log != nil {
		log.Warn("container killed", "pid", pid)
	}
	return true
}

func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		_ = unix.Kill(pid, unix.SIGKILL)
	}
}

func (r *Runner) fail(ctx context.Context, group schema.RegisteredGroup, kind core.ContainerErrorKind, msg string, cause error) (schema.ContainerOutput, error) {
	if log := logx.WithGroup(ctx, group.Folder); log != nil {
		log.Error("container run failed", "kind", kind, "err", cause)
	}
	return r.finishError(group, schema.RunOutcomeError, kind, msg, cause)
}

func (r *Runner) finishError(group schema.RegisteredGroup, outcome schema.RunOutcome, kind core.ContainerErrorKind, msg string, cause error) (schema.ContainerOutput, error) {
	run := r.tracker.Finish(group.Folder, outcome, kind, msg)
	if run.GroupName == "" {
		run.GroupName = group.Name
	}
	if r.cfg.Observer != nil {
		r.cfg.Observer.ContainerFinished(run, kind)
	}
	r.publish()
	return schema.ContainerOutput{Status: schema.OutputError, Error: msg}, core.NewContainerError(kind, msg, cause)
}

func (r *Runner) publish() {
	if r.cfg.Sink != nil {
		r.tracker.Publish(r.cfg.Sink)
	}
}
