package nanoclaw

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"

	"github.com/chris247474/nanoclaw/core"
	"github.com/chris247474/nanoclaw/httpapi"
	"github.com/chris247474/nanoclaw/internal/appconfig"
	"github.com/chris247474/nanoclaw/internal/container"
	"github.com/chris247474/nanoclaw/internal/diagnostics"
	"github.com/chris247474/nanoclaw/internal/ipc"
	"github.com/chris247474/nanoclaw/internal/mountsec"
	"github.com/chris247474/nanoclaw/internal/notify"
	"github.com/chris247474/nanoclaw/internal/orgconfig"
	"github.com/chris247474/nanoclaw/internal/outbox"
	"github.com/chris247474/nanoclaw/internal/persist"
	"github.com/chris247474/nanoclaw/internal/scheduler"
	"github.com/chris247474/nanoclaw/internal/store"
	"github.com/chris247474/nanoclaw/internal/supervisor"
	"github.com/chris247474/nanoclaw/internal/version"
	"github.com/chris247474/nanoclaw/schema"
)

const (
	// StoreFile is the SQLite database name inside store_dir.
	StoreFile = "messages.db"
	// GroupNamesFile is where the chat bridge publishes group names.
	GroupNamesFile = "group_names.json"
)

// Server composes the tenant loops, the scheduler, the mailbox bus and the
// optional HTTP surface.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableHTTP bool
	transport  core.ChatTransport
	lister     supervisor.GroupLister
	oauth      core.OAuthStarter
	observers  []Observer
	registry   *prometheus.Registry
}

// WithHTTP enables the operator HTTP surface regardless of http.enabled.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

// WithTransport replaces the outbox spool with another chat transport.
func WithTransport(transport core.ChatTransport) ServerOption {
	return func(o *serverOptions) { o.transport = transport }
}

// WithGroupLister sets the source of group names for the daily sync.
func WithGroupLister(lister supervisor.GroupLister) ServerOption {
	return func(o *serverOptions) { o.lister = lister }
}

// WithOAuth enables the credential flow for request_google_oauth and the
// chat fast path.
func WithOAuth(starter core.OAuthStarter) ServerOption {
	return func(o *serverOptions) { o.oauth = starter }
}

// WithObserver adds an observer next to the Prometheus metrics.
func WithObserver(obs Observer) ServerOption {
	return func(o *serverOptions) { o.observers = append(o.observers, obs) }
}

// WithRegistry registers metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) ServerOption {
	return func(o *serverOptions) { o.registry = reg }
}

// New wires every component from cfg. The store is opened here and closed
// by Stop.
func New(ctx context.Context, cfg appconfig.Config, opts ...ServerOption) (Server, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	options := serverOptions{enableHTTP: cfg.HTTP.Enabled}
	for _, opt := range opts {
		opt(&options)
	}
	log := pslog.Ctx(ctx)

	paths, err := core.NewPaths(cfg.ProjectRoot, cfg.GroupsDir, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	mainFolder := schema.GroupFolder(cfg.MainGroupFolder)
	if err := os.MkdirAll(paths.GroupDir(mainFolder), 0o755); err != nil {
		return nil, fmt.Errorf("create main group dir: %w", err)
	}

	orgCfg, err := orgconfig.Load(cfg.OrgConfigPath)
	if err != nil {
		return nil, err
	}
	resolver := orgconfig.NewResolver(orgCfg)
	if orgCfg != nil {
		log.Info("organization mode", "org", orgCfg.Organization.ID, "teams", len(orgCfg.Teams))
	}

	runtime, err := container.NewRuntime(cfg.Container.Runtime, cfg.Container.Binary)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(ctx, filepath.Join(cfg.StoreDir, StoreFile))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	srv, err := build(ctx, cfg, options, paths, loc, resolver, runtime, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return srv, nil
}

func build(ctx context.Context, cfg appconfig.Config, options serverOptions, paths core.Paths, loc *time.Location, resolver *orgconfig.Resolver, runtime container.Runtime, db *store.Store) (*compositeServer, error) {
	mainFolder := schema.GroupFolder(cfg.MainGroupFolder)
	state, err := persist.NewStoreWithLogger(cfg.DataDir, pslog.Ctx(ctx))
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	state.SetPendingMirror(filepath.Join(paths.IPCDir(mainFolder), "pending_dm_requests.json"))

	transport := options.transport
	if transport == nil {
		spool, err := outbox.New(cfg.Transport.OutboxDir, filepath.Join(cfg.DataDir, GroupNamesFile))
		if err != nil {
			return nil, err
		}
		transport = spool
	}
	lister := options.lister
	if lister == nil {
		if l, ok := transport.(supervisor.GroupLister); ok {
			lister = l
		}
	}

	registry := options.registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	metrics := diagnostics.NewMetrics(registry)
	observers := observerFanout{observers: append([]Observer{metrics}, options.observers...)}

	notifier, err := notify.New(notify.Config{
		Transport:      transport,
		Groups:         state,
		AssistantName:  cfg.AssistantName,
		MainFolder:     mainFolder,
		Attempts:       cfg.Notify.RetryAttempts,
		RatePerSecond:  cfg.Notify.RatePerSecond,
		Burst:          cfg.Notify.Burst,
		BreakerChanged: metrics.BreakerChanged,
	})
	if err != nil {
		return nil, err
	}

	writer, err := diagnostics.NewWriter(diagnostics.WriterConfig{
		Paths:     paths,
		Messages:  db,
		Groups:    state,
		Transport: transport,
		StartedAt: time.Now(),
	})
	if err != nil {
		return nil, err
	}

	home, _ := os.UserHomeDir()
	runner, err := container.NewRunner(container.Config{
		Paths:          paths,
		Runtime:        runtime,
		Image:          cfg.Container.Image,
		Memory:         cfg.Container.Memory,
		Timeout:        cfg.Container.Timeout(),
		StopTimeout:    cfg.Container.StopTimeout(),
		MaxOutputBytes: cfg.Container.MaxOutputBytes,
		VerboseLogs:    cfg.Container.VerboseLogs,
		EnvFile:        cfg.EnvFile,
		FallbackModel:  cfg.Container.FallbackModel,
		HomeDir:        home,
		Validator:      mountsec.NewValidator(cfg.MountAllowlistPath),
		Observer:       observers,
		Sink:           writer,
	})
	if err != nil {
		return nil, err
	}

	sched, err := scheduler.New(scheduler.Config{
		Tasks:         db,
		Groups:        state,
		Sessions:      state,
		Runner:        runner,
		Transport:     notifier,
		Relay:         notifier,
		Org:           resolver,
		Observer:      observers,
		Paths:         paths,
		Location:      loc,
		Interval:      cfg.Poll.Scheduler(),
		MainFolder:    mainFolder,
		AssistantName: cfg.AssistantName,
	})
	if err != nil {
		return nil, err
	}

	supCfg := supervisor.Config{
		Messages:      db,
		State:         state,
		Tasks:         db,
		Runner:        runner,
		Messenger:     notifier,
		Org:           resolver,
		Diagnostics:   writer,
		Chats:         db,
		Lister:        lister,
		Paths:         paths,
		AssistantName: cfg.AssistantName,
		MainFolder:    mainFolder,
		Interval:      cfg.Poll.Messages(),
		OAuth:         options.oauth,
	}
	sup, err := supervisor.New(supCfg)
	if err != nil {
		return nil, err
	}

	busCfg := ipc.Config{
		Paths:       paths,
		MainFolder:  mainFolder,
		Interval:    cfg.Poll.IPC(),
		Location:    loc,
		Groups:      state,
		Tasks:       db,
		Messenger:   notifier,
		Pending:     state,
		Killer:      runner,
		Refresher:   sup,
		Diagnostics: writer,
		Org:         resolver,
		Observer:    observers,
		OAuth:       options.oauth,
	}
	if cfg.Service.RestartCommand != "" {
		busCfg.Service = shellRestarter{command: cfg.Service.RestartCommand}
	}
	bus, err := ipc.New(busCfg)
	if err != nil {
		return nil, err
	}

	var httpSrv *httpapi.Server
	if options.enableHTTP {
		httpSrv, err = httpapi.NewServer(httpapi.Config{Addr: cfg.HTTP.Addr}, httpapi.Deps{
			Gatherer:    registry,
			Diagnostics: writer,
			Tasks:       db,
			Registry:    state,
			Available:   sup,
			Connected:   transport.Connected,
			Version:     version.Current(),
		})
		if err != nil {
			return nil, err
		}
	}

	return &compositeServer{
		cfg:        cfg,
		options:    options,
		db:         db,
		state:      state,
		runner:     runner,
		supervisor: sup,
		scheduler:  sched,
		bus:        bus,
		httpSrv:    httpSrv,
	}, nil
}

type compositeServer struct {
	cfg        appconfig.Config
	options    serverOptions
	db         *store.Store
	state      *persist.Store
	runner     *container.Runner
	supervisor *supervisor.Supervisor
	scheduler  *scheduler.Scheduler
	bus        *ipc.Bus
	httpSrv    *httpapi.Server
	logger     pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	started bool
	closed  bool
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	if s.closed {
		s.mu.Unlock()
		return errors.New("server already stopped")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"assistant", s.cfg.AssistantName,
		"main_folder", s.cfg.MainGroupFolder,
		"groups", len(s.state.Groups()),
		"http", s.httpSrv != nil,
		"http_addr", s.cfg.HTTP.Addr,
	)

	g, gctx := errgroup.WithContext(s.ctx)
	g.Go(func() error { return named("supervisor", s.supervisor.Run(gctx)) })
	g.Go(func() error { return named("scheduler", s.scheduler.Run(gctx)) })
	g.Go(func() error { return named("ipc bus", s.bus.Run(gctx)) })
	if s.httpSrv != nil {
		g.Go(func() error {
			return named("http server", s.httpSrv.ListenAndServe(gctx))
		})
	}
	go func() {
		err := g.Wait()
		if err != nil {
			log.Error("server stopped", "err", err)
		}
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	}()
	return nil
}

func named(component string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return fmt.Errorf("%s: %w", component, err)
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	done := s.done
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}
	<-done
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		_ = s.Stop(context.Background())
	}
	return err
}

func (s *compositeServer) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	if !started {
		return s.close()
	}
	log.Info("server stop requested")
	if cancel != nil {
		cancel()
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-done:
	}
	if err := s.close(); err != nil {
		log.Warn("store close failed", "err", err)
		return err
	}
	log.Info("server stopped")
	return nil
}

func (s *compositeServer) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
