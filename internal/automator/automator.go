package automator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/seantiz/ember/internal/store"
	"github.com/seantiz/ember/internal/taskclient"
)

var (
	// ErrAlreadyStarted is returned by Register after Start.
	ErrAlreadyStarted = errors.New("automator: already started")
	// ErrStopped is returned by Start and Register after Shutdown.
	ErrStopped = errors.New("automator: shut down")
	// ErrDuplicateWorker is returned when a task type is registered twice.
	ErrDuplicateWorker = errors.New("automator: worker already registered for task type")
	// ErrForcedShutdown is returned by Shutdown when in-flight tasks were
	// cancelled because the grace period expired.
	ErrForcedShutdown = errors.New("automator: grace period expired, in-flight tasks cancelled")
)

// RunnerStatus is a snapshot of one task type's runner.
type RunnerStatus struct {
	TaskType       string `json:"task_type"`
	ThreadCount    int    `json:"thread_count"`
	PollIntervalMS int64  `json:"poll_interval_ms"`
	PollTimeoutMS  int64  `json:"poll_timeout_ms"`
	Domain         string `json:"domain,omitempty"`
	InFlight       int64  `json:"in_flight"`
	Running        bool   `json:"running"`
}

type registration struct {
	worker Worker
	cfg    RunnerConfig
}

// Option configures optional Automator collaborators.
type Option func(*Automator)

// WithJournal records every dispatched task in s.
func WithJournal(s store.Store) Option {
	return func(a *Automator) { a.journal = s }
}

// Automator owns one runner per registered task type.
type Automator struct {
	client  taskclient.Client
	opts    Options
	logger  *slog.Logger
	journal store.Store

	mu      sync.Mutex
	regs    map[string]registration
	runners []*runner
	started bool
	stopped bool

	pollCtx    context.Context
	stopPoll   context.CancelFunc
	execCtx    context.Context
	cancelExec context.CancelFunc
	loops      sync.WaitGroup
	tasks      sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

// New validates opts and returns an Automator that has not started polling.
func New(client taskclient.Client, opts Options, logger *slog.Logger, options ...Option) (*Automator, error) {
	if client == nil {
		return nil, errors.New("automator: nil task client")
	}
	if err := opts.applyDefaults(); err != nil {
		return nil, fmt.Errorf("automator options: %w", err)
	}

	a := &Automator{
		client: client,
		opts:   opts,
		logger: logger,
		regs:   make(map[string]registration),
	}
	for _, o := range options {
		o(a)
	}
	a.pollCtx, a.stopPoll = context.WithCancel(context.Background())
	a.execCtx, a.cancelExec = context.WithCancel(context.Background())
	return a, nil
}

// Options returns the resolved automator options.
func (a *Automator) Options() Options {
	return a.opts
}

// Register adds a worker with per-type overrides. It must be called before Start.
func (a *Automator) Register(w Worker, cfg RunnerConfig) error {
	if w == nil {
		return errors.New("automator: nil worker")
	}
	taskType := w.TaskType()
	if taskType == "" {
		return errors.New("automator: worker has empty task type")
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("task type %q: %w", taskType, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case a.stopped:
		return ErrStopped
	case a.started:
		return ErrAlreadyStarted
	}
	if _, ok := a.regs[taskType]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateWorker, taskType)
	}
	a.regs[taskType] = registration{worker: w, cfg: cfg}
	return nil
}

// RegisterFunc registers fn as the worker for taskType.
func (a *Automator) RegisterFunc(taskType string, fn WorkerFunc, cfg RunnerConfig) error {
	if fn == nil {
		return errors.New("automator: nil worker func")
	}
	return a.Register(NewWorker(taskType, fn), cfg)
}

// Start launches one poll loop per registered task type. Calling Start again
// logs a warning and does nothing.
func (a *Automator) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return ErrStopped
	}
	if a.started {
		a.logger.Warn("automator already started, ignoring Start")
		return nil
	}
	a.started = true

	if len(a.regs) == 0 {
		a.logger.Warn("automator started with no workers registered")
	}

	for _, taskType := range a.taskTypesLocked() {
		reg := a.regs[taskType]
		cfg := reg.cfg.resolve(a.opts)
		r := newRunner(reg.worker, cfg, a.opts, a.client, a.journal, a.logger, &a.tasks)
		a.runners = append(a.runners, r)
		a.loops.Go(func() {
			r.loop(a.pollCtx, a.execCtx)
		})
		a.logger.Info("runner started",
			"task_type", taskType,
			"thread_count", cfg.ThreadCount,
			"poll_interval", cfg.PollInterval,
			"poll_timeout", cfg.PollTimeout,
			"domain", cfg.Domain,
		)
	}

	a.logger.Info("automator started", "runners", len(a.runners), "worker_id", a.opts.WorkerID)
	return nil
}

// Shutdown stops every poll loop, waits up to the grace period for in-flight
// tasks and their updates, then cancels whatever is left. It returns
// ErrForcedShutdown if the grace period expired. Later calls return the first
// call's result.
func (a *Automator) Shutdown() error {
	a.shutdownOnce.Do(func() {
		a.shutdownErr = a.shutdown()
	})
	return a.shutdownErr
}

func (a *Automator) shutdown() error {
	a.mu.Lock()
	a.stopped = true
	started := a.started
	a.mu.Unlock()

	a.stopPoll()
	if !started {
		a.cancelExec()
		return nil
	}

	a.logger.Info("automator shutting down", "grace_period", a.opts.ShutdownGracePeriod)
	a.loops.Wait()

	done := make(chan struct{})
	go func() {
		a.tasks.Wait()
		close(done)
	}()

	timer := time.NewTimer(a.opts.ShutdownGracePeriod)
	defer timer.Stop()

	select {
	case <-done:
		a.cancelExec()
		a.logger.Info("automator stopped")
		return nil
	case <-timer.C:
		a.cancelExec()
		a.logger.Warn("grace period expired, cancelled in-flight tasks", "in_flight", a.inFlight())
		return ErrForcedShutdown
	}
}

// Runners returns a snapshot of every registered task type, sorted by type.
// Before Start the entries show resolved configuration with Running unset.
func (a *Automator) Runners() []RunnerStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		out := make([]RunnerStatus, 0, len(a.runners))
		for _, r := range a.runners {
			st := r.status()
			st.Running = !a.stopped
			out = append(out, st)
		}
		return out
	}

	out := make([]RunnerStatus, 0, len(a.regs))
	for _, taskType := range a.taskTypesLocked() {
		cfg := a.regs[taskType].cfg.resolve(a.opts)
		out = append(out, RunnerStatus{
			TaskType:       taskType,
			ThreadCount:    cfg.ThreadCount,
			PollIntervalMS: cfg.PollInterval.Milliseconds(),
			PollTimeoutMS:  cfg.PollTimeout.Milliseconds(),
			Domain:         cfg.Domain,
		})
	}
	return out
}

func (a *Automator) inFlight() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var n int64
	for _, r := range a.runners {
		n += r.inflight.Load()
	}
	return n
}

func (a *Automator) taskTypesLocked() []string {
	types := make([]string, 0, len(a.regs))
	for t := range a.regs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
