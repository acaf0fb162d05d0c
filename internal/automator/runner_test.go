package automator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/seantiz/ember/internal/model"
)

// scriptedClient returns queued tasks, then nil. Updates fail while failUpdates > 0.
type scriptedClient struct {
	mu          sync.Mutex
	tasks       []*model.Task
	polls       int
	pollErr     error
	failUpdates int
	updates     int
}

func (c *scriptedClient) Poll(context.Context, string, string, string, time.Duration) (*model.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls++
	if c.pollErr != nil {
		return nil, c.pollErr
	}
	if len(c.tasks) == 0 {
		return nil, nil
	}
	t := c.tasks[0]
	c.tasks = c.tasks[1:]
	return t, nil
}

func (c *scriptedClient) Update(context.Context, *model.TaskResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates++
	if c.failUpdates > 0 {
		c.failUpdates--
		return errors.New("unavailable")
	}
	return nil
}

func newTestRunner(t *testing.T, c *scriptedClient, w Worker, threads int) (*runner, *sync.WaitGroup) {
	t.Helper()
	opts := Options{SleepWhenRetry: time.Millisecond, WorkerID: "w-1"}
	if err := opts.applyDefaults(); err != nil {
		t.Fatalf("applyDefaults: %v", err)
	}
	var wg sync.WaitGroup
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	r := newRunner(w, RunnerConfig{ThreadCount: threads}.resolve(opts), opts, c, nil, logger, &wg)
	return r, &wg
}

func TestPollCycleFillsFreeSlots(t *testing.T) {
	c := &scriptedClient{}
	for i := range 5 {
		c.tasks = append(c.tasks, &model.Task{TaskID: string(rune('a' + i))})
	}

	block := make(chan struct{})
	w := NewWorker("fill", func(context.Context, *model.Task) (*model.TaskResult, error) {
		<-block
		return nil, nil
	})
	r, wg := newTestRunner(t, c, w, 3)

	r.pollCycle(context.Background(), context.Background())

	// Three slots, three polls: the fourth attempt finds no free slot.
	if c.polls != 3 {
		t.Errorf("polls = %d, want 3", c.polls)
	}
	if got := r.inflight.Load(); got != 3 {
		t.Errorf("inflight = %d, want 3", got)
	}

	close(block)
	wg.Wait()
	if got := r.inflight.Load(); got != 0 {
		t.Errorf("inflight after completion = %d, want 0", got)
	}
	if c.updates != 3 {
		t.Errorf("updates = %d, want 3", c.updates)
	}
}

func TestPollCycleStopsOnEmpty(t *testing.T) {
	c := &scriptedClient{tasks: []*model.Task{{TaskID: "a"}}}
	r, wg := newTestRunner(t, c, Echo("empty"), 4)

	before := testutil.ToFloat64(pollsTotal.WithLabelValues("empty", pollEmpty))
	r.pollCycle(context.Background(), context.Background())
	wg.Wait()

	if c.polls != 2 {
		t.Errorf("polls = %d, want 2 (one task, one empty)", c.polls)
	}
	if got := testutil.ToFloat64(pollsTotal.WithLabelValues("empty", pollEmpty)) - before; got != 1 {
		t.Errorf("empty polls counted = %v, want 1", got)
	}
	// All slots returned.
	if !r.sem.TryAcquire(4) {
		t.Error("semaphore slots leaked")
	}
}

func TestPollCycleStopsOnError(t *testing.T) {
	c := &scriptedClient{pollErr: errors.New("502 bad gateway")}
	r, _ := newTestRunner(t, c, Echo("flaky"), 2)

	before := testutil.ToFloat64(pollsTotal.WithLabelValues("flaky", pollError))
	r.pollCycle(context.Background(), context.Background())

	if c.polls != 1 {
		t.Errorf("polls = %d, want 1", c.polls)
	}
	if got := testutil.ToFloat64(pollsTotal.WithLabelValues("flaky", pollError)) - before; got != 1 {
		t.Errorf("poll errors counted = %v, want 1", got)
	}
	if !r.sem.TryAcquire(2) {
		t.Error("semaphore slots leaked")
	}
}

func TestPushUpdateAttempts(t *testing.T) {
	tests := []struct {
		name         string
		failUpdates  int
		retries      int
		wantAttempts int
		wantErr      bool
	}{
		{"first try", 0, 3, 1, false},
		{"succeeds on last retry", 3, 3, 4, false},
		{"exhausted", 10, 3, 4, true},
		{"no retries", 10, 0, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &scriptedClient{failUpdates: tt.failUpdates}
			r, _ := newTestRunner(t, c, Echo("upd"), 1)
			r.opts.UpdateRetryCount = tt.retries

			attempts, err := r.pushUpdate(context.Background(), &model.TaskResult{TaskID: "t"})
			if attempts != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", attempts, tt.wantAttempts)
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if c.updates != tt.wantAttempts {
				t.Errorf("Update calls = %d, want %d", c.updates, tt.wantAttempts)
			}
		})
	}
}

func TestPushUpdateStopsOnCancel(t *testing.T) {
	c := &scriptedClient{failUpdates: 10}
	r, _ := newTestRunner(t, c, Echo("upd"), 1)
	r.opts.SleepWhenRetry = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	attempts, err := r.pushUpdate(ctx, &model.TaskResult{TaskID: "t"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestMetricsRegistered(t *testing.T) {
	// Touch each vector so it has a child to gather.
	pollsTotal.WithLabelValues("metrics", pollTask)
	tasksTotal.WithLabelValues("metrics", model.TaskStatusCompleted)
	updateAttemptsTotal.WithLabelValues("metrics", updateSuccess)
	updatesAbandonedTotal.WithLabelValues("metrics")
	inflightTasks.WithLabelValues("metrics")
	taskDuration.WithLabelValues("metrics")

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	expected := []string{
		"ember_automator_polls_total",
		"ember_automator_tasks_total",
		"ember_automator_update_attempts_total",
		"ember_automator_updates_abandoned_total",
		"ember_automator_inflight_tasks",
		"ember_automator_task_duration_seconds",
	}

	found := make(map[string]bool)
	for _, fam := range families {
		found[fam.GetName()] = true
	}
	for _, name := range expected {
		if !found[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}
