package automator

import (
	"fmt"
	"os"
	"time"
)

// Defaults applied by New.
const (
	DefaultThreadCount         = 1
	DefaultPollInterval        = 100 * time.Millisecond
	DefaultPollTimeout         = 100 * time.Millisecond
	DefaultUpdateRetryCount    = 3
	DefaultSleepWhenRetry      = 500 * time.Millisecond
	DefaultShutdownGracePeriod = 10 * time.Second

	// MinShutdownGracePeriod is the shortest grace period New accepts.
	MinShutdownGracePeriod = time.Second
)

// Options configures an Automator. Zero values select the defaults above.
type Options struct {
	// ThreadCount is the worker pool size for task types without an override.
	ThreadCount int
	// PollInterval is the fixed delay between poll cycles.
	PollInterval time.Duration
	// PollTimeout is how long the server may hold a poll open.
	PollTimeout time.Duration
	// UpdateRetryCount is the number of retries after a failed result update.
	// Zero means use the default; set NoUpdateRetries to disable retries.
	UpdateRetryCount int
	// NoUpdateRetries makes a failed update final after one attempt.
	NoUpdateRetries bool
	// SleepWhenRetry is the pause between update attempts.
	SleepWhenRetry time.Duration
	// ShutdownGracePeriod bounds how long Shutdown waits for in-flight tasks.
	ShutdownGracePeriod time.Duration
	// WorkerID identifies this process to the server. Defaults to the hostname.
	WorkerID string
}

func (o *Options) applyDefaults() error {
	switch {
	case o.ThreadCount < 0:
		return fmt.Errorf("thread count must not be negative, got %d", o.ThreadCount)
	case o.PollInterval < 0:
		return fmt.Errorf("poll interval must be positive, got %s", o.PollInterval)
	case o.PollTimeout < 0:
		return fmt.Errorf("poll timeout must not be negative, got %s", o.PollTimeout)
	case o.UpdateRetryCount < 0:
		return fmt.Errorf("update retry count must not be negative, got %d", o.UpdateRetryCount)
	case o.SleepWhenRetry < 0:
		return fmt.Errorf("sleep when retry must not be negative, got %s", o.SleepWhenRetry)
	case o.ShutdownGracePeriod != 0 && o.ShutdownGracePeriod < MinShutdownGracePeriod:
		return fmt.Errorf("shutdown grace period must be at least %s, got %s", MinShutdownGracePeriod, o.ShutdownGracePeriod)
	}

	if o.ThreadCount == 0 {
		o.ThreadCount = DefaultThreadCount
	}
	if o.PollInterval == 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.PollTimeout == 0 {
		o.PollTimeout = DefaultPollTimeout
	}
	if o.NoUpdateRetries {
		o.UpdateRetryCount = 0
	} else if o.UpdateRetryCount == 0 {
		o.UpdateRetryCount = DefaultUpdateRetryCount
	}
	if o.SleepWhenRetry == 0 {
		o.SleepWhenRetry = DefaultSleepWhenRetry
	}
	if o.ShutdownGracePeriod == 0 {
		o.ShutdownGracePeriod = DefaultShutdownGracePeriod
	}
	if o.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "ember-worker"
		}
		o.WorkerID = host
	}
	return nil
}

// RunnerConfig holds per-task-type overrides. Zero fields inherit the
// automator-wide value.
type RunnerConfig struct {
	ThreadCount  int
	PollInterval time.Duration
	PollTimeout  time.Duration
	Domain       string
}

func (c RunnerConfig) validate() error {
	switch {
	case c.ThreadCount < 0:
		return fmt.Errorf("thread count must not be negative, got %d", c.ThreadCount)
	case c.PollInterval < 0:
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	case c.PollTimeout < 0:
		return fmt.Errorf("poll timeout must not be negative, got %s", c.PollTimeout)
	}
	return nil
}

// resolve fills unset fields from the automator options.
func (c RunnerConfig) resolve(o Options) RunnerConfig {
	if c.ThreadCount == 0 {
		c.ThreadCount = o.ThreadCount
	}
	if c.PollInterval == 0 {
		c.PollInterval = o.PollInterval
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = o.PollTimeout
	}
	return c
}
