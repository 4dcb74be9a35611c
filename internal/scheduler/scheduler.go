// Package scheduler triggers pipeline invocations on cron expressions.
// Overlapping triggers of the same task are skipped, never queued.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/discovery-pipeline/internal/logging"
)

// Task is one scheduled invocation. An empty Spec disables it.
type Task struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler owns a cron instance and the context tasks run under.
type Scheduler struct {
	cron    *cron.Cron
	logger  *zap.Logger
	mu      sync.RWMutex
	ctx     context.Context
	entries map[string]cron.EntryID
}

// New constructs a Scheduler evaluating specs in UTC. Specs use the standard
// five-field format or descriptors such as @hourly and @every 15m.
func New(logger *zap.Logger) *Scheduler {
	logger = logging.OrNop(logger).Named("scheduler")
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		ctx:     context.Background(),
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers task. Tasks with an empty spec are skipped and reported false.
func (s *Scheduler) Add(task Task) (bool, error) {
	if task.Spec == "" {
		s.logger.Debug("task disabled", zap.String("task", task.Name))
		return false, nil
	}
	if _, exists := s.entries[task.Name]; exists {
		return false, fmt.Errorf("task %q already scheduled", task.Name)
	}
	id, err := s.cron.AddFunc(task.Spec, func() { s.invoke(task) })
	if err != nil {
		return false, fmt.Errorf("schedule %s %q: %w", task.Name, task.Spec, err)
	}
	s.entries[task.Name] = id
	s.logger.Info("task scheduled",
		zap.String("task", task.Name),
		zap.String("spec", task.Spec),
		zap.Time("next_run", s.cron.Entry(id).Schedule.Next(time.Now().UTC())),
	)
	return true, nil
}

// Len reports the number of scheduled tasks.
func (s *Scheduler) Len() int {
	return len(s.entries)
}

// Trigger runs a scheduled task now, through the same skip-if-running chain
// as cron-fired runs. It blocks until the task returns or is skipped.
func (s *Scheduler) Trigger(name string) error {
	id, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("task %q is not scheduled", name)
	}
	s.cron.Entry(id).WrappedJob.Run()
	return nil
}

// Run starts the cron loop and blocks until ctx is canceled, then waits for
// running tasks to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("tasks", len(s.entries)))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) invoke(task Task) {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	// A running task finishes even when shutdown begins.
	err := task.Run(context.WithoutCancel(ctx))
	fields := []zap.Field{zap.String("task", task.Name), zap.Duration("elapsed", time.Since(start))}
	if err != nil {
		s.logger.Error("scheduled task failed", append(fields, zap.Error(err))...)
		return
	}
	s.logger.Info("scheduled task finished", fields...)
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
