package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/bargom/resilience/internal/scheduler/tasks"
	"github.com/bargom/resilience/pkg/logging"
)

// Scheduler runs queue passes through asynq: a periodic entry enqueues
// TypeProcessQueue and a server executes it on one worker at a time.
type Scheduler struct {
	config    Config
	client    *asynq.Client
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
}

// New creates an asynq-backed scheduler. mux handles the task types in
// the tasks package. Tasks go to cfg.QueueName(); a random InstanceID is
// assigned when none is configured.
func New(cfg Config, mux *asynq.ServeMux, logger *slog.Logger) *Scheduler {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	logger = logging.ComponentLogger(logger, "scheduler").With("instance", cfg.InstanceID)
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	asynqLogger := &slogAdapter{logger: logger}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:     cfg.Concurrency,
		Queues:          map[string]int{cfg.QueueName(): 1},
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          asynqLogger,
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return cfg.ProcessInterval
		},
	})

	return &Scheduler{
		config:    cfg,
		client:    asynq.NewClient(redisOpt),
		server:    server,
		scheduler: asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Logger: asynqLogger}),
		mux:       mux,
		logger:    logger,
	}
}

// taskOptions keeps at most one queue pass pending at a time.
func (s *Scheduler) taskOptions() []asynq.Option {
	return []asynq.Option{
		asynq.Queue(s.config.QueueName()),
		asynq.MaxRetry(0),
		asynq.Timeout(s.config.TaskTimeout),
		asynq.Unique(s.config.ProcessInterval),
	}
}

// Start registers the periodic entry and starts the worker and scheduler.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if _, err := s.scheduler.Register(s.config.CronSpec(), tasks.NewProcessQueueTask(), s.taskOptions()...); err != nil {
		return fmt.Errorf("register queue pass: %w", err)
	}
	if err := s.server.Start(s.mux); err != nil {
		return fmt.Errorf("start task server: %w", err)
	}
	if err := s.scheduler.Start(); err != nil {
		s.server.Shutdown()
		return fmt.Errorf("start task scheduler: %w", err)
	}

	s.running = true
	s.logger.Info("scheduler started",
		"queue", s.config.QueueName(),
		"interval", s.config.ProcessInterval,
	)
	return nil
}

// Stop shuts the scheduler and worker down and closes the client.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		_ = s.client.Close()
		return
	}
	s.scheduler.Shutdown()
	s.server.Shutdown()
	if err := s.client.Close(); err != nil {
		s.logger.Warn("closing task client", "error", err)
	}
	s.running = false
	s.logger.Info("scheduler stopped")
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.config
}

// TriggerProcess enqueues a queue pass for this instance now.
func (s *Scheduler) TriggerProcess(ctx context.Context) (string, error) {
	info, err := s.client.EnqueueContext(ctx, tasks.NewProcessQueueTask(), s.taskOptions()...)
	if err != nil {
		return "", fmt.Errorf("enqueue queue pass: %w", err)
	}
	return info.ID, nil
}

// TriggerHealthCheck enqueues failover health checks for manager, or for
// every manager when manager is empty.
func (s *Scheduler) TriggerHealthCheck(ctx context.Context, manager string) (string, error) {
	task, err := tasks.NewCheckProvidersTask(manager)
	if err != nil {
		return "", err
	}
	info, err := s.client.EnqueueContext(ctx, task, asynq.Queue(s.config.QueueName()), asynq.MaxRetry(0))
	if err != nil {
		return "", fmt.Errorf("enqueue health check: %w", err)
	}
	return info.ID, nil
}

// slogAdapter lets asynq log through slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Debug(args ...any) { a.logger.Debug(fmt.Sprint(args...)) }
func (a *slogAdapter) Info(args ...any)  { a.logger.Info(fmt.Sprint(args...)) }
func (a *slogAdapter) Warn(args ...any)  { a.logger.Warn(fmt.Sprint(args...)) }
func (a *slogAdapter) Error(args ...any) { a.logger.Error(fmt.Sprint(args...)) }

// Fatal logs at error level. asynq exits the process after calling it.
func (a *slogAdapter) Fatal(args ...any) { a.logger.Error(fmt.Sprint(args...)) }
