// Package scheduler runs configured prompts through the agent on a
// cron schedule and reports the results to the notification chat.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oakmere/ivy/internal/agent"
	"github.com/oakmere/ivy/internal/config"
	"github.com/oakmere/ivy/internal/usage"
)

// taskTimeout bounds a single scheduled run.
const taskTimeout = 5 * time.Minute

// TaskRunner abstracts the agent loop. The real implementation is
// *agent.Loop.
type TaskRunner interface {
	RespondOnce(ctx context.Context, prompt string) (*agent.Result, error)
}

// Notifier delivers task results. The real implementation is
// *telegram.Bridge.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// BudgetKeeper gates and records scheduled token spend.
type BudgetKeeper interface {
	CheckBudget() (allowed bool, warning string)
	Record(inputTokens, outputTokens int) error
}

// UsageRecorder keeps per-run usage detail. May be nil.
type UsageRecorder interface {
	Add(ctx context.Context, rec usage.Record) error
}

// Task is one configured scheduled prompt.
type Task struct {
	Name   string
	Prompt string
	Expr   *Expression
}

// Scheduler fires configured tasks on their cron schedules.
type Scheduler struct {
	runner   TaskRunner
	notifier Notifier
	governor BudgetKeeper
	detail   UsageRecorder
	logger   *slog.Logger
	tasks    map[string]*Task

	mu      sync.Mutex
	timers  map[string]*time.Timer
	running bool
	wg      sync.WaitGroup
}

// New builds a scheduler from the configured task list. Tasks with
// invalid cron expressions are logged and skipped; disabled tasks are
// ignored.
func New(cfgTasks []config.ScheduleTask, runner TaskRunner, notifier Notifier, governor BudgetKeeper, detail UsageRecorder, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	tasks := make(map[string]*Task)
	for _, ct := range cfgTasks {
		if !ct.IsEnabled() {
			logger.Debug("scheduled task disabled", "name", ct.Name)
			continue
		}
		expr, err := ParseCron(ct.Cron)
		if err != nil {
			logger.Error("scheduled task has invalid cron, skipping",
				"name", ct.Name,
				"error", err,
			)
			continue
		}
		tasks[ct.Name] = &Task{Name: ct.Name, Prompt: ct.Prompt, Expr: expr}
	}

	return &Scheduler{
		runner:   runner,
		notifier: notifier,
		governor: governor,
		detail:   detail,
		logger:   logger,
		tasks:    tasks,
		timers:   make(map[string]*time.Timer),
	}
}

// Len returns the number of schedulable tasks.
func (s *Scheduler) Len() int {
	return len(s.tasks)
}

// Start arms a timer for every task.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	for _, task := range s.tasks {
		s.scheduleTask(task)
	}
	s.logger.Info("scheduler started", "tasks", len(s.tasks))
}

// Stop cancels all timers and waits for in-flight runs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for name, timer := range s.timers {
		timer.Stop()
		delete(s.timers, name)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// TriggerTask runs a task immediately, bypassing its schedule.
func (s *Scheduler) TriggerTask(ctx context.Context, name string) error {
	task, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("no scheduled task named %q", name)
	}
	s.runTask(ctx, task)
	return nil
}

// scheduleTask arms the timer for the task's next firing.
func (s *Scheduler) scheduleTask(task *Task) {
	next := task.Expr.Next(time.Now())
	if next.IsZero() {
		s.logger.Warn("task has no future runs", "name", task.Name)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if timer, exists := s.timers[task.Name]; exists {
		timer.Stop()
	}
	s.timers[task.Name] = time.AfterFunc(time.Until(next), func() {
		s.onTaskFire(task)
	})

	s.logger.Debug("task scheduled", "name", task.Name, "next", next)
}

// onTaskFire runs the task and rearms its timer.
func (s *Scheduler) onTaskFire(task *Task) {
	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	delete(s.timers, task.Name)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()
	s.runTask(ctx, task)

	s.scheduleTask(task)
}

// runTask sends the task prompt through the agent and notifies the
// result. Failures become error notifications rather than silence.
func (s *Scheduler) runTask(ctx context.Context, task *Task) {
	start := time.Now()
	s.logger.Info("running scheduled task", "name", task.Name)

	if allowed, _ := s.governor.CheckBudget(); !allowed {
		s.logger.Warn("scheduled task skipped, token budget exhausted", "name", task.Name)
		s.notify(ctx, fmt.Sprintf("Skipped scheduled task %q: daily token budget exhausted.", task.Name))
		return
	}

	result, err := s.runner.RespondOnce(ctx, task.Prompt)
	if err != nil {
		s.logger.Error("scheduled task failed",
			"name", task.Name,
			"error", err,
		)
		// Book whatever the aborted run spent.
		if result != nil && (result.InputTokens > 0 || result.OutputTokens > 0) {
			if rerr := s.governor.Record(result.InputTokens, result.OutputTokens); rerr != nil {
				s.logger.Warn("usage record failed", "error", rerr)
			}
		}
		s.notify(ctx, fmt.Sprintf("Scheduled task %q failed: %v", task.Name, err))
		return
	}

	if err := s.governor.Record(result.InputTokens, result.OutputTokens); err != nil {
		s.logger.Warn("usage record failed", "error", err)
	}
	if s.detail != nil {
		rec := usage.Record{
			Timestamp:    time.Now(),
			Model:        result.Model,
			InputTokens:  result.InputTokens,
			OutputTokens: result.OutputTokens,
			CostUSD:      usage.EstimateCost(result.Model, result.InputTokens, result.OutputTokens),
			Kind:         "scheduled",
			TaskName:     task.Name,
		}
		if err := s.detail.Add(ctx, rec); err != nil {
			s.logger.Warn("usage detail record failed", "error", err)
		}
	}

	s.logger.Info("scheduled task completed",
		"name", task.Name,
		"duration", time.Since(start).Round(time.Millisecond),
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
	)
	s.notify(ctx, result.Reply)
}

func (s *Scheduler) notify(ctx context.Context, text string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, text); err != nil {
		s.logger.Warn("task notification failed", "error", err)
	}
}
