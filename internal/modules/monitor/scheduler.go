package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/augur/internal/domain"
)

// TaskFunc is one monitoring check.
type TaskFunc func(ctx context.Context) error

type task struct {
	name     string
	spec     string
	schedule cron.Schedule
	timeout  time.Duration
	fn       TaskFunc

	next         time.Time
	lastRun      time.Time
	lastDuration time.Duration
	lastErr      string
	runs         int
	failures     int
	skips        int
}

// TaskStatus is the public view of a scheduled task.
type TaskStatus struct {
	Name         string        `json:"name"`
	Schedule     string        `json:"schedule"`
	Timeout      time.Duration `json:"timeout"`
	Running      bool          `json:"running"`
	NextRun      time.Time     `json:"next_run"`
	LastRun      *time.Time    `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
	Runs         int           `json:"runs"`
	Failures     int           `json:"failures"`
	Skips        int           `json:"skips"`
}

// Scheduler drives tasks from one ticker. Every due task runs in its own goroutine
// bounded by its timeout and guarded against panics. A task that is still running
// when it comes due again is skipped.
type Scheduler struct {
	tick time.Duration
	now  func() time.Time

	mu       sync.Mutex
	tasks    map[string]*task
	inFlight map[string]bool
	wg       sync.WaitGroup

	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
	started bool

	log zerolog.Logger
}

// NewScheduler creates a scheduler checking for due tasks every tick.
func NewScheduler(tick time.Duration, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		tick:     tick,
		now:      time.Now,
		tasks:    make(map[string]*task),
		inFlight: make(map[string]bool),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
		log:      log.With().Str("component", "monitor_scheduler").Logger(),
	}
}

// Register adds a task. spec is a standard cron expression or a descriptor such
// as @hourly or @every 5m.
func (s *Scheduler) Register(name, spec string, timeout time.Duration, fn TaskFunc) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return domain.NewValidationError("schedule", fmt.Sprintf("task %s: %v", name, err))
	}
	if timeout <= 0 {
		return domain.NewValidationError("timeout", fmt.Sprintf("task %s: timeout must be positive", name))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[name]; exists {
		return domain.NewValidationError("task", fmt.Sprintf("task %s already registered", name))
	}
	s.tasks[name] = &task{
		name:     name,
		spec:     spec,
		schedule: schedule,
		timeout:  timeout,
		fn:       fn,
		next:     schedule.Next(s.now()),
	}
	s.log.Debug().Str("task", name).Str("schedule", spec).Msg("Task registered")
	return nil
}

// Run drives the tasks until Stop is called. Each tick starts the tasks whose
// next run time has passed and computes their next run from the schedule.
func (s *Scheduler) Run() {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	defer close(s.stopped)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.log.Info().Dur("tick", s.tick).Msg("Monitor scheduler started")
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.runDue(s.now())
		}
	}
}

// Stop ends the loop and waits for running tasks to return or time out.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.stopped
	}
	s.wg.Wait()
	s.log.Info().Msg("Monitor scheduler stopped")
}

// Wait blocks until every started task has finished or been abandoned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// RunNow starts the named task immediately. It returns false when the task is
// already running.
func (s *Scheduler) RunNow(name string) (bool, error) {
	s.mu.Lock()
	_, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return false, &domain.NotFoundError{Kind: "task", Name: name}
	}
	return s.start(name, s.now(), false), nil
}

// runDue starts every task whose next run time has passed.
func (s *Scheduler) runDue(now time.Time) {
	s.mu.Lock()
	var due []string
	for name, t := range s.tasks {
		if !now.Before(t.next) {
			due = append(due, name)
		}
	}
	s.mu.Unlock()

	sort.Strings(due)
	for _, name := range due {
		s.start(name, now, true)
	}
}

func (s *Scheduler) start(name string, now time.Time, scheduled bool) bool {
	s.mu.Lock()
	t := s.tasks[name]
	if scheduled {
		t.next = t.schedule.Next(now)
	}
	if s.inFlight[name] {
		t.skips++
		s.mu.Unlock()
		s.log.Warn().Str("task", name).Msg("Task still running, skipping")
		return false
	}
	s.inFlight[name] = true
	t.lastRun = now
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		started := time.Now()
		err := s.execute(t)

		s.mu.Lock()
		delete(s.inFlight, name)
		t.runs++
		t.lastDuration = time.Since(started)
		t.lastErr = ""
		if err != nil {
			t.failures++
			t.lastErr = err.Error()
		}
		s.mu.Unlock()
	}()
	return true
}

// execute runs fn with the task timeout. A task that overruns is abandoned: its
// goroutine is left to observe the cancelled context.
func (s *Scheduler) execute(t *task) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("task panicked: %v", r)
			}
		}()
		done <- t.fn(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			s.log.Error().Err(err).Str("task", t.name).Msg("Task failed")
		}
		return err
	case <-ctx.Done():
		s.log.Error().Str("task", t.name).Dur("timeout", t.timeout).Msg("Task timed out")
		return fmt.Errorf("task %s timed out after %s", t.name, t.timeout)
	}
}

// Status describes every task in name order.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for name, t := range s.tasks {
		st := TaskStatus{
			Name:         name,
			Schedule:     t.spec,
			Timeout:      t.timeout,
			Running:      s.inFlight[name],
			NextRun:      t.next,
			LastDuration: t.lastDuration,
			LastError:    t.lastErr,
			Runs:         t.runs,
			Failures:     t.failures,
			Skips:        t.skips,
		}
		if !t.lastRun.IsZero() {
			lr := t.lastRun
			st.LastRun = &lr
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
