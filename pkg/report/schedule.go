package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Schedule manager defaults.
const (
	DefaultRunDeadline   = 30 * time.Minute
	DefaultRunHistoryCap = 50
)

// ErrScheduleNotFound is returned for unknown schedule ids.
var ErrScheduleNotFound = errors.New("SCHEDULE_NOT_FOUND")

// RunStatus is the lifecycle state of one scheduled run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Schedule is one cron-driven report generation.
type Schedule struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	CronExpr  string          `json:"cronExpr"`
	Enabled   bool            `json:"enabled"`
	Request   GenerateRequest `json:"request"`
	Deadline  time.Duration   `json:"deadline,omitempty"` // per-run, default 30m
	LastRunAt *time.Time      `json:"lastRunAt,omitempty"`
	NextRunAt time.Time       `json:"nextRunAt"`
	CreatedAt time.Time       `json:"createdAt"`
}

// ScheduledReportRun records one execution of a schedule.
type ScheduledReportRun struct {
	RunID       string     `json:"runId"`
	ScheduleID  string     `json:"scheduleId"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	ReportID    string     `json:"reportId,omitempty"`
	Error       string     `json:"error,omitempty"`
}

type scheduleState struct {
	schedule Schedule
	cron     *cronSchedule
	// runs is a bounded ring buffer, oldest overwritten first.
	runs []*ScheduledReportRun
	next int
	full bool
}

func (s *scheduleState) record(run *ScheduledReportRun) {
	if len(s.runs) < cap(s.runs) {
		s.runs = append(s.runs, run)
		return
	}
	s.runs[s.next] = run
	s.next = (s.next + 1) % cap(s.runs)
	s.full = true
}

// history returns the recorded runs, oldest first.
func (s *scheduleState) history() []*ScheduledReportRun {
	if !s.full {
		out := make([]*ScheduledReportRun, len(s.runs))
		copy(out, s.runs)
		return out
	}
	out := make([]*ScheduledReportRun, 0, cap(s.runs))
	out = append(out, s.runs[s.next:]...)
	out = append(out, s.runs[:s.next]...)
	return out
}

// ScheduleManager maintains cron schedules and drives report generation
// through a Generator. Due schedules are processed sequentially per tick; a
// tick never overlaps runs of the same schedule.
type ScheduleManager struct {
	generator *Generator
	log       *slog.Logger
	clock     func() time.Time
	history   int

	mu        sync.Mutex
	schedules map[string]*scheduleState
}

// ManagerOption configures a ScheduleManager.
type ManagerOption func(*ScheduleManager)

// WithManagerClock overrides the manager clock, for deterministic tests.
func WithManagerClock(clock func() time.Time) ManagerOption {
	return func(m *ScheduleManager) { m.clock = clock }
}

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(log *slog.Logger) ManagerOption {
	return func(m *ScheduleManager) { m.log = log }
}

// WithRunHistory bounds the per-schedule run ring buffer.
func WithRunHistory(n int) ManagerOption {
	return func(m *ScheduleManager) { m.history = n }
}

// NewScheduleManager creates a manager over a generator.
func NewScheduleManager(generator *Generator, opts ...ManagerOption) *ScheduleManager {
	m := &ScheduleManager{
		generator: generator,
		log:       slog.Default(),
		clock:     time.Now,
		history:   DefaultRunHistoryCap,
		schedules: make(map[string]*scheduleState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddSchedule registers a schedule and computes its first firing time.
func (m *ScheduleManager) AddSchedule(sched Schedule) (*Schedule, error) {
	cron, err := ParseCron(sched.CronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	now := m.clock()
	next, err := cron.Next(now)
	if err != nil {
		return nil, err
	}
	if sched.ID == "" {
		sched.ID = uuid.New().String()
	}
	if sched.Deadline <= 0 {
		sched.Deadline = DefaultRunDeadline
	}
	sched.NextRunAt = next
	sched.CreatedAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[sched.ID] = &scheduleState{
		schedule: sched,
		cron:     cron,
		runs:     make([]*ScheduledReportRun, 0, m.history),
	}
	m.log.Info("report schedule added",
		"schedule", sched.ID, "cron", sched.CronExpr, "nextRun", next)
	out := sched
	return &out, nil
}

// RemoveSchedule drops a schedule and its run history.
func (m *ScheduleManager) RemoveSchedule(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	delete(m.schedules, id)
	return nil
}

// SetEnabled toggles a schedule.
func (m *ScheduleManager) SetEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.schedules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	state.schedule.Enabled = enabled
	return nil
}

// GetSchedule returns a copy of one schedule.
func (m *ScheduleManager) GetSchedule(id string) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.schedules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	out := state.schedule
	return &out, nil
}

// ListSchedules returns copies of every schedule.
func (m *ScheduleManager) ListSchedules() []*Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Schedule, 0, len(m.schedules))
	for _, state := range m.schedules {
		sched := state.schedule
		out = append(out, &sched)
	}
	return out
}

// GetRunHistory returns a schedule's recorded runs, oldest first.
func (m *ScheduleManager) GetRunHistory(id string) ([]*ScheduledReportRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.schedules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	return state.history(), nil
}

// ProcessDueSchedules runs every enabled schedule whose nextRunAt has
// passed, sequentially, and refreshes each one's nextRunAt. Returns the runs
// it performed.
func (m *ScheduleManager) ProcessDueSchedules(ctx context.Context) []*ScheduledReportRun {
	now := m.clock()

	m.mu.Lock()
	var due []*scheduleState
	for _, state := range m.schedules {
		if !state.schedule.Enabled {
			continue
		}
		if !state.schedule.NextRunAt.After(now) {
			due = append(due, state)
		}
	}
	m.mu.Unlock()

	var runs []*ScheduledReportRun
	for _, state := range due {
		runs = append(runs, m.execute(ctx, state))
	}
	return runs
}

// RunSchedule fires one schedule immediately, enabled or not.
func (m *ScheduleManager) RunSchedule(ctx context.Context, id string) (*ScheduledReportRun, error) {
	m.mu.Lock()
	state, ok := m.schedules[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	return m.execute(ctx, state), nil
}

// execute performs one run under the schedule's deadline and records it.
func (m *ScheduleManager) execute(ctx context.Context, state *scheduleState) *ScheduledReportRun {
	started := m.clock()
	run := &ScheduledReportRun{
		RunID:      uuid.New().String(),
		ScheduleID: state.schedule.ID,
		Status:     RunRunning,
		StartedAt:  started,
	}

	runCtx, cancel := context.WithTimeout(ctx, state.schedule.Deadline)
	rpt, err := m.generator.Generate(runCtx, state.schedule.Request)
	cancel()

	completed := m.clock()
	run.CompletedAt = &completed
	switch {
	case err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		run.Status = RunFailed
		run.Error = "deadline_exceeded"
	case err != nil:
		run.Status = RunFailed
		run.Error = err.Error()
	default:
		run.Status = RunCompleted
		run.ReportID = rpt.ReportID
	}

	m.mu.Lock()
	state.record(run)
	state.schedule.LastRunAt = &started
	if next, nerr := state.cron.Next(completed); nerr == nil {
		state.schedule.NextRunAt = next
	}
	m.mu.Unlock()

	if run.Status == RunFailed {
		m.log.Warn("scheduled report run failed",
			"schedule", state.schedule.ID, "run", run.RunID, "error", run.Error)
	} else {
		m.log.Info("scheduled report run completed",
			"schedule", state.schedule.ID, "run", run.RunID, "report", run.ReportID)
	}
	return run
}
