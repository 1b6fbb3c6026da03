package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomhq/loom/pkg/schema"
)

// WorkflowRunner is the interface the scheduler uses to launch runs.
// Satisfied by the engine's Runner (avoids an import cycle).
type WorkflowRunner interface {
	RunDocument(ctx context.Context, doc *schema.WorkflowDocument) error
}

// Entry is one recurring workflow registration.
type Entry struct {
	ID         string
	CronExpr   string
	Document   *schema.WorkflowDocument
	NextRunAt  time.Time
	LastRunAt  time.Time
	LastStatus string
	Enabled    bool
}

// Scheduler runs registered workflows on their cron schedules. Registrations
// live in memory; the tick loop fires due entries and recomputes next run
// times.
type Scheduler struct {
	runner WorkflowRunner
	parser cron.Parser
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*Entry
	cancel  context.CancelFunc
	done    chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // entry IDs currently executing (dedup)
}

// NewScheduler creates a Scheduler with the standard 5-field cron syntax.
func NewScheduler(runner WorkflowRunner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		entries:  make(map[string]*Entry),
		inflight: make(map[string]struct{}),
	}
}

// Add registers a workflow to run on the given cron expression.
func (s *Scheduler) Add(id, cronExpr string, doc *schema.WorkflowDocument) error {
	next, err := s.nextRun(cronExpr, time.Now().UTC())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[id]; exists {
		return fmt.Errorf("schedule %q already registered", id)
	}
	s.entries[id] = &Entry{
		ID:        id,
		CronExpr:  cronExpr,
		Document:  doc,
		NextRunAt: next,
		Enabled:   true,
	}
	return nil
}

// Remove drops a registration. Unknown ids are a no-op.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// SetEnabled toggles an entry without losing its registration.
func (s *Scheduler) SetEnabled(id string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		e.Enabled = enabled
	}
}

// Entries returns a snapshot of the current registrations.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

// Stop gracefully shuts down the scheduling loop. The lock is released
// before waiting so the loop goroutine can still reach Tick and observe
// cancellation.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every enabled entry whose next run time has arrived. Exported
// so tests and callers can drive the scheduler without the 60s loop.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	var due []*Entry
	for _, e := range s.entries {
		if e.Enabled && !e.NextRunAt.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		if !s.tryAcquire(e.ID) {
			continue // already running (dedup)
		}
		s.runEntry(ctx, e, now)
		s.release(e.ID)
	}
}

func (s *Scheduler) runEntry(ctx context.Context, e *Entry, now time.Time) {
	s.logger.Info("running scheduled workflow",
		slog.String("schedule_id", e.ID),
		slog.String("workflow", e.Document.Name),
	)

	status := "success"
	if err := s.runner.RunDocument(ctx, e.Document); err != nil {
		status = "error"
		s.logger.Error("scheduled workflow failed",
			slog.String("schedule_id", e.ID),
			slog.String("error", err.Error()),
		)
	}

	next, err := s.nextRun(e.CronExpr, now)
	if err != nil {
		// Expression was valid at registration; treat failure as disable.
		s.logger.Error("failed to compute next run, disabling schedule",
			slog.String("schedule_id", e.ID),
			slog.String("error", err.Error()),
		)
		s.SetEnabled(e.ID, false)
		return
	}

	s.mu.Lock()
	e.LastRunAt = now
	e.LastStatus = status
	e.NextRunAt = next
	s.mu.Unlock()
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

func (s *Scheduler) nextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}
