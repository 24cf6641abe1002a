// Package batch runs many image transactions concurrently with per-image
// failure isolation.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/RevCBH/winforge/internal/action"
	"github.com/RevCBH/winforge/internal/events"
	"github.com/RevCBH/winforge/internal/image"
	"github.com/RevCBH/winforge/internal/logging"
	"github.com/RevCBH/winforge/internal/txn"
)

// Job is one image and the ordered actions to apply to it.
type Job struct {
	Image   image.Image
	Actions []action.Action

	// Label names the job in events and results; defaults to the image name
	Label string
}

func (j Job) label() string {
	if j.Label != "" {
		return j.Label
	}
	return j.Image.Name()
}

// Stats holds current scheduler statistics
type Stats struct {
	// Active is the number of coordinators running right now
	Active int

	// HighWater is the most coordinators ever running at once
	HighWater int

	Completed int
	Failed    int
}

// Scheduler drives batches of jobs through a fixed pool of workers.
type Scheduler struct {
	engine *txn.Engine
	logger *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a scheduler over engine.
func New(engine *txn.Engine) *Scheduler {
	return &Scheduler{
		engine: engine,
		logger: logging.OrNop(engine.Logger),
	}
}

// Submit runs jobs with at most limit coordinators at a time and blocks until
// every dispatched job has ended. Job failures never abort the batch; they
// are reported in the Result. Only structural problems return an error.
// Cancelling ctx stops dispatch: undispatched jobs are reported cancelled and
// running ones roll back.
func (s *Scheduler) Submit(ctx context.Context, jobs []Job, limit int) (*Result, error) {
	if limit < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidLimit, limit)
	}
	if s.engine.Drivers == nil || s.engine.Drivers.Len() == 0 {
		return nil, ErrNoDrivers
	}

	entries := make([]Entry, len(jobs))
	for i, j := range jobs {
		entries[i] = Entry{
			Index:      i,
			Label:      j.label(),
			Image:      j.Image,
			FinalState: StateCancelled,
			Error:      ErrCancelled,
		}
	}

	workers := min(limit, max(len(jobs), 1))
	s.logger.Info("batch started", "jobs", len(jobs), "workers", workers)
	s.engine.Bus.Emit(events.NewEvent(events.BatchStarted, "").
		WithPayload(map[string]any{"jobs": len(jobs), "workers": workers}))

	queue := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range queue {
				if ctx.Err() != nil {
					continue
				}
				entries[i] = s.runJob(ctx, i, jobs[i])
			}
		}()
	}

dispatch:
	for i, j := range jobs {
		if ctx.Err() != nil {
			break
		}
		select {
		case queue <- i:
			s.engine.Bus.Emit(events.NewEvent(events.TxnQueued, j.label()).
				WithPayload(map[string]any{"index": i}))
		case <-ctx.Done():
			break dispatch
		}
	}
	close(queue)
	wg.Wait()

	res := &Result{Entries: entries, Status: statusOf(entries)}
	if ctx.Err() != nil {
		s.engine.Bus.Emit(events.NewEvent(events.BatchCancelled, "").WithError(ctx.Err()))
	}
	s.engine.Bus.Emit(events.NewEvent(events.BatchCompleted, "").WithPayload(map[string]any{
		"status":    string(res.Status),
		"committed": res.Committed(),
		"failed":    len(res.Failed()),
	}))
	s.logger.Info("batch completed",
		"status", res.Status, "committed", res.Committed(), "failed", len(res.Failed()))
	return res, nil
}

// Stats returns current scheduler statistics
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// runJob drives one coordinator. A panic is confined to this job.
func (s *Scheduler) runJob(ctx context.Context, index int, job Job) (entry Entry) {
	s.enter()
	start := time.Now()
	label := job.label()

	var c *txn.Coordinator
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", "job", label, "panic", r, "stack", string(debug.Stack()))
			if c != nil {
				endQuietly(ctx, c)
			}
			entry = Entry{
				Index:      index,
				Label:      label,
				Image:      job.Image,
				FinalState: txn.StateFailed,
				Error:      fmt.Errorf("job panicked: %v", r),
				StartedAt:  start,
				EndedAt:    time.Now(),
			}
			entry.Duration = entry.EndedAt.Sub(start)
			if c != nil {
				entry.TxnID = c.ID()
			}
		}
		s.leave(entry.Committed)
	}()

	c = s.engine.NewCoordinator(job.Image, label)
	return entryFromResult(index, label, c.Run(ctx, job.Actions))
}

// endQuietly releases what a panicking coordinator still holds.
func endQuietly(ctx context.Context, c *txn.Coordinator) {
	defer func() { _ = recover() }()
	_ = c.End(ctx)
}

func (s *Scheduler) enter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Active++
	s.stats.HighWater = max(s.stats.HighWater, s.stats.Active)
}

func (s *Scheduler) leave(committed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Active--
	if committed {
		s.stats.Completed++
	} else {
		s.stats.Failed++
	}
}
