package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vyvo/compute/reviewci/pkg/queue"
)

// Poller runs each job's poll on its cron schedule and queues the next
// revision to build. Only one revision per job is queued at a time; the
// rest are picked up by later cycles once history has moved on.
type Poller struct {
	cron   *cron.Cron
	queue  queue.Queue
	busy   func(job string) bool
	logger Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	locks   map[string]*sync.Mutex
}

// NewPoller creates a stopped poller. busy reports whether a build of the
// job is currently running.
func NewPoller(q queue.Queue, busy func(job string) bool, logger Logger) *Poller {
	if busy == nil {
		busy = func(string) bool { return false }
	}
	return &Poller{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		queue:   q,
		busy:    busy,
		logger:  logger,
		entries: map[string]cron.EntryID{},
		locks:   map[string]*sync.Mutex{},
	}
}

// jobLock serializes selection cycles of one job across the schedule and
// manual triggers.
func (p *Poller) jobLock(job string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[job]
	if !ok {
		l = &sync.Mutex{}
		p.locks[job] = l
	}
	return l
}

// Add schedules job. Adding a job twice replaces its schedule.
func (p *Poller) Add(job *Job, schedule string) error {
	id, err := p.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := p.Trigger(ctx, job, true); err != nil {
			p.logger.Error("poll failed", "job", job.Name, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("job %s: invalid poll schedule %q: %w", job.Name, schedule, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.entries[job.Name]; ok {
		p.cron.Remove(prev)
	}
	p.entries[job.Name] = id
	return nil
}

// Trigger runs one selection cycle for job. It queues the first candidate
// unless the job is busy or already has queued work, and returns the queued
// item or nil.
func (p *Poller) Trigger(ctx context.Context, job *Job, pollOnly bool) (*queue.Item, error) {
	l := p.jobLock(job.Name)
	l.Lock()
	defer l.Unlock()

	if p.busy(job.Name) {
		return nil, nil
	}
	pending, err := p.queue.Len(ctx, job.Name)
	if err != nil {
		return nil, fmt.Errorf("queue length: %w", err)
	}
	if pending > 0 {
		return nil, nil
	}

	candidates, err := job.Candidates(ctx, pollOnly)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	item := queue.NewItem(job.Name, candidates[0])
	if err := p.queue.Enqueue(ctx, item); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	p.logger.Info("queued build", "job", job.Name, "revision", item.Revision, "remaining", len(candidates)-1)
	return item, nil
}

func (p *Poller) Start() {
	p.cron.Start()
}

// Stop halts scheduling and waits for running polls or ctx.
func (p *Poller) Stop(ctx context.Context) {
	done := p.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
