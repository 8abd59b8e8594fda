package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vyvo/compute/reviewci/pkg/revision"
)

var ErrNotFound = errors.New("queue item not found")

type ItemStatus string

const (
	StatusPending ItemStatus = "pending"
	StatusClaimed ItemStatus = "claimed"
)

// Item is a revision waiting to be built for a job.
type Item struct {
	ID         string        `json:"id"`
	Job        string        `json:"job"`
	Revision   string        `json:"revision"`
	CommitTime time.Time     `json:"commit_time"`
	Lane       revision.Lane `json:"lane"`
	Status     ItemStatus    `json:"status"`
	CreatedAt  int64         `json:"created_at"`
	ClaimedAt  int64         `json:"claimed_at,omitempty"`
}

// NewItem wraps a selected candidate.
func NewItem(job string, c revision.Candidate) *Item {
	return &Item{
		ID:         uuid.NewString(),
		Job:        job,
		Revision:   c.ID,
		CommitTime: c.When,
		Lane:       c.Lane,
	}
}

func (i Item) Candidate() revision.Candidate {
	return revision.Candidate{Commit: revision.Commit{ID: i.Revision, When: i.CommitTime}, Lane: i.Lane}
}

// Queue holds pending builds per job in FIFO order.
type Queue interface {
	Enqueue(ctx context.Context, item *Item) error
	// Dequeue waits up to wait for an item. It returns nil, nil when the
	// queue stayed empty.
	Dequeue(ctx context.Context, job string, wait time.Duration) (*Item, error)
	Len(ctx context.Context, job string) (int64, error)
	Close() error
}

var (
	_ Queue = (*MemQueue)(nil)
	_ Queue = (*RedisQueue)(nil)
)

// MemQueue is an in-process Queue.
type MemQueue struct {
	mu     sync.Mutex
	items  map[string][]*Item
	signal chan struct{}
}

func NewMemQueue() *MemQueue {
	return &MemQueue{items: map[string][]*Item{}, signal: make(chan struct{})}
}

func (q *MemQueue) Enqueue(_ context.Context, item *Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.Status = StatusPending
	item.CreatedAt = time.Now().Unix()
	cp := *item
	q.items[item.Job] = append(q.items[item.Job], &cp)
	close(q.signal)
	q.signal = make(chan struct{})
	return nil
}

func (q *MemQueue) Dequeue(ctx context.Context, job string, wait time.Duration) (*Item, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if pending := q.items[job]; len(pending) > 0 {
			item := pending[0]
			q.items[job] = pending[1:]
			q.mu.Unlock()
			item.Status = StatusClaimed
			item.ClaimedAt = time.Now().Unix()
			return item, nil
		}
		signal := q.signal
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-signal:
		}
	}
}

func (q *MemQueue) Len(_ context.Context, job string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items[job])), nil
}

func (q *MemQueue) Close() error {
	return nil
}
