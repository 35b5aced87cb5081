package progress

import (
	"sync"

	"github.com/italolelis/episode_downloader/internal/events"
)

// Publisher is the subset of the events bus the aggregator needs.
type Publisher interface {
	Publish(ev events.Event) error
}

// Snapshot is the registry state the aggregate is computed from. Generation
// increases with every registry mutation.
type Snapshot struct {
	Generation uint64
	Count      int
	Sum        float64
}

// Status is the derived queue-wide status.
type Status struct {
	Count   int
	Average float64
}

// StatusOf computes the status of s. The average of an empty queue is 0.
func StatusOf(s Snapshot) Status {
	if s.Count == 0 {
		return Status{}
	}

	return Status{Count: s.Count, Average: s.Sum / float64(s.Count)}
}

// Aggregator publishes progress-changed when the derived status changes.
type Aggregator struct {
	pub Publisher

	mu       sync.Mutex
	lastGen  uint64
	observed bool
	last     Status
}

func NewAggregator(pub Publisher) *Aggregator {
	return &Aggregator{pub: pub}
}

// Observe recomputes the status from s and publishes it if it differs from
// the last published one. Snapshots older than one already observed are
// ignored: two workers may race between taking a snapshot and observing it.
func (a *Aggregator) Observe(s Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.observed && s.Generation < a.lastGen {
		return
	}

	a.observed = true
	a.lastGen = s.Generation

	now := StatusOf(s)
	if now == a.last {
		return
	}

	a.last = now

	// The bus only enqueues, so publishing under the lock keeps the
	// published sequence in generation order without blocking.
	_ = a.pub.Publish(events.ProgressChangedEvent{Count: now.Count, Average: now.Average})
}

// Status returns the last published status.
func (a *Aggregator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.last
}
