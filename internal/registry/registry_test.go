package registry

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/italolelis/episode_downloader/internal/events"
	"github.com/italolelis/episode_downloader/internal/progress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorker struct {
	url       string
	cancelled atomic.Int32
}

func newWorker(url string) *fakeWorker { return &fakeWorker{url: url} }

func (w *fakeWorker) Cancel()     { w.cancelled.Add(1) }
func (w *fakeWorker) URL() string { return w.url }

type capture struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capture) Publish(ev events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append(c.events, ev)

	return nil
}

func (c *capture) ofKind(k events.Kind) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []events.Event
	for _, ev := range c.events {
		if ev.Kind() == k {
			out = append(out, ev)
		}
	}

	return out
}

func newTestRegistry(t *testing.T) (*Registry, *capture, *progress.Aggregator) {
	t.Helper()

	pub := &capture{}
	agg := progress.NewAggregator(pub)

	return New(context.Background(), pub, agg), pub, agg
}

func TestRegistry_ReserveIDIsMonotonic(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	seen := make(map[ID]bool)

	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			id := r.ReserveID()

			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}

	wg.Wait()
	assert.Len(t, seen, 50)

	next := r.ReserveID()
	assert.Equal(t, ID(50), next)

	r.Register(next, newWorker("u"))
	r.Remove(next)
	assert.Equal(t, ID(51), r.ReserveID(), "ids must not be reused after removal")
}

func TestRegistry_RegisterDefaults(t *testing.T) {
	r, pub, _ := newTestRegistry(t)

	id := r.ReserveID()
	r.Register(id, newWorker("http://feed/ep1.mp3"), WithEpisode("Episode 1"))

	e, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, 0.0, e.Progress)
	assert.Equal(t, SpeedQueued, e.Speed)
	assert.Equal(t, "Episode 1", e.Episode)
	assert.False(t, e.StartedAt.IsZero())

	assert.Len(t, pub.ofKind(events.ListChanged), 1)
	assert.True(t, r.HasItems())
}

func TestRegistry_AverageProgressScenario(t *testing.T) {
	r, pub, agg := newTestRegistry(t)

	ids := []ID{r.ReserveID(), r.ReserveID(), r.ReserveID()}
	for _, id := range ids {
		r.Register(id, newWorker("u"))
		r.Update(id, Progress(0))
	}

	r.Update(ids[1], Progress(1.0))
	assert.InDelta(t, 1.0/3.0, r.AverageProgress(), 1e-9)
	assert.InDelta(t, 1.0/3.0, agg.Status().Average, 1e-9)

	r.Remove(ids[1])
	assert.InDelta(t, 0.0, r.AverageProgress(), 1e-9)
	assert.Equal(t, 2, r.Count())
	assert.Equal(t, progress.Status{Count: 2}, agg.Status())

	changes := pub.ofKind(events.ProgressChanged)
	require.NotEmpty(t, changes)
	assert.Equal(t, events.ProgressChangedEvent{Count: 2}, changes[len(changes)-1])
}

func TestRegistry_AverageProgressMatchesMean(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	values := []float64{0.1, 0.25, 0.5, 0.75, 0.9}

	var sum float64
	for _, p := range values {
		id := r.ReserveID()
		r.Register(id, newWorker("u"))
		r.Update(id, Progress(p))
		sum += p
	}

	assert.InDelta(t, sum/float64(len(values)), r.AverageProgress(), 1e-9)
}

func TestRegistry_EmptyAverageIsZero(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	assert.Equal(t, 0.0, r.AverageProgress())
	assert.Equal(t, 0, r.Count())
	assert.False(t, r.HasItems())
}

func TestRegistry_UpdateClampsProgress(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	id := r.ReserveID()
	r.Register(id, newWorker("u"))

	tests := []struct {
		in   float64
		want float64
	}{
		{-0.5, 0},
		{1.7, 1},
		{math.NaN(), 0},
		{0.42, 0.42},
	}

	for _, tt := range tests {
		r.Update(id, Progress(tt.in))

		e, _ := r.Get(id)
		assert.Equal(t, tt.want, e.Progress)
	}
}

func TestRegistry_ProgressDetailNeedsProgressSpeedAndURL(t *testing.T) {
	r, pub, _ := newTestRegistry(t)

	id := r.ReserveID()
	r.Register(id, newWorker("http://feed/ep.mp3"))

	r.Update(id, Progress(0.1), Speed("1 MB/s"))
	assert.Empty(t, pub.ofKind(events.ProgressDetail), "no url known yet")

	r.Update(id, URL("http://feed/ep.mp3"))
	r.Update(id, Progress(0.2))
	assert.Empty(t, pub.ofKind(events.ProgressDetail), "speed missing")

	r.Update(id, Progress(0.3), Speed("2 MB/s"))

	details := pub.ofKind(events.ProgressDetail)
	require.Len(t, details, 1)
	assert.Equal(t, events.ProgressDetailEvent{URL: "http://feed/ep.mp3", Progress: 0.3, Speed: "2 MB/s"}, details[0])
}

func TestRegistry_StaleUpdateIsIgnored(t *testing.T) {
	r, pub, _ := newTestRegistry(t)

	keep := r.ReserveID()
	gone := r.ReserveID()
	r.Register(keep, newWorker("a"))
	r.Register(gone, newWorker("b"))
	r.Remove(gone)

	before := len(pub.ofKind(events.ListChanged))

	require.NotPanics(t, func() {
		r.Update(gone, Progress(0.9), Speed("fast"), URL("b"))
	})

	_, ok := r.Get(gone)
	assert.False(t, ok, "stale update must not resurrect the entry")
	assert.Equal(t, 1, r.Count())
	assert.Empty(t, pub.ofKind(events.ProgressDetail))
	assert.Len(t, pub.ofKind(events.ListChanged), before)

	require.NotPanics(t, func() { r.Remove(gone) })
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_RemoveCancelsWorker(t *testing.T) {
	r, pub, _ := newTestRegistry(t)

	w := newWorker("u")
	id := r.ReserveID()
	r.Register(id, w)
	r.Remove(id)

	assert.Equal(t, int32(1), w.cancelled.Load())
	assert.Equal(t, 0, r.Count())
	assert.Len(t, pub.ofKind(events.ListChanged), 2)
}

func TestRegistry_IsInProgressUsesWorkerURL(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	id := r.ReserveID()
	r.Register(id, newWorker("http://feed/ep.mp3"))

	assert.True(t, r.IsInProgress("http://feed/ep.mp3"))
	assert.False(t, r.IsInProgress("http://feed/other.mp3"))

	r.Remove(id)
	assert.False(t, r.IsInProgress("http://feed/ep.mp3"))
}

func TestRegistry_CancelByURL(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	first := newWorker("http://feed/ep.mp3")
	second := newWorker("http://feed/ep.mp3")

	r.Register(r.ReserveID(), first)
	r.Register(r.ReserveID(), second)
	r.Register(r.ReserveID(), newWorker("http://feed/other.mp3"))

	assert.True(t, r.CancelByURL("http://feed/ep.mp3"))
	assert.Equal(t, int32(1), first.cancelled.Load(), "oldest match is cancelled first")
	assert.Equal(t, int32(0), second.cancelled.Load())

	assert.True(t, r.CancelByURL("http://feed/ep.mp3"))
	assert.False(t, r.CancelByURL("http://feed/ep.mp3"))
	assert.False(t, r.CancelByURL("http://feed/missing.mp3"))
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_CancelByURLConcurrentReturnsTrueOnce(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	r.Register(r.ReserveID(), newWorker("http://feed/ep.mp3"))

	var (
		wg   sync.WaitGroup
		hits atomic.Int32
	)

	for i := 0; i < 20; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if r.CancelByURL("http://feed/ep.mp3") {
				hits.Add(1)
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), hits.Load())
}

func TestRegistry_CancelAll(t *testing.T) {
	r, pub, agg := newTestRegistry(t)

	workers := []*fakeWorker{newWorker("a"), newWorker("b"), newWorker("c")}
	for _, w := range workers {
		id := r.ReserveID()
		r.Register(id, w)
		r.Update(id, Progress(0.5))
	}

	r.CancelAll()

	for _, w := range workers {
		assert.Equal(t, int32(1), w.cancelled.Load())
	}

	assert.Equal(t, 0, r.Count())
	assert.Equal(t, progress.Status{}, agg.Status())
	assert.Equal(t, events.ProgressChangedEvent{}, pub.ofKind(events.ProgressChanged)[len(pub.ofKind(events.ProgressChanged))-1])
}

func TestRegistry_RequestProgressDetail(t *testing.T) {
	r, pub, _ := newTestRegistry(t)

	id := r.ReserveID()
	r.Register(id, newWorker("http://feed/ep.mp3"), WithURL("http://feed/ep.mp3"))

	r.RequestProgressDetail("http://feed/ep.mp3")

	details := pub.ofKind(events.ProgressDetail)
	require.Len(t, details, 1)
	assert.Equal(t, events.ProgressDetailEvent{URL: "http://feed/ep.mp3", Progress: 0, Speed: SpeedQueued}, details[0])

	r.Update(id, Progress(0.5), Speed("3 MB/s"))
	r.RequestProgressDetail("http://feed/ep.mp3")

	details = pub.ofKind(events.ProgressDetail)
	require.Len(t, details, 3)
	assert.Equal(t, details[1], details[2])

	r.RequestProgressDetail("http://feed/other.mp3")
	assert.Len(t, pub.ofKind(events.ProgressDetail), 3)
}

func TestRegistry_RequestProgressDetailAfterURLUpdate(t *testing.T) {
	r, pub, _ := newTestRegistry(t)

	id := r.ReserveID()
	r.Register(id, newWorker("w"))

	r.RequestProgressDetail("")
	assert.Empty(t, pub.ofKind(events.ProgressDetail))

	r.Update(id, URL("http://feed/ep.mp3"))
	r.RequestProgressDetail("http://feed/ep.mp3")

	details := pub.ofKind(events.ProgressDetail)
	require.Len(t, details, 1)
	assert.Equal(t, SpeedQueued, details[0].(events.ProgressDetailEvent).Speed)
}

func TestRegistry_CancelAllOnEmptyPublishesNothing(t *testing.T) {
	r, pub, _ := newTestRegistry(t)

	r.CancelAll()

	assert.Empty(t, pub.ofKind(events.ListChanged))
	assert.Empty(t, pub.ofKind(events.ProgressChanged))
}

func TestRegistry_SnapshotOrderedByID(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	for i := 0; i < 5; i++ {
		r.Register(r.ReserveID(), newWorker("u"))
	}

	snap := r.Snapshot()
	require.Len(t, snap, 5)

	for i, e := range snap {
		assert.Equal(t, ID(i), e.ID)
	}
}

func TestRegistry_ObserverMayReenter(t *testing.T) {
	pub := &reentrantPublisher{}
	agg := progress.NewAggregator(&capture{})
	r := New(context.Background(), pub, agg)
	pub.r = r

	id := r.ReserveID()
	r.Register(id, newWorker("u"))
	r.Remove(id)

	assert.Equal(t, []int{1, 0}, pub.counts)
}

// reentrantPublisher calls back into the registry while handling a publish.
type reentrantPublisher struct {
	r      *Registry
	counts []int
}

func (p *reentrantPublisher) Publish(ev events.Event) error {
	if ev.Kind() == events.ListChanged {
		p.counts = append(p.counts, p.r.Count())
	}

	return nil
}

func TestRegistry_CountInvariantUnderConcurrency(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	const workers = 16

	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			id := r.ReserveID()
			r.Register(id, newWorker("u"))

			for p := 0; p <= 10; p++ {
				r.Update(id, Progress(float64(p)/10), Speed("x"))
			}

			if i%2 == 0 {
				r.Remove(id)
				r.Update(id, Progress(0.3))
			}
		}(i)
	}

	wg.Wait()

	assert.Equal(t, workers/2, r.Count())
	assert.InDelta(t, 1.0, r.AverageProgress(), 1e-9)
}
