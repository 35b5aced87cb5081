// Package registry is the single source of truth for which downloads exist
// and their last reported state.
//
// All map mutation is serialized by one mutex. Notifications are published
// after the mutex is released so an observer that calls back into the
// registry cannot deadlock it.
package registry

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/italolelis/episode_downloader/internal/events"
	"github.com/italolelis/episode_downloader/internal/logctx"
	"github.com/italolelis/episode_downloader/internal/progress"
)

// SpeedQueued is the speed label of a registered download that has not
// reported yet.
const SpeedQueued = "queued"

// ID identifies a download for the lifetime of a registry. IDs are never reused.
type ID uint64

// Worker is the unit of work behind a download. The registry references
// workers but does not own them: it only ever asks them to cancel.
type Worker interface {
	// Cancel asks the worker to stop. It must be idempotent.
	Cancel()
	// URL returns the address being downloaded.
	URL() string
}

// Entry is a copy of the state of one download.
type Entry struct {
	ID        ID
	Episode   string
	URL       string
	Progress  float64
	Speed     string
	StartedAt time.Time
	Worker    Worker
}

type entry struct {
	worker    Worker
	episode   string
	url       string
	progress  float64
	speed     string
	startedAt time.Time
}

// Publisher is the subset of the events bus the registry needs.
type Publisher interface {
	Publish(ev events.Event) error
}

// Observer receives aggregate snapshots after every mutation.
type Observer interface {
	Observe(s progress.Snapshot)
}

type Registry struct {
	pub    Publisher
	agg    Observer
	logger *slog.Logger
	now    func() time.Time

	nextID atomic.Uint64

	mu         sync.Mutex
	entries    map[ID]*entry
	generation uint64
}

// New creates a registry publishing to pub and feeding agg.
func New(ctx context.Context, pub Publisher, agg Observer) *Registry {
	return &Registry{
		pub:     pub,
		agg:     agg,
		logger:  logctx.LoggerFromContext(ctx).With("component", "registry"),
		now:     time.Now,
		entries: make(map[ID]*entry),
	}
}

// ReserveID returns the next unused identifier. It never blocks.
func (r *Registry) ReserveID() ID {
	return ID(r.nextID.Add(1) - 1)
}

// RegisterOption customizes a new entry.
type RegisterOption func(*entry)

// WithEpisode sets the episode title shown for the entry.
func WithEpisode(title string) RegisterOption {
	return func(e *entry) {
		e.episode = title
	}
}

// WithURL sets the URL reported in progress-detail events.
func WithURL(u string) RegisterOption {
	return func(e *entry) {
		e.url = u
	}
}

// Register creates the entry for id with progress 0 and speed SpeedQueued.
// Registering an id that already exists replaces the worker and resets the state.
func (r *Registry) Register(id ID, w Worker, opts ...RegisterOption) {
	e := &entry{
		worker:    w,
		speed:     SpeedQueued,
		startedAt: r.now(),
	}

	for _, opt := range opts {
		opt(e)
	}

	r.mu.Lock()
	r.entries[id] = e
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.logger.Debug("download registered", "download_id", uint64(id))

	r.publish(events.ListChangedEvent{})
	r.agg.Observe(snap)
}

// Field is a partial update applied by Update.
type Field func(*fields)

type fields struct {
	progress    float64
	hasProgress bool
	speed       string
	hasSpeed    bool
	url         string
	hasURL      bool
	episode     string
	hasEpisode  bool
}

// Progress sets the completed fraction. Values outside [0,1] are clamped.
func Progress(p float64) Field {
	return func(f *fields) {
		f.progress = clamp(p)
		f.hasProgress = true
	}
}

// Speed sets the human readable speed label.
func Speed(s string) Field {
	return func(f *fields) {
		f.speed = s
		f.hasSpeed = true
	}
}

// URL sets the URL reported in progress-detail events.
func URL(u string) Field {
	return func(f *fields) {
		f.url = u
		f.hasURL = true
	}
}

// Episode sets the episode title.
func Episode(title string) Field {
	return func(f *fields) {
		f.episode = title
		f.hasEpisode = true
	}
}

// Update applies fs to the entry for id. Updates for unknown ids are ignored:
// a worker may report after its download was removed.
func (r *Registry) Update(id ID, fs ...Field) {
	var f fields
	for _, fn := range fs {
		fn(&f)
	}

	r.mu.Lock()

	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()

		return
	}

	if f.hasProgress {
		e.progress = f.progress
	}

	if f.hasSpeed {
		e.speed = f.speed
	}

	if f.hasURL {
		e.url = f.url
	}

	if f.hasEpisode {
		e.episode = f.episode
	}

	url := e.url
	snap := r.snapshotLocked()
	r.mu.Unlock()

	if f.hasProgress && f.hasSpeed && url != "" {
		r.publish(events.ProgressDetailEvent{URL: url, Progress: f.progress, Speed: f.speed})
	}

	r.agg.Observe(snap)
}

// Remove deletes the entry for id and tells its worker to cancel. Removing
// an unknown id is a no-op.
func (r *Registry) Remove(id ID) {
	r.mu.Lock()
	e, snap, ok := r.removeLocked(id)
	r.mu.Unlock()

	if ok {
		r.afterRemove(id, e, snap)
	}
}

func (r *Registry) removeLocked(id ID) (*entry, progress.Snapshot, bool) {
	e, ok := r.entries[id]
	if !ok {
		return nil, progress.Snapshot{}, false
	}

	delete(r.entries, id)

	return e, r.snapshotLocked(), true
}

func (r *Registry) afterRemove(id ID, e *entry, snap progress.Snapshot) {
	if e.worker != nil {
		e.worker.Cancel()
	}

	r.logger.Debug("download removed", "download_id", uint64(id))

	r.publish(events.ListChangedEvent{})
	r.agg.Observe(snap)
}

// Count returns the number of registered downloads.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}

// HasItems reports whether any download is registered.
func (r *Registry) HasItems() bool {
	return r.Count() > 0
}

// AverageProgress returns the mean progress of all entries, or 0 when empty.
func (r *Registry) AverageProgress() float64 {
	r.mu.Lock()
	snap := progress.Snapshot{Count: len(r.entries), Sum: r.sumLocked()}
	r.mu.Unlock()

	return progress.StatusOf(snap).Average
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id ID) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}

	return e.export(id), true
}

// Snapshot returns copies of all entries ordered by id.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()

	out := make([]Entry, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, e.export(id))
	}

	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// IsInProgress reports whether a registered worker is downloading url.
func (r *Registry) IsInProgress(url string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.worker != nil && e.worker.URL() == url {
			return true
		}
	}

	return false
}

// CancelByURL removes the oldest download whose worker targets url and
// reports whether one was found.
func (r *Registry) CancelByURL(url string) bool {
	r.mu.Lock()

	var (
		found bool
		match ID
	)

	for id, e := range r.entries {
		if e.worker != nil && e.worker.URL() == url && (!found || id < match) {
			found = true
			match = id
		}
	}

	if !found {
		r.mu.Unlock()

		return false
	}

	e, snap, _ := r.removeLocked(match)
	r.mu.Unlock()

	r.afterRemove(match, e, snap)

	return true
}

// CancelAll removes every download and tells all workers to cancel.
func (r *Registry) CancelAll() {
	r.mu.Lock()

	cancelled := make([]Worker, 0, len(r.entries))
	for id, e := range r.entries {
		cancelled = append(cancelled, e.worker)
		delete(r.entries, id)
	}

	if len(cancelled) == 0 {
		r.mu.Unlock()

		return
	}

	snap := r.snapshotLocked()
	r.mu.Unlock()

	for _, w := range cancelled {
		if w != nil {
			w.Cancel()
		}
	}

	r.logger.Info("cancelled all downloads", "count", len(cancelled))

	r.publish(events.ListChangedEvent{})
	r.agg.Observe(snap)
}

// RequestProgressDetail republishes progress-detail for every entry with the
// given URL. Queued entries report progress 0 and speed SpeedQueued.
func (r *Registry) RequestProgressDetail(url string) {
	r.mu.Lock()

	var details []events.ProgressDetailEvent

	for _, e := range r.entries {
		if e.url != "" && e.url == url {
			details = append(details, events.ProgressDetailEvent{URL: url, Progress: e.progress, Speed: e.speed})
		}
	}

	r.mu.Unlock()

	for _, d := range details {
		r.publish(d)
	}
}

func (r *Registry) publish(ev events.Event) {
	if err := r.pub.Publish(ev); err != nil {
		r.logger.Error("failed to publish event", "event", ev.Kind().String(), "err", err)
	}
}

// snapshotLocked bumps the generation and summarizes the entries.
func (r *Registry) snapshotLocked() progress.Snapshot {
	r.generation++

	return progress.Snapshot{Generation: r.generation, Count: len(r.entries), Sum: r.sumLocked()}
}

func (r *Registry) sumLocked() float64 {
	var sum float64
	for _, e := range r.entries {
		sum += e.progress
	}

	return sum
}

func (e *entry) export(id ID) Entry {
	return Entry{
		ID:        id,
		Episode:   e.episode,
		URL:       e.url,
		Progress:  e.progress,
		Speed:     e.speed,
		StartedAt: e.startedAt,
		Worker:    e.worker,
	}
}

func clamp(p float64) float64 {
	switch {
	case math.IsNaN(p) || p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}
