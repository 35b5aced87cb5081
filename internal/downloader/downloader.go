// Package downloader ties the download registry, the slot controller, the
// progress aggregator and the notification bus together and runs episode
// downloads on top of them.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/italolelis/episode_downloader/internal/events"
	"github.com/italolelis/episode_downloader/internal/logctx"
	"github.com/italolelis/episode_downloader/internal/progress"
	"github.com/italolelis/episode_downloader/internal/registry"
	"github.com/italolelis/episode_downloader/internal/slots"
	"github.com/italolelis/episode_downloader/internal/telemetry"
	"github.com/italolelis/episode_downloader/internal/transfer"
)

const defaultNotificationBuffer = 16

var (
	// ErrAlreadyInProgress is returned when a URL is already being downloaded.
	ErrAlreadyInProgress = errors.New("episode is already being downloaded")
	// ErrInvalidJob is returned for jobs without a usable URL or file name.
	ErrInvalidJob = errors.New("invalid download job")
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("downloader is closed")
)

// Job describes an episode to download.
type Job struct {
	URL     string
	Episode string
	// Filename is the name of the file in the download directory. It
	// defaults to the last element of the URL path.
	Filename string
}

// Episode is the outcome of a finished job.
type Episode struct {
	ID       registry.ID
	Title    string
	URL      string
	Path     string
	Duration time.Duration
	Err      error
}

// Fetcher moves the bytes of one episode.
type Fetcher interface {
	Fetch(ctx context.Context, url, targetPath string, report transfer.Report) error
}

type Manager struct {
	downloadDir string
	fetcher     Fetcher
	telemetry   *telemetry.Telemetry
	logger      *slog.Logger
	buffer      int

	slots      *slots.Controller
	registry   *registry.Registry
	aggregator *progress.Aggregator
	bus        *events.Bus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	enqueueMu sync.Mutex
	closed    bool
	writing   map[string]registry.ID
	closeOnce sync.Once

	OnEpisodeDownloaded chan *Episode
	OnEpisodeFailed     chan *Episode
}

// Option configures a Manager.
type Option func(*Manager)

// WithFetcher replaces the default HTTP fetcher.
func WithFetcher(f Fetcher) Option {
	return func(m *Manager) {
		m.fetcher = f
	}
}

// WithTelemetry records download, slot and event metrics.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(m *Manager) {
		m.telemetry = t
	}
}

// WithNotificationBuffer sets the capacity of the episode channels.
func WithNotificationBuffer(n int) Option {
	return func(m *Manager) {
		m.buffer = n
	}
}

// NewManager creates a manager saving episodes under downloadDir and running
// at most limit downloads at once (slots.Unlimited disables the limit).
// Running downloads are cancelled when ctx is done.
func NewManager(ctx context.Context, downloadDir string, limit int, opts ...Option) *Manager {
	m := &Manager{
		downloadDir: downloadDir,
		logger:      logctx.LoggerFromContext(ctx).With("component", "downloader"),
		buffer:      defaultNotificationBuffer,
		writing:     make(map[string]registry.ID),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.fetcher == nil {
		m.fetcher = transfer.NewFetcher(transfer.WithTelemetry(m.telemetry))
	}

	m.bus = events.NewBus(ctx, events.WithPublishHook(func(kind events.Kind, subscribers int) {
		m.telemetry.RecordEventPublished(kind.String(), subscribers)
	}))
	m.aggregator = progress.NewAggregator(m.bus)
	m.registry = registry.New(ctx, m.bus, m.aggregator)
	m.slots = slots.NewController(limit)
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.OnEpisodeDownloaded = make(chan *Episode, m.buffer)
	m.OnEpisodeFailed = make(chan *Episode, m.buffer)

	m.recordSlots()

	return m
}

// Enqueue registers job and downloads it in the background as soon as a slot
// is free. The returned id identifies the download until it finishes.
func (m *Manager) Enqueue(ctx context.Context, job Job) (registry.ID, error) {
	target, err := m.targetPath(job)
	if err != nil {
		return 0, err
	}

	m.enqueueMu.Lock()
	defer m.enqueueMu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	if m.registry.IsInProgress(job.URL) {
		return 0, ErrAlreadyInProgress
	}

	if _, ok := m.writing[target]; ok {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyInProgress, filepath.Base(target))
	}

	id := m.registry.ReserveID()
	m.writing[target] = id
	jobCtx, cancel := context.WithCancel(m.ctx)

	m.registry.Register(id, &worker{url: job.URL, cancel: cancel},
		registry.WithEpisode(job.Episode),
		registry.WithURL(job.URL),
	)

	m.wg.Add(1)

	go m.run(jobCtx, id, job, target)

	logctx.LoggerFromContext(ctx).Info("episode queued",
		"download_id", uint64(id),
		"episode", job.Episode,
		"url", job.URL)

	return id, nil
}

func (m *Manager) run(ctx context.Context, id registry.ID, job Job, target string) {
	defer m.wg.Done()
	defer m.doneWriting(target)

	logger := m.logger.With("download_id", uint64(id), "url", job.URL)
	ctx = logctx.WithLogger(ctx, logger)

	ep := &Episode{ID: id, Title: job.Episode, URL: job.URL, Path: target}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("download worker panic",
				"operation", "download",
				"panic", r,
				"stack", string(debug.Stack()))
			m.telemetry.RecordSystemError("downloader", "panic")

			m.registry.Remove(id)

			ep.Err = fmt.Errorf("download worker panic: %v", r)
			m.notify(m.OnEpisodeFailed, ep)
		}
	}()

	waitStart := time.Now()

	held, err := m.Acquire(ctx)
	if err != nil {
		logger.Info("download cancelled while queued")
		m.registry.Remove(id)

		return
	}

	m.telemetry.RecordSlotWait(time.Since(waitStart))

	start := time.Now()
	err = m.transfer(ctx, id, job.URL, target, held)
	ep.Duration = time.Since(start)

	m.registry.Remove(id)

	switch telemetry.DownloadStatus(ctx, err) {
	case telemetry.StatusDownloaded:
		logger.Info("episode downloaded", "file_path", target, "duration", ep.Duration.String())
		m.notify(m.OnEpisodeDownloaded, ep)
	case telemetry.StatusCancelled:
		logger.Info("download cancelled")
	default:
		logger.Error("failed to download episode", "err", err)

		ep.Err = err
		m.notify(m.OnEpisodeFailed, ep)
	}
}

// transfer runs the fetch while holding the slot and releases it on return.
func (m *Manager) transfer(ctx context.Context, id registry.ID, url, target string, held bool) error {
	defer m.Release(held)

	return m.telemetry.InstrumentDownload(ctx, func(ctx context.Context) error {
		return m.fetcher.Fetch(ctx, url, target, func(fraction float64, speed string) {
			m.registry.Update(id, registry.Progress(fraction), registry.Speed(speed))
		})
	})
}

func (m *Manager) doneWriting(target string) {
	m.enqueueMu.Lock()
	delete(m.writing, target)
	m.enqueueMu.Unlock()
}

// IsWriting reports whether an enqueued job owns the file at path.
func (m *Manager) IsWriting(path string) bool {
	m.enqueueMu.Lock()
	defer m.enqueueMu.Unlock()

	_, ok := m.writing[filepath.Clean(path)]

	return ok
}

func (m *Manager) notify(ch chan *Episode, ep *Episode) {
	select {
	case ch <- ep:
	default:
		m.logger.Warn("dropping episode notification, channel full", "download_id", uint64(ep.ID))
	}
}

func (m *Manager) targetPath(job Job) (string, error) {
	if job.URL == "" {
		return "", fmt.Errorf("%w: missing url", ErrInvalidJob)
	}

	name := job.Filename
	if name == "" {
		u, err := url.Parse(job.URL)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidJob, err)
		}

		name = path.Base(u.Path)
	}

	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." || name == ".." {
		return "", fmt.Errorf("%w: cannot derive a file name from %q", ErrInvalidJob, job.URL)
	}

	return filepath.Join(m.downloadDir, name), nil
}

// ReserveID returns a fresh download id.
func (m *Manager) ReserveID() registry.ID {
	return m.registry.ReserveID()
}

// Get returns the state of one download.
func (m *Manager) Get(id registry.ID) (registry.Entry, bool) {
	return m.registry.Get(id)
}

// Register adds a download run by an external worker.
func (m *Manager) Register(id registry.ID, w registry.Worker, opts ...registry.RegisterOption) {
	m.registry.Register(id, w, opts...)
}

// Update applies a partial update to a download.
func (m *Manager) Update(id registry.ID, fields ...registry.Field) {
	m.registry.Update(id, fields...)
}

// Remove deletes a download and cancels its worker.
func (m *Manager) Remove(id registry.ID) {
	m.registry.Remove(id)
}

// CancelByURL cancels the oldest download of url and reports whether one existed.
func (m *Manager) CancelByURL(url string) bool {
	return m.registry.CancelByURL(url)
}

// CancelAll cancels every download.
func (m *Manager) CancelAll() {
	m.registry.CancelAll()
}

// IsInProgress reports whether url is being downloaded.
func (m *Manager) IsInProgress(url string) bool {
	return m.registry.IsInProgress(url)
}

// Count returns the number of registered downloads.
func (m *Manager) Count() int {
	return m.registry.Count()
}

// AverageProgress returns the mean progress across downloads.
func (m *Manager) AverageProgress() float64 {
	return m.registry.AverageProgress()
}

// Snapshot returns the registered downloads ordered by id.
func (m *Manager) Snapshot() []registry.Entry {
	return m.registry.Snapshot()
}

// Status returns the last published aggregate status.
func (m *Manager) Status() progress.Status {
	return m.aggregator.Status()
}

// RequestProgressDetail republishes progress-detail events for url.
func (m *Manager) RequestProgressDetail(url string) {
	m.registry.RequestProgressDetail(url)
}

// SetConcurrencyLimit changes how many downloads may run at once. It takes
// effect immediately for waiting downloads; running ones are never stopped.
func (m *Manager) SetConcurrencyLimit(limit int) {
	previous := m.slots.Limit()
	m.slots.SetLimit(limit)

	m.logger.Info("concurrency limit changed", "previous", previous, "limit", m.slots.Limit())
	m.recordSlots()
}

// ConcurrencyLimit returns the live limit, slots.Unlimited when disabled.
func (m *Manager) ConcurrencyLimit() int {
	return m.slots.Limit()
}

// Acquire waits for a download slot. See slots.Controller.Acquire.
func (m *Manager) Acquire(ctx context.Context) (bool, error) {
	held, err := m.slots.Acquire(ctx)
	m.recordSlots()

	return held, err
}

// Release returns a slot obtained from Acquire.
func (m *Manager) Release(held bool) {
	m.slots.Release(held)
	m.recordSlots()
}

// Subscribe registers o for events of kind.
func (m *Manager) Subscribe(kind events.Kind, o events.Observer) error {
	return m.bus.Subscribe(kind, o)
}

// Unsubscribe removes o from events of kind.
func (m *Manager) Unsubscribe(kind events.Kind, o events.Observer) error {
	return m.bus.Unsubscribe(kind, o)
}

// Wait blocks until every enqueued job has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close cancels all downloads, waits for their workers and releases the bus.
// The episode channels are closed afterwards.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.enqueueMu.Lock()
		m.closed = true
		m.enqueueMu.Unlock()

		m.registry.CancelAll()
		m.cancel()
		m.wg.Wait()
		m.bus.Close()

		close(m.OnEpisodeDownloaded)
		close(m.OnEpisodeFailed)
	})
}

func (m *Manager) recordSlots() {
	m.telemetry.RecordSlots(m.slots.Limit(), m.slots.InUse())
}

// worker is the registry handle of an enqueued job.
type worker struct {
	url    string
	cancel context.CancelFunc
}

func (w *worker) Cancel() { w.cancel() }

func (w *worker) URL() string { return w.url }
