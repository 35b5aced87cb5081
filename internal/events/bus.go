package events

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"runtime/debug"
	"sync"

	"github.com/italolelis/episode_downloader/internal/logctx"
)

// ErrInvalidObserver is returned for nil observers and for observers whose
// dynamic type cannot be compared, such as structs holding funcs or slices.
var ErrInvalidObserver = errors.New("observer must be a non-nil comparable value")

// Observer receives events. Implementations must be comparable (pointer
// receivers are) since duplicate subscriptions are detected by identity.
type Observer interface {
	Notify(ev Event)
}

func isComparable(o Observer) bool {
	return o != nil && reflect.TypeOf(o).Comparable()
}

// FuncObserver adapts a function to the Observer interface.
type FuncObserver struct {
	fn func(Event)
}

// ObserverFunc wraps fn. The returned pointer is the identity used by
// Subscribe and Unsubscribe.
func ObserverFunc(fn func(Event)) *FuncObserver {
	return &FuncObserver{fn: fn}
}

func (o *FuncObserver) Notify(ev Event) { o.fn(ev) }

// PublishHook is called for every published event, before delivery.
type PublishHook func(kind Kind, subscribers int)

// Bus is a publish/subscribe hub over the fixed set of event kinds.
// Publishing never waits for observers: every subscription owns a mailbox
// drained by its own goroutine, which keeps per-observer ordering.
type Bus struct {
	logger *slog.Logger
	hook   PublishHook

	mu     sync.RWMutex
	subs   map[Kind][]*mailbox
	closed bool
	wg     sync.WaitGroup
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithPublishHook installs a hook observing every publish.
func WithPublishHook(h PublishHook) BusOption {
	return func(b *Bus) {
		b.hook = h
	}
}

// NewBus creates a bus logging through the logger carried by ctx.
func NewBus(ctx context.Context, opts ...BusOption) *Bus {
	b := &Bus{
		logger: logctx.LoggerFromContext(ctx).With("component", "events"),
		subs:   make(map[Kind][]*mailbox, len(Kinds)),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Subscribe appends o to the observers of kind. Subscribing the same observer
// twice is logged and ignored.
func (b *Bus) Subscribe(kind Kind, o Observer) error {
	if !kind.valid() {
		return &UnknownEventError{Name: kind.String()}
	}

	if !isComparable(o) {
		return ErrInvalidObserver
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, mb := range b.subs[kind] {
		if mb.observer == o {
			b.logger.Warn("observer already subscribed", "event", kind.String())

			return nil
		}
	}

	if b.closed {
		b.logger.Warn("subscribe on closed bus", "event", kind.String())

		return nil
	}

	mb := newMailbox(o, b.logger.With("event", kind.String()))
	b.subs[kind] = append(b.subs[kind], mb)

	b.wg.Add(1)

	go func() {
		defer b.wg.Done()
		mb.run()
	}()

	return nil
}

// Unsubscribe removes o from kind. Events still queued for o are dropped.
func (b *Bus) Unsubscribe(kind Kind, o Observer) error {
	if !kind.valid() {
		return &UnknownEventError{Name: kind.String()}
	}

	if !isComparable(o) {
		return ErrInvalidObserver
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[kind]
	for i, mb := range subs {
		if mb.observer == o {
			b.subs[kind] = append(subs[:i:i], subs[i+1:]...)
			mb.stop()

			return nil
		}
	}

	b.logger.Warn("observer not subscribed", "event", kind.String())

	return nil
}

// Subscribers returns the number of observers of kind.
func (b *Bus) Subscribers(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs[kind])
}

// Publish queues ev for every observer of its kind, in subscription order.
func (b *Bus) Publish(ev Event) error {
	kind := ev.Kind()
	if !kind.valid() {
		return &UnknownEventError{Name: kind.String()}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.hook != nil {
		b.hook(kind, len(b.subs[kind]))
	}

	for _, mb := range b.subs[kind] {
		mb.post(ev)
	}

	return nil
}

// Close stops every mailbox and waits for their goroutines to exit.
func (b *Bus) Close() {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()

		return
	}

	b.closed = true

	for kind, subs := range b.subs {
		for _, mb := range subs {
			mb.stop()
		}

		delete(b.subs, kind)
	}

	b.mu.Unlock()

	b.wg.Wait()
}

// mailbox is an unbounded FIFO feeding a single observer.
type mailbox struct {
	observer Observer
	logger   *slog.Logger

	mu    sync.Mutex
	queue []Event
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newMailbox(o Observer, logger *slog.Logger) *mailbox {
	return &mailbox{
		observer: o,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (m *mailbox) post(ev Event) {
	m.mu.Lock()
	m.queue = append(m.queue, ev)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) stop() {
	m.once.Do(func() { close(m.done) })
}

func (m *mailbox) run() {
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}

		for {
			m.mu.Lock()
			if len(m.queue) == 0 {
				m.mu.Unlock()

				break
			}

			ev := m.queue[0]
			m.queue[0] = nil
			m.queue = m.queue[1:]
			m.mu.Unlock()

			select {
			case <-m.done:
				return
			default:
			}

			m.deliver(ev)
		}
	}
}

func (m *mailbox) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("observer panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	m.observer.Notify(ev)
}
