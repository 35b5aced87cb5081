package events

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/episode_downloader/internal/logctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects delivered events.
type recorder struct {
	mu     sync.Mutex
	events []Event
	got    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{got: make(chan struct{}, 1024)}
}

func (r *recorder) Notify(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()

	r.got <- struct{}{}
}

func (r *recorder) wait(t *testing.T, n int) []Event {
	t.Helper()

	for i := 0; i < n; i++ {
		select {
		case <-r.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d of %d", i+1, n)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Event(nil), r.events...)
}

func (r *recorder) quiet(t *testing.T) {
	t.Helper()

	select {
	case <-r.got:
		t.Fatal("unexpected extra delivery")
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestBus(t *testing.T) (*Bus, *bytes.Buffer) {
	t.Helper()

	var buf bytes.Buffer

	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	b := NewBus(logctx.WithLogger(context.Background(), logger))
	t.Cleanup(b.Close)

	return b, &buf
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		name    string
		want    Kind
		wantErr bool
	}{
		{"list-changed", ListChanged, false},
		{"progress-changed", ProgressChanged, false},
		{"progress-detail", ProgressDetail, false},
		{"progress", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseKind(tt.name)
			if tt.wantErr {
				var unknown *UnknownEventError
				require.True(t, errors.As(err, &unknown))
				assert.Equal(t, tt.name, unknown.Name)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.name, got.String())
		})
	}
}

func TestBus_SubscribeUnknownKind(t *testing.T) {
	b, _ := newTestBus(t)

	err := b.Subscribe(Kind(42), newRecorder())

	var unknown *UnknownEventError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, 0, b.Subscribers(Kind(42)))
}

func TestBus_DuplicateSubscriptionDeliversOnce(t *testing.T) {
	b, logs := newTestBus(t)
	rec := newRecorder()

	require.NoError(t, b.Subscribe(ProgressChanged, rec))
	require.NoError(t, b.Subscribe(ProgressChanged, rec))
	assert.Equal(t, 1, b.Subscribers(ProgressChanged))
	assert.Contains(t, logs.String(), "observer already subscribed")

	require.NoError(t, b.Publish(ProgressChangedEvent{Count: 1, Average: 0.5}))

	got := rec.wait(t, 1)
	rec.quiet(t)
	assert.Equal(t, []Event{ProgressChangedEvent{Count: 1, Average: 0.5}}, got)
}

// valueObserver has a value receiver and holds a func, so it is not comparable.
type valueObserver struct {
	fn func(Event)
}

func (o valueObserver) Notify(ev Event) { o.fn(ev) }

func TestBus_RejectsUncomparableObservers(t *testing.T) {
	b, _ := newTestBus(t)
	obs := valueObserver{fn: func(Event) {}}

	require.NotPanics(t, func() {
		require.ErrorIs(t, b.Subscribe(ListChanged, obs), ErrInvalidObserver)
		require.ErrorIs(t, b.Subscribe(ListChanged, obs), ErrInvalidObserver)
		require.ErrorIs(t, b.Unsubscribe(ListChanged, obs), ErrInvalidObserver)
	})

	require.ErrorIs(t, b.Subscribe(ListChanged, nil), ErrInvalidObserver)
	assert.Equal(t, 0, b.Subscribers(ListChanged))
}

func TestBus_UnsubscribeUnknownObserverWarns(t *testing.T) {
	b, logs := newTestBus(t)

	require.NoError(t, b.Unsubscribe(ListChanged, newRecorder()))
	assert.Contains(t, logs.String(), "observer not subscribed")
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b, _ := newTestBus(t)
	rec := newRecorder()

	require.NoError(t, b.Subscribe(ListChanged, rec))
	require.NoError(t, b.Publish(ListChangedEvent{}))
	rec.wait(t, 1)

	require.NoError(t, b.Unsubscribe(ListChanged, rec))
	require.NoError(t, b.Publish(ListChangedEvent{}))
	rec.quiet(t)
}

func TestBus_DeliversOnlyToMatchingKind(t *testing.T) {
	b, _ := newTestBus(t)
	list := newRecorder()
	detail := newRecorder()

	require.NoError(t, b.Subscribe(ListChanged, list))
	require.NoError(t, b.Subscribe(ProgressDetail, detail))

	require.NoError(t, b.Publish(ProgressDetailEvent{URL: "http://a/ep.mp3", Progress: 0.25, Speed: "1 MB/s"}))

	got := detail.wait(t, 1)
	assert.Equal(t, ProgressDetailEvent{URL: "http://a/ep.mp3", Progress: 0.25, Speed: "1 MB/s"}, got[0])
	list.quiet(t)
}

func TestBus_PreservesPublishOrder(t *testing.T) {
	b, _ := newTestBus(t)
	rec := newRecorder()

	require.NoError(t, b.Subscribe(ProgressChanged, rec))

	for i := 1; i <= 100; i++ {
		require.NoError(t, b.Publish(ProgressChangedEvent{Count: i}))
	}

	got := rec.wait(t, 100)
	for i, ev := range got {
		assert.Equal(t, i+1, ev.(ProgressChangedEvent).Count)
	}
}

func TestBus_PublishDoesNotWaitForSlowObservers(t *testing.T) {
	b, _ := newTestBus(t)

	release := make(chan struct{})
	defer close(release)

	slow := ObserverFunc(func(Event) { <-release })
	require.NoError(t, b.Subscribe(ListChanged, slow))

	done := make(chan struct{})

	go func() {
		for i := 0; i < 1000; i++ {
			_ = b.Publish(ListChangedEvent{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow observer")
	}
}

func TestBus_ObserverPanicIsContained(t *testing.T) {
	b, logs := newTestBus(t)
	rec := newRecorder()

	first := true
	flaky := ObserverFunc(func(ev Event) {
		if first {
			first = false
			panic("boom")
		}
		rec.Notify(ev)
	})

	require.NoError(t, b.Subscribe(ListChanged, flaky))
	require.NoError(t, b.Publish(ListChangedEvent{}))
	require.NoError(t, b.Publish(ListChangedEvent{}))

	rec.wait(t, 1)
	assert.Contains(t, logs.String(), "observer panic")
}

func TestBus_HookSeesEveryPublish(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []Kind
	)

	b := NewBus(context.Background(), WithPublishHook(func(kind Kind, _ int) {
		mu.Lock()
		seen = append(seen, kind)
		mu.Unlock()
	}))
	defer b.Close()

	require.NoError(t, b.Publish(ListChangedEvent{}))
	require.NoError(t, b.Publish(ProgressChangedEvent{}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Kind{ListChanged, ProgressChanged}, seen)
}

func TestBus_CloseIsIdempotent(t *testing.T) {
	b := NewBus(context.Background())
	require.NoError(t, b.Subscribe(ListChanged, newRecorder()))

	b.Close()
	b.Close()

	assert.Equal(t, 0, b.Subscribers(ListChanged))
}
