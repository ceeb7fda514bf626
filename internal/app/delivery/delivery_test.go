package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walkerhughes/agent-sandboxing/internal/domain/task"
	"github.com/walkerhughes/agent-sandboxing/internal/infra/store/memory"
	"github.com/walkerhughes/agent-sandboxing/internal/infra/store/storetest"
	sherrors "github.com/walkerhughes/agent-sandboxing/internal/shared/errors"
)

const waitFor = 2 * time.Second

var fastRetry = sherrors.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func statusPtr(s task.Status) *task.Status { return &s }

func seed(t *testing.T, store *memory.Store, id string) {
	t.Helper()
	require.NoError(t, store.CreateTask(context.Background(), storetest.NewPendingTask(id, "session-1", "list files", time.Now())))
}

func update(t *testing.T, store *memory.Store, id string, u task.Update) task.Task {
	t.Helper()
	next, err := store.UpdateTask(context.Background(), id, u)
	require.NoError(t, err)
	return next
}

func appendMsg(t *testing.T, store *memory.Store, id, eventID, msg string) task.Task {
	t.Helper()
	next, _, err := store.AppendStatusUpdate(context.Background(), id, task.StatusUpdate{EventID: eventID, Message: msg})
	require.NoError(t, err)
	return next
}

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "stream closed early")
		return e
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func requireClosed(t *testing.T, ch <-chan Event) {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream was not closed")
		}
	}
}

func types(events []Event) []EventType {
	out := make([]EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func TestDiff(t *testing.T) {
	base := storetest.NewPendingTask("task-1", "session-1", "p", time.Now())

	events, cursor := Diff(Cursor{}, base)
	assert.Equal(t, []EventType{EventStatus}, types(events))
	assert.Equal(t, task.StatusPending, cursor.Status)

	events, cursor = Diff(cursor, base)
	assert.Empty(t, events, "unchanged task yields nothing")

	paused := base.Clone()
	paused.Status = task.StatusAwaitingInput
	paused.PendingClarification = &task.Clarification{Question: "Which directory?", Options: []string{}}
	paused.StatusUpdates = []task.StatusUpdate{{EventID: "e1", Message: "Reading"}}
	events, cursor = Diff(cursor, paused)
	require.Equal(t, []EventType{EventStatusUpdate, EventStatus, EventClarification}, types(events))
	assert.Equal(t, 1, events[0].Position)
	assert.Equal(t, "Which directory?", events[2].Clarification.Question)
	assert.Equal(t, 1, cursor.Updates)

	done := paused.Clone()
	done.Status = task.StatusCompleted
	done.PendingClarification = nil
	done.Result = &task.Result{Summary: "Listed 3 files"}
	events, _ = Diff(cursor, done)
	require.Equal(t, []EventType{EventCompleted}, types(events))
	assert.Equal(t, "Listed 3 files", events[0].Result.Summary)
	assert.True(t, events[0].Terminal())
}

func TestDiffClampsCursorBeyondHistory(t *testing.T) {
	base := storetest.NewPendingTask("task-1", "session-1", "p", time.Now())
	events, cursor := Diff(ResumeFrom(5), base)
	assert.Equal(t, []EventType{EventStatus}, types(events))
	assert.Equal(t, 0, cursor.Updates)
}

func sources(store *memory.Store, tickers *ManualTickers) map[string]Source {
	return map[string]Source{
		"poller": NewPoller(store, time.Hour, WithTickerFactory(tickers.Factory), WithPollRetry(fastRetry)),
		"hub":    NewHub(store, WithHubRetry(fastRetry)),
	}
}

func TestLateObserverGetsSingleTerminalEvent(t *testing.T) {
	for name, newSource := range map[string]func(*memory.Store) Source{
		"poller": func(s *memory.Store) Source { return NewPoller(s, time.Hour, WithTickerFactory((&ManualTickers{}).Factory)) },
		"hub":    func(s *memory.Store) Source { return NewHub(s) },
	} {
		t.Run(name, func(t *testing.T) {
			store := memory.New()
			seed(t, store, "task-1")
			appendMsg(t, store, "task-1", "e1", "Reading")
			update(t, store, "task-1", task.Update{Status: statusPtr(task.StatusCompleted), Result: &task.Result{Summary: "Listed 3 files"}})

			ch, err := newSource(store).Subscribe(context.Background(), "task-1", Cursor{})
			require.NoError(t, err)

			assert.Equal(t, EventConnected, next(t, ch).Type)
			final := next(t, ch)
			assert.Equal(t, EventCompleted, final.Type)
			assert.Equal(t, "Listed 3 files", final.Result.Summary)
			requireClosed(t, ch)
		})
	}
}

func TestSubscribeUnknownTask(t *testing.T) {
	store := memory.New()
	for name, src := range sources(store, &ManualTickers{}) {
		_, err := src.Subscribe(context.Background(), "missing", Cursor{})
		assert.ErrorIs(t, err, task.ErrUnknownTask, name)
	}
	assert.Zero(t, NewHub(store).Subscribers("missing"))
}

func TestPollerStreamsUntilTerminal(t *testing.T) {
	store := memory.New()
	seed(t, store, "task-1")
	tickers := &ManualTickers{}
	poller := NewPoller(store, time.Hour, WithTickerFactory(tickers.Factory))

	ch, err := poller.Subscribe(context.Background(), "task-1", Cursor{})
	require.NoError(t, err)
	assert.Equal(t, EventConnected, next(t, ch).Type)
	assert.Equal(t, EventStatus, next(t, ch).Type)

	require.Len(t, tickers.All(), 1)
	ticker := tickers.All()[0]

	update(t, store, "task-1", task.Update{Status: statusPtr(task.StatusRunning)})
	appendMsg(t, store, "task-1", "e1", "Reading directory")
	require.True(t, ticker.Tick(waitFor))
	e := next(t, ch)
	assert.Equal(t, EventStatusUpdate, e.Type)
	assert.Equal(t, "Reading directory", e.Update.Message)
	assert.Equal(t, 1, e.Position)
	running := next(t, ch)
	assert.Equal(t, EventStatus, running.Type)
	assert.Equal(t, task.StatusRunning, running.Status)

	update(t, store, "task-1", task.Update{Status: statusPtr(task.StatusFailed), Result: &task.Result{Error: "boom"}})
	require.True(t, ticker.Tick(waitFor))
	final := next(t, ch)
	assert.Equal(t, EventFailed, final.Type)
	assert.Equal(t, "boom", final.Error)
	requireClosed(t, ch)
	assert.Eventually(t, ticker.Stopped, waitFor, 5*time.Millisecond)
}

func TestResumeFromPositionSkipsSeenUpdates(t *testing.T) {
	store := memory.New()
	seed(t, store, "task-1")
	update(t, store, "task-1", task.Update{Status: statusPtr(task.StatusRunning)})
	for i, msg := range []string{"one", "two", "three"} {
		appendMsg(t, store, "task-1", string(rune('a'+i)), msg)
	}

	ch, err := NewHub(store).Subscribe(context.Background(), "task-1", ResumeFrom(2))
	require.NoError(t, err)
	connected := next(t, ch)
	assert.Equal(t, EventConnected, connected.Type)
	assert.Equal(t, 2, connected.Position)

	e := next(t, ch)
	assert.Equal(t, EventStatusUpdate, e.Type)
	assert.Equal(t, "three", e.Update.Message)
	assert.Equal(t, 3, e.Position)
	assert.Equal(t, EventStatus, next(t, ch).Type)
}

func TestAbruptDisconnectReleasesResources(t *testing.T) {
	store := memory.New()
	seed(t, store, "task-1")
	tickers := &ManualTickers{}
	hub := NewHub(store)
	poller := NewPoller(store, time.Hour, WithTickerFactory(tickers.Factory))

	for name, src := range map[string]Source{"poller": poller, "hub": hub} {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			ch, err := src.Subscribe(ctx, "task-1", Cursor{})
			require.NoError(t, err)
			assert.Equal(t, EventConnected, next(t, ch).Type)

			// The observer vanishes without draining the stream.
			cancel()
			requireClosed(t, ch)
		})
	}

	require.Len(t, tickers.All(), 1)
	assert.Eventually(t, tickers.All()[0].Stopped, waitFor, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return hub.Subscribers("task-1") == 0 }, waitFor, 5*time.Millisecond)
}

func TestDisconnectWhileBlockedOnFullBuffer(t *testing.T) {
	store := memory.New()
	seed(t, store, "task-1")
	for i := 0; i < streamBuffer*2; i++ {
		appendMsg(t, store, "task-1", string(rune('A'+i)), "m")
	}
	hub := NewHub(store)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := hub.Subscribe(ctx, "task-1", Cursor{})
	require.NoError(t, err)
	// Never read: the stream fills its buffer and blocks on send.
	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.Eventually(t, func() bool { return hub.Subscribers("task-1") == 0 }, waitFor, 5*time.Millisecond)
	requireClosed(t, ch)
}

func TestDeliveryErrorAfterRetriesExhausted(t *testing.T) {
	store := memory.New()
	seed(t, store, "task-1")
	tickers := &ManualTickers{}
	poller := NewPoller(store, time.Hour, WithTickerFactory(tickers.Factory), WithPollRetry(fastRetry))

	ch, err := poller.Subscribe(context.Background(), "task-1", Cursor{})
	require.NoError(t, err)
	assert.Equal(t, EventConnected, next(t, ch).Type)
	assert.Equal(t, EventStatus, next(t, ch).Type)

	store.SetFailure(memory.ErrUnavailable)
	require.True(t, tickers.All()[0].Tick(waitFor))
	e := next(t, ch)
	assert.Equal(t, EventDeliveryError, e.Type)
	assert.Contains(t, e.Error, task.ErrDeliveryTransient.Error())
	requireClosed(t, ch)
}

func TestTransientStoreFailureIsRetried(t *testing.T) {
	store := memory.New()
	seed(t, store, "task-1")
	hub := NewHub(store, WithHubRetry(sherrors.RetryConfig{MaxAttempts: 50, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}))

	ch, err := hub.Subscribe(context.Background(), "task-1", Cursor{})
	require.NoError(t, err)
	assert.Equal(t, EventConnected, next(t, ch).Type)
	assert.Equal(t, EventStatus, next(t, ch).Type)

	store.SetFailure(memory.ErrUnavailable)
	hub.Notify(context.Background(), task.Task{ID: "task-1"})
	time.Sleep(10 * time.Millisecond)
	store.SetFailure(nil)
	done := update(t, store, "task-1", task.Update{Status: statusPtr(task.StatusCancelled)})
	hub.Notify(context.Background(), done)

	assert.Equal(t, EventCancelled, next(t, ch).Type)
	requireClosed(t, ch)
}

func TestConcurrentObserversKeepIndependentPositions(t *testing.T) {
	store := memory.New()
	seed(t, store, "task-1")
	update(t, store, "task-1", task.Update{Status: statusPtr(task.StatusRunning)})
	hub := NewHub(store)

	const observers = 8
	streams := make([]<-chan Event, observers)
	for i := range streams {
		ch, err := hub.Subscribe(context.Background(), "task-1", ResumeFrom(0))
		require.NoError(t, err)
		streams[i] = ch
	}
	assert.Equal(t, observers, hub.Subscribers("task-1"))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make([][]Event, observers)
	)
	for i, ch := range streams {
		wg.Add(1)
		go func(i int, ch <-chan Event) {
			defer wg.Done()
			var got []Event
			for e := range ch {
				got = append(got, e)
			}
			mu.Lock()
			results[i] = got
			mu.Unlock()
		}(i, ch)
	}

	for _, msg := range []string{"one", "two", "three"} {
		snapshot := appendMsg(t, store, "task-1", msg, msg)
		hub.Notify(context.Background(), snapshot)
	}
	done := update(t, store, "task-1", task.Update{Status: statusPtr(task.StatusCompleted), Result: &task.Result{Summary: "ok"}})
	hub.Notify(context.Background(), done)
	wg.Wait()

	for i, got := range results {
		require.NotEmpty(t, got, "observer %d", i)
		assert.Equal(t, EventConnected, got[0].Type)
		assert.Equal(t, EventCompleted, got[len(got)-1].Type)
		var messages []string
		for _, e := range got {
			if e.Type == EventStatusUpdate {
				messages = append(messages, e.Update.Message)
			}
		}
		assert.Equal(t, []string{"one", "two", "three"}, messages, "observer %d", i)
	}
	assert.Eventually(t, func() bool { return hub.Subscribers("task-1") == 0 }, waitFor, 5*time.Millisecond)
}
