package delivery

import (
	"context"
	"sync"

	"github.com/walkerhughes/agent-sandboxing/internal/domain/task"
	"github.com/walkerhughes/agent-sandboxing/internal/infra/observability"
	sherrors "github.com/walkerhughes/agent-sandboxing/internal/shared/errors"
	"github.com/walkerhughes/agent-sandboxing/internal/shared/async"
	"github.com/walkerhughes/agent-sandboxing/internal/shared/logging"
)

// Hub is the push strategy. It implements task.Notifier: every accepted
// transition wakes the streams of that task, which then read the store and
// emit the difference. Wake-ups coalesce, so a slow observer never blocks a
// transition.
type Hub struct {
	loader loader

	mu          sync.Mutex
	subscribers map[string]map[*subscriber]struct{}
}

type subscriber struct {
	wake chan struct{}
}

var (
	_ Source        = (*Hub)(nil)
	_ task.Notifier = (*Hub)(nil)
)

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubRetry overrides the store retry policy.
func WithHubRetry(cfg sherrors.RetryConfig) HubOption {
	return func(h *Hub) { h.loader.retry = cfg }
}

// WithHubMetrics counts delivery errors.
func WithHubMetrics(m *observability.Metrics) HubOption {
	return func(h *Hub) { h.loader.metrics = m }
}

// NewHub builds a push source over store.
func NewHub(store task.Store, opts ...HubOption) *Hub {
	h := &Hub{
		loader: loader{
			store:  store,
			retry:  sherrors.DefaultRetryConfig(),
			logger: logging.NewComponentLogger("DeliveryHub"),
		},
		subscribers: make(map[string]map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Notify wakes every stream following t.
func (h *Hub) Notify(_ context.Context, t task.Task) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers[t.ID] {
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}

// Subscribe registers before reading the initial state so no transition
// between the two is missed.
func (h *Hub) Subscribe(ctx context.Context, taskID string, from Cursor) (<-chan Event, error) {
	sub := &subscriber{wake: make(chan struct{}, 1)}
	h.register(taskID, sub)

	initial, err := h.loader.load(ctx, taskID)
	if err != nil {
		h.unregister(taskID, sub)
		return nil, err
	}
	out := make(chan Event, streamBuffer)
	async.Go(h.loader.logger, "delivery.push", func() {
		defer h.unregister(taskID, sub)
		follow(ctx, h.loader, initial, from, (<-chan struct{})(sub.wake), out)
	})
	return out, nil
}

// Subscribers returns the number of live streams for taskID.
func (h *Hub) Subscribers(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[taskID])
}

func (h *Hub) register(taskID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subscribers[taskID]
	if !ok {
		subs = make(map[*subscriber]struct{})
		h.subscribers[taskID] = subs
	}
	subs[sub] = struct{}{}
}

func (h *Hub) unregister(taskID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subscribers[taskID]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.subscribers, taskID)
	}
}
