package delivery

import (
	"context"
	"time"

	"github.com/walkerhughes/agent-sandboxing/internal/domain/task"
	"github.com/walkerhughes/agent-sandboxing/internal/infra/observability"
	sherrors "github.com/walkerhughes/agent-sandboxing/internal/shared/errors"
	"github.com/walkerhughes/agent-sandboxing/internal/shared/async"
	"github.com/walkerhughes/agent-sandboxing/internal/shared/logging"
)

const defaultPollInterval = time.Second

// Ticker is the subset of time.Ticker the poller needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory creates a ticker firing every d.
type TickerFactory func(d time.Duration) Ticker

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// RealTicker wraps time.NewTicker.
func RealTicker(d time.Duration) Ticker { return timeTicker{t: time.NewTicker(d)} }

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithTickerFactory substitutes the ticker, typically with a ManualTicker.
func WithTickerFactory(f TickerFactory) PollerOption {
	return func(p *Poller) { p.newTicker = f }
}

// WithPollRetry overrides the store retry policy.
func WithPollRetry(cfg sherrors.RetryConfig) PollerOption {
	return func(p *Poller) { p.loader.retry = cfg }
}

// WithPollMetrics counts delivery errors.
func WithPollMetrics(m *observability.Metrics) PollerOption {
	return func(p *Poller) { p.loader.metrics = m }
}

// Poller re-reads the task on a fixed interval and emits the difference.
type Poller struct {
	loader    loader
	interval  time.Duration
	newTicker TickerFactory
}

var _ Source = (*Poller)(nil)

// NewPoller builds a polling source. interval <= 0 selects one second.
func NewPoller(store task.Store, interval time.Duration, opts ...PollerOption) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	p := &Poller{
		loader: loader{
			store:  store,
			retry:  sherrors.DefaultRetryConfig(),
			logger: logging.NewComponentLogger("DeliveryPoller"),
		},
		interval:  interval,
		newTicker: RealTicker,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Subscribe starts a polling stream. The ticker is stopped when the stream
// ends for any reason.
func (p *Poller) Subscribe(ctx context.Context, taskID string, from Cursor) (<-chan Event, error) {
	initial, err := p.loader.load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	out := make(chan Event, streamBuffer)
	ticker := p.newTicker(p.interval)
	async.Go(p.loader.logger, "delivery.poll", func() {
		defer ticker.Stop()
		follow(ctx, p.loader, initial, from, ticker.C(), out)
	})
	return out, nil
}
