package delivery

import (
	"sync"
	"time"
)

// ManualTicker is a Ticker driven by Tick, for tests that must not depend on
// wall-clock timers.
type ManualTicker struct {
	ch chan time.Time

	mu      sync.Mutex
	stopped bool
}

// NewManualTicker returns an unfired ticker.
func NewManualTicker() *ManualTicker {
	return &ManualTicker{ch: make(chan time.Time)}
}

// C implements Ticker.
func (m *ManualTicker) C() <-chan time.Time { return m.ch }

// Stop implements Ticker.
func (m *ManualTicker) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

// Stopped reports whether Stop was called.
func (m *ManualTicker) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Tick fires once, blocking until the poller receives it or timeout passes.
// It reports whether the tick was delivered.
func (m *ManualTicker) Tick(timeout time.Duration) bool {
	select {
	case m.ch <- time.Now():
		return true
	case <-time.After(timeout):
		return false
	}
}

// ManualTickers hands out ManualTickers and remembers them.
type ManualTickers struct {
	mu      sync.Mutex
	tickers []*ManualTicker
}

// Factory is a TickerFactory that records each ticker it creates.
func (m *ManualTickers) Factory(time.Duration) Ticker {
	t := NewManualTicker()
	m.mu.Lock()
	m.tickers = append(m.tickers, t)
	m.mu.Unlock()
	return t
}

// All returns the tickers created so far.
func (m *ManualTickers) All() []*ManualTicker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*ManualTicker(nil), m.tickers...)
}
