// Package connectivity tracks whether the backend is reachable and publishes
// debounced online/offline transitions.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/pubsub"
)

// MinDebounce is the shortest debounce window the monitor accepts.
const MinDebounce = time.Second

// Transition is a debounced change of connectivity state.
type Transition struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// Probe reports whether the backend is reachable right now.
type Probe func(ctx context.Context) bool

type stopper interface {
	Stop() bool
}

type afterFunc func(d time.Duration, f func()) stopper

func realAfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// Monitor holds the debounced online state. A raw change must persist for the
// whole debounce window before subscribers see a Transition.
type Monitor struct {
	mu       sync.Mutex
	online   bool // debounced state
	raw      bool // last reported signal
	debounce time.Duration
	pending  stopper
	gen      uint64 // invalidates timers that fired after being superseded
	closed   bool

	topic *pubsub.Topic[Transition]
	after afterFunc
	now   func() time.Time
}

// New creates a monitor starting in the given state. Debounce windows shorter
// than MinDebounce are raised to MinDebounce.
func New(initial bool, debounce time.Duration) *Monitor {
	if debounce < MinDebounce {
		debounce = MinDebounce
	}
	return newMonitor(initial, debounce, realAfterFunc, time.Now)
}

func newMonitor(initial bool, debounce time.Duration, after afterFunc, now func() time.Time) *Monitor {
	return &Monitor{
		online:   initial,
		raw:      initial,
		debounce: debounce,
		topic:    pubsub.NewTopic[Transition](),
		after:    after,
		now:      now,
	}
}

// Online returns the debounced connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Report feeds a raw connectivity signal from the host or a probe.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	prev := m.raw
	m.raw = online

	if online == m.online {
		// Flapped back before the window elapsed.
		m.cancelLocked()
		return
	}
	if m.pending != nil && prev == online {
		// Already waiting out this change.
		return
	}

	m.cancelLocked()
	m.gen++
	gen := m.gen
	m.pending = m.after(m.debounce, func() { m.settle(gen) })
}

func (m *Monitor) cancelLocked() {
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	m.gen++
}

// settle commits the raw state once the debounce window has elapsed.
func (m *Monitor) settle(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		return
	}
	m.pending = nil
	if m.raw == m.online {
		m.mu.Unlock()
		return
	}
	m.online = m.raw
	tr := Transition{Online: m.online, At: m.now()}
	m.mu.Unlock()

	logging.Info("connectivity changed", map[string]interface{}{"online": tr.Online})
	m.topic.Publish(tr)
}

// Subscribe registers fn for debounced transitions.
func (m *Monitor) Subscribe(fn func(Transition)) (unsubscribe func()) {
	return m.topic.Subscribe(fn)
}

// Watch polls probe every interval and reports the result until ctx is done.
func (m *Monitor) Watch(ctx context.Context, probe Probe, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Report(probe(ctx))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Report(probe(ctx))
		}
	}
}

// Close cancels any pending transition. Later reports are ignored.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked()
	m.closed = true
}

// HTTPProbe treats any HTTP response below 500 from url as online.
func HTTPProbe(client *http.Client, url string) Probe {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode < http.StatusInternalServerError
	}
}
