// Package health tracks connection health for one account.
//
// Monitor samples the connection once per period and records whether it was
// fully healthy — event stream live, broker link up, quotes flowing and the
// account synchronized — into ring buffers covering the last hour, day and
// week. Uptime returns the fraction of healthy samples per window. The
// monitor also mirrors the server-reported health object and exports the
// connectivity bits as Prometheus gauges.
package health

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"metaapi-go/internal/transport"
	"metaapi-go/pkg/types"
)

// quoteFreshness is how recently a price must have arrived for quote
// streaming to count as healthy.
const quoteFreshness = time.Minute

// Status is the connection state sampled each period, supplied by the
// connection that owns the monitor.
type Status struct {
	Connected         bool // event stream authenticated
	ConnectedToBroker bool // terminal reports a live broker link
	Synchronized      bool // local mirror agrees with the terminal
	HasSubscriptions  bool // at least one market data subscription is active
}

// StatusFunc reports the current connection state.
type StatusFunc func() Status

// HealthStatus is the aggregate health verdict at one instant.
type HealthStatus struct {
	Connected             bool
	ConnectedToBroker     bool
	QuoteStreamingHealthy bool
	Synchronized          bool
	Healthy               bool
	Message               string // names the failing checks when unhealthy
}

// Uptime holds the healthy-sample ratio per rolling window, each in [0, 1].
type Uptime struct {
	OneHour float64
	OneDay  float64
	OneWeek float64
}

// Monitor samples connection health for one account. It is also a transport
// listener: price events feed quote-streaming freshness, and the server
// health event feeds the mirrored health object.
type Monitor struct {
	transport.NopListener

	accountID    string
	samplePeriod time.Duration
	status       StatusFunc
	logger       *zap.SugaredLogger

	mu            sync.Mutex
	lastQuoteTime time.Time
	serverHealth  map[string]any
	hour          *ring
	day           *ring
	week          *ring

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	done    chan struct{}
}

// NewMonitor creates a monitor sampling via status every samplePeriod.
// Start begins sampling; Stop must be called when the connection closes.
func NewMonitor(accountID string, samplePeriod time.Duration, status StatusFunc, logger *zap.SugaredLogger) *Monitor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if samplePeriod <= 0 {
		samplePeriod = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		accountID:    accountID,
		samplePeriod: samplePeriod,
		status:       status,
		logger:       logger.With("component", "health", "account_id", accountID),
		hour:         windowRing(time.Hour, samplePeriod),
		day:          windowRing(24*time.Hour, samplePeriod),
		week:         windowRing(7*24*time.Hour, samplePeriod),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// Start launches the sampler goroutine. Subsequent calls are no-ops.
func (m *Monitor) Start() {
	if m.started.CompareAndSwap(false, true) {
		go m.run()
	}
}

// Stop cancels the sampler and clears the exported gauges. Idempotent.
func (m *Monitor) Stop() {
	m.cancel()
	if m.started.Load() {
		<-m.done
	} else {
		deleteGauges(m.accountID)
	}
}

func (m *Monitor) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.samplePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			deleteGauges(m.accountID)
			return
		case <-ticker.C:
			m.sample(time.Now())
		}
	}
}

// sample records one health measurement and refreshes the gauges.
func (m *Monitor) sample(now time.Time) {
	hs := m.healthStatus(now)

	m.mu.Lock()
	m.hour.push(hs.Healthy)
	m.day.push(hs.Healthy)
	m.week.push(hs.Healthy)
	up := Uptime{
		OneHour: m.hour.ratio(),
		OneDay:  m.day.ratio(),
		OneWeek: m.week.ratio(),
	}
	m.mu.Unlock()

	updateGauges(m.accountID, hs, up)
}

// HealthStatus returns the aggregate verdict for the current instant.
func (m *Monitor) HealthStatus() HealthStatus {
	return m.healthStatus(time.Now())
}

func (m *Monitor) healthStatus(now time.Time) HealthStatus {
	st := m.status()

	m.mu.Lock()
	lastQuote := m.lastQuoteTime
	m.mu.Unlock()

	// Quotes only count against health once the account is synchronized and
	// actually subscribed to market data.
	quotesHealthy := true
	if st.Synchronized && st.HasSubscriptions {
		quotesHealthy = !lastQuote.IsZero() && now.Sub(lastQuote) < quoteFreshness
	}

	hs := HealthStatus{
		Connected:             st.Connected,
		ConnectedToBroker:     st.ConnectedToBroker,
		QuoteStreamingHealthy: quotesHealthy,
		Synchronized:          st.Synchronized,
		Healthy:               st.Connected && st.ConnectedToBroker && quotesHealthy && st.Synchronized,
	}
	if !hs.Healthy {
		var failing []string
		if !hs.Connected {
			failing = append(failing, "not connected to the server")
		}
		if !hs.ConnectedToBroker {
			failing = append(failing, "not connected to the broker")
		}
		if !hs.QuoteStreamingHealthy {
			failing = append(failing, "quote streaming is stale")
		}
		if !hs.Synchronized {
			failing = append(failing, "not synchronized")
		}
		hs.Message = fmt.Sprintf("connection is unhealthy: %s", strings.Join(failing, ", "))
	}
	return hs
}

// Uptime returns the healthy ratios over the last hour, day and week.
func (m *Monitor) Uptime() Uptime {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Uptime{
		OneHour: m.hour.ratio(),
		OneDay:  m.day.ratio(),
		OneWeek: m.week.ratio(),
	}
}

// ServerHealthStatus returns the last server-reported health object, or nil
// when none has arrived.
func (m *Monitor) ServerHealthStatus() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serverHealth
}

// OnSymbolPricesUpdated timestamps quote arrival for streaming freshness.
func (m *Monitor) OnSymbolPricesUpdated(_ context.Context, _ string, prices []types.SymbolPrice, _, _, _, _ *float64) error {
	if len(prices) == 0 {
		return nil
	}
	m.mu.Lock()
	m.lastQuoteTime = time.Now()
	m.mu.Unlock()
	return nil
}

// OnServerHealthStatus mirrors the opaque server health object.
func (m *Monitor) OnServerHealthStatus(_ context.Context, _ string, status map[string]any) error {
	m.mu.Lock()
	m.serverHealth = status
	m.mu.Unlock()
	return nil
}

// ring is a fixed-capacity boolean ring buffer with an O(1) healthy ratio.
type ring struct {
	samples []bool
	next    int
	filled  int
	healthy int
}

// maxWindowSamples caps ring memory when the sample period is very short;
// one week of samples at the default one second period.
const maxWindowSamples = 604800

func windowRing(window, period time.Duration) *ring {
	n := int(window / period)
	if n > maxWindowSamples {
		n = maxWindowSamples
	}
	return newRing(n)
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{samples: make([]bool, capacity)}
}

func (r *ring) push(ok bool) {
	if r.filled == len(r.samples) {
		if r.samples[r.next] {
			r.healthy--
		}
	} else {
		r.filled++
	}
	r.samples[r.next] = ok
	if ok {
		r.healthy++
	}
	r.next = (r.next + 1) % len(r.samples)
}

func (r *ring) ratio() float64 {
	if r.filled == 0 {
		return 0
	}
	return float64(r.healthy) / float64(r.filled)
}
