package health

import (
	"context"
	"testing"
	"time"

	"metaapi-go/pkg/types"
)

func healthyStatus() Status {
	return Status{Connected: true, ConnectedToBroker: true, Synchronized: true}
}

func TestHealthStatusAggregates(t *testing.T) {
	t.Parallel()

	st := healthyStatus()
	m := NewMonitor("account-1", time.Second, func() Status { return st }, nil)
	defer m.Stop()

	hs := m.HealthStatus()
	if !hs.Healthy {
		t.Fatalf("expected healthy, got %+v", hs)
	}
	if hs.Message != "" {
		t.Errorf("healthy status should carry no message, got %q", hs.Message)
	}

	st.ConnectedToBroker = false
	hs = m.HealthStatus()
	if hs.Healthy {
		t.Fatal("expected unhealthy when broker link is down")
	}
	if hs.Message == "" {
		t.Error("unhealthy status should name the failing check")
	}
}

func TestQuoteStreamingFreshness(t *testing.T) {
	t.Parallel()

	st := healthyStatus()
	st.HasSubscriptions = true
	m := NewMonitor("account-2", time.Second, func() Status { return st }, nil)
	defer m.Stop()

	// Subscribed and synchronized but no quote ever arrived: stale.
	hs := m.HealthStatus()
	if hs.QuoteStreamingHealthy {
		t.Error("expected stale quote streaming before any price event")
	}

	if err := m.OnSymbolPricesUpdated(context.Background(), "account-2",
		[]types.SymbolPrice{{Symbol: "EURUSD", Bid: 1, Ask: 1.1}}, nil, nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	hs = m.HealthStatus()
	if !hs.QuoteStreamingHealthy {
		t.Error("expected healthy quote streaming right after a price event")
	}
}

func TestUptimeRatios(t *testing.T) {
	t.Parallel()

	healthy := true
	m := NewMonitor("account-3", time.Second, func() Status {
		return Status{Connected: healthy, ConnectedToBroker: healthy, Synchronized: healthy}
	}, nil)
	defer m.Stop()

	now := time.Now()
	for i := 0; i < 3; i++ {
		m.sample(now)
	}
	healthy = false
	m.sample(now)

	up := m.Uptime()
	if up.OneHour != 0.75 {
		t.Errorf("1h uptime = %v, want 0.75", up.OneHour)
	}
	if up.OneDay != 0.75 || up.OneWeek != 0.75 {
		t.Errorf("1d/1w uptime = %v/%v, want 0.75", up.OneDay, up.OneWeek)
	}
}

func TestRingEviction(t *testing.T) {
	t.Parallel()

	r := newRing(4)
	for i := 0; i < 4; i++ {
		r.push(true)
	}
	if r.ratio() != 1 {
		t.Fatalf("ratio = %v, want 1", r.ratio())
	}
	// Two unhealthy samples evict two healthy ones.
	r.push(false)
	r.push(false)
	if r.ratio() != 0.5 {
		t.Errorf("ratio = %v, want 0.5", r.ratio())
	}
}

func TestServerHealthMirror(t *testing.T) {
	t.Parallel()

	m := NewMonitor("account-4", time.Second, healthyStatus, nil)
	defer m.Stop()

	if m.ServerHealthStatus() != nil {
		t.Fatal("expected no server health before the event")
	}
	if err := m.OnServerHealthStatus(context.Background(), "account-4",
		map[string]any{"restApiHealthy": true}); err != nil {
		t.Fatal(err)
	}
	got := m.ServerHealthStatus()
	if got == nil || got["restApiHealthy"] != true {
		t.Errorf("server health = %v, want mirror of the event", got)
	}
}

func TestStopEndsSampler(t *testing.T) {
	t.Parallel()

	m := NewMonitor("account-5", 10*time.Millisecond, healthyStatus, nil)
	m.Start()

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}
