package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"metaapi-go/internal/history"
	"metaapi-go/internal/transport"
	"metaapi-go/pkg/types"
)

// fakeTransport records requests and answers them through a configurable
// responder. The default responder acknowledges everything with an empty
// payload.
type fakeTransport struct {
	mu        sync.Mutex
	requests  []map[string]any
	listeners map[string]int
	respond   func(fields map[string]any) ([]byte, error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{listeners: make(map[string]int)}
}

func (f *fakeTransport) Request(_ context.Context, accountID string, fields map[string]any) ([]byte, error) {
	f.mu.Lock()
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	copied["accountId"] = accountID
	f.requests = append(f.requests, copied)
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		return respond(copied)
	}
	return []byte(`{}`), nil
}

func (f *fakeTransport) AddListener(accountID string, _ transport.Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners[accountID]++
}

func (f *fakeTransport) RemoveListener(accountID string, _ transport.Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners[accountID]--
}

func (f *fakeTransport) AddReconnectListener(transport.ReconnectListener)    {}
func (f *fakeTransport) RemoveReconnectListener(transport.ReconnectListener) {}
func (f *fakeTransport) IsConnected() bool                                   { return true }

// countRequests returns how many recorded requests carry the type.
func (f *fakeTransport) countRequests(requestType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, req := range f.requests {
		if req["type"] == requestType {
			n++
		}
	}
	return n
}

// lastRequest returns the newest recorded request of the type.
func (f *fakeTransport) lastRequest(requestType string) (map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.requests) - 1; i >= 0; i-- {
		if f.requests[i]["type"] == requestType {
			return f.requests[i], true
		}
	}
	return nil, false
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}

type fakeAccount struct{ id string }

func (a fakeAccount) ID() string          { return a.id }
func (a fakeAccount) Application() string { return "MetaApi" }

func testSettings() Settings {
	return Settings{
		Application:          "MetaApi",
		StatusTimerTimeout:   time.Minute,
		RetryInitialInterval: 10 * time.Millisecond,
		RetryMaxInterval:     80 * time.Millisecond,
		HealthSamplePeriod:   time.Second,
	}
}

func openConnection(t *testing.T, tr Transport, accountID string) *Connection {
	t.Helper()
	registry := NewRegistry(tr, testSettings(), nil)
	conn, err := registry.Connect(context.Background(), fakeAccount{id: accountID}, nil, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestRegistrySingleConnectionPerAccount(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	registry := NewRegistry(tr, testSettings(), nil)

	const openers = 8
	results := make([]*Connection, openers)
	var wg sync.WaitGroup
	for i := 0; i < openers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := registry.Connect(context.Background(), fakeAccount{id: "acc-registry"}, nil, time.Time{})
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = conn
		}(i)
	}
	wg.Wait()

	for i := 1; i < openers; i++ {
		if results[i] != results[0] {
			t.Fatalf("opener %d observed a different connection", i)
		}
	}
	if got := tr.countRequests("subscribe"); got != 1 {
		t.Errorf("subscribe sent %d times, want exactly 1", got)
	}
	_ = results[0].Close()
}

func TestRegistryRemoveAllowsReopen(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	registry := NewRegistry(tr, testSettings(), nil)

	first, err := registry.Connect(context.Background(), fakeAccount{id: "acc-reopen"}, nil, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	second, err := registry.Connect(context.Background(), fakeAccount{id: "acc-reopen"}, nil, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	if second == first {
		t.Error("closed connection was handed out again")
	}
}

func TestSynchronizationFlow(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	conn := openConnection(t, tr, "acc-sync")

	if err := conn.OnConnected(context.Background(), "acc-sync"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return tr.countRequests("synchronize") == 1 })

	req, _ := tr.lastRequest("synchronize")
	syncID, _ := req["synchronizationId"].(string)
	if syncID == "" {
		t.Fatal("synchronize request carries no synchronization id")
	}

	if conn.IsSynchronized("") {
		t.Fatal("must not report synchronized before both finish events")
	}
	conn.OnOrderSynchronizationFinished(context.Background(), "acc-sync", syncID)
	if conn.IsSynchronized("") {
		t.Fatal("order finish alone must not complete synchronization")
	}
	conn.OnDealSynchronizationFinished(context.Background(), "acc-sync", syncID)
	if !conn.IsSynchronized("") {
		t.Error("both finish events should complete synchronization")
	}

	if err := conn.WaitSynchronized(context.Background(), WaitOptions{Timeout: time.Second, Interval: 10 * time.Millisecond}); err != nil {
		t.Errorf("WaitSynchronized = %v, want success", err)
	}
	if got := tr.countRequests("waitSynchronized"); got != 1 {
		t.Errorf("server-side wait sent %d times, want 1", got)
	}
}

func TestSynchronizeUsesHistoryWatermarks(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	storage := history.NewMemory()
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	doneTime := at
	if err := storage.OnHistoryOrderAdded(types.Order{ID: "1", DoneTime: &doneTime}); err != nil {
		t.Fatal(err)
	}

	registry := NewRegistry(tr, testSettings(), nil)
	conn, err := registry.Connect(context.Background(), fakeAccount{id: "acc-marks"}, storage, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.OnConnected(context.Background(), "acc-marks")
	waitFor(t, func() bool { return tr.countRequests("synchronize") == 1 })

	req, _ := tr.lastRequest("synchronize")
	start, ok := req["startingHistoryOrderTime"].(time.Time)
	if !ok || !start.Equal(at) {
		t.Errorf("startingHistoryOrderTime = %v, want %v", req["startingHistoryOrderTime"], at)
	}
}

func TestWaitSynchronizedTimesOut(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	conn := openConnection(t, tr, "acc-wait")

	started := time.Now()
	err := conn.WaitSynchronized(context.Background(), WaitOptions{
		Timeout:  time.Second,
		Interval: 50 * time.Millisecond,
	})
	elapsed := time.Since(started)

	if !errors.Is(err, types.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed < 900*time.Millisecond || elapsed > 3*time.Second {
		t.Errorf("waited %v, want about 1s", elapsed)
	}
}

func TestRetryIntervalDoublesUpToCap(t *testing.T) {
	t.Parallel()

	max := 300 * time.Second
	interval := time.Second
	var seen []time.Duration
	for i := 0; i < 12; i++ {
		seen = append(seen, interval)
		interval = nextRetryInterval(interval, max)
	}

	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] {
			t.Fatalf("interval shrank: %v after %v", seen[i], seen[i-1])
		}
		if seen[i] > max {
			t.Fatalf("interval %v exceeds cap %v", seen[i], max)
		}
		if seen[i-1] < max && seen[i] != 2*seen[i-1] && seen[i] != max {
			t.Fatalf("interval %v is neither double %v nor the cap", seen[i], seen[i-1])
		}
	}
	if seen[len(seen)-1] != max {
		t.Errorf("interval should reach the cap, got %v", seen[len(seen)-1])
	}
}

func TestSynchronizationRetriesAfterFailure(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	tr.respond = func(fields map[string]any) ([]byte, error) {
		if fields["type"] == "synchronize" {
			return nil, fmt.Errorf("server busy")
		}
		return []byte(`{}`), nil
	}
	conn := openConnection(t, tr, "acc-retry")

	conn.OnConnected(context.Background(), "acc-retry")
	waitFor(t, func() bool { return tr.countRequests("synchronize") >= 3 })
}

func TestCloseStopsQueuedRetries(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	tr.respond = func(fields map[string]any) ([]byte, error) {
		if fields["type"] == "synchronize" {
			return nil, fmt.Errorf("server busy")
		}
		return []byte(`{}`), nil
	}
	registry := NewRegistry(tr, testSettings(), nil)
	conn, err := registry.Connect(context.Background(), fakeAccount{id: "acc-close"}, nil, time.Time{})
	if err != nil {
		t.Fatal(err)
	}

	conn.OnConnected(context.Background(), "acc-close")
	waitFor(t, func() bool { return tr.countRequests("synchronize") >= 1 })

	if err := conn.Close(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond) // let any in-flight attempt land
	settled := tr.countRequests("synchronize")
	time.Sleep(200 * time.Millisecond) // several retry intervals
	if got := tr.countRequests("synchronize"); got != settled {
		t.Errorf("synchronize count grew from %d to %d after close", settled, got)
	}

	// A late authenticated event on a closed connection does nothing.
	conn.OnConnected(context.Background(), "acc-close")
	time.Sleep(50 * time.Millisecond)
	if got := tr.countRequests("synchronize"); got != settled {
		t.Errorf("closed connection sent synchronize after authenticated event")
	}
}

func TestDisconnectClearsSynchronization(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	conn := openConnection(t, tr, "acc-disc")

	conn.OnConnected(context.Background(), "acc-disc")
	waitFor(t, func() bool { return tr.countRequests("synchronize") == 1 })
	req, _ := tr.lastRequest("synchronize")
	syncID := req["synchronizationId"].(string)
	conn.OnOrderSynchronizationFinished(context.Background(), "acc-disc", syncID)
	conn.OnDealSynchronizationFinished(context.Background(), "acc-disc", syncID)
	waitFor(t, func() bool { return conn.IsSynchronized("") })

	conn.OnDisconnected(context.Background(), "acc-disc")
	// The pre-disconnect id still answers for waiting callers.
	if !conn.IsSynchronized(syncID) {
		t.Error("explicit id should still report synchronized")
	}
	if !conn.IsSynchronized("") {
		t.Error("empty id should fall back to the pre-disconnect synchronization")
	}
}

func TestPacketGapTriggersResynchronization(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	conn := openConnection(t, tr, "acc-gap")

	conn.OnConnected(context.Background(), "acc-gap")
	waitFor(t, func() bool { return tr.countRequests("synchronize") == 1 })

	conn.OnPacketGap(context.Background(), "acc-gap", 5, 9)
	waitFor(t, func() bool { return tr.countRequests("synchronize") == 2 })

	first, _ := tr.lastRequest("synchronize")
	if first["synchronizationId"] == "" {
		t.Error("resynchronization must carry a fresh id")
	}
}

func TestResubscribesMarketDataAfterResync(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	conn := openConnection(t, tr, "acc-md")

	if err := conn.SubscribeToMarketData(context.Background(), "EURUSD"); err != nil {
		t.Fatal(err)
	}
	if got := tr.countRequests("subscribeToMarketData"); got != 1 {
		t.Fatalf("subscribeToMarketData sent %d times, want 1", got)
	}

	conn.OnConnected(context.Background(), "acc-md")
	waitFor(t, func() bool { return tr.countRequests("subscribeToMarketData") == 2 })

	req, _ := tr.lastRequest("subscribeToMarketData")
	if req["symbol"] != "EURUSD" {
		t.Errorf("resubscribed symbol = %v, want EURUSD", req["symbol"])
	}
}

func TestTradeSuccess(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	tr.respond = func(fields map[string]any) ([]byte, error) {
		if fields["type"] != "trade" {
			return []byte(`{}`), nil
		}
		return json.Marshal(map[string]any{
			"response": types.TradeResponse{
				NumericCode: 10009,
				StringCode:  "TRADE_RETCODE_DONE",
				Message:     "Request completed",
				OrderID:     "46870472",
			},
		})
	}
	conn := openConnection(t, tr, "acc-trade")

	resp, err := conn.CreateMarketBuyOrder(context.Background(), "GBPUSD", 0.07, nil, nil,
		&types.MarketTradeOptions{TradeOptions: types.TradeOptions{Comment: "comment", ClientID: "TE_GBPUSD_7hyINWqAlE"}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.OrderID != "46870472" {
		t.Errorf("orderId = %s, want 46870472", resp.OrderID)
	}

	req, _ := tr.lastRequest("trade")
	trade, ok := req["trade"].(types.TradeRequest)
	if !ok {
		t.Fatalf("trade field = %T, want TradeRequest", req["trade"])
	}
	if trade.ActionType != types.ActionBuy || trade.Symbol != "GBPUSD" || trade.Comment != "comment" {
		t.Errorf("trade request = %+v, want action/symbol/comment applied", trade)
	}
}

func TestTradeFailureCode(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	tr.respond = func(fields map[string]any) ([]byte, error) {
		if fields["type"] != "trade" {
			return []byte(`{}`), nil
		}
		return json.Marshal(map[string]any{
			"response": types.TradeResponse{
				NumericCode: 10019,
				StringCode:  "TRADE_RETCODE_NO_MONEY",
				Message:     "No money",
			},
		})
	}
	conn := openConnection(t, tr, "acc-trade-fail")

	_, err := conn.CreateMarketSellOrder(context.Background(), "GBPUSD", 0.07, nil, nil, nil)
	var tradeErr *types.TradeError
	if !errors.As(err, &tradeErr) {
		t.Fatalf("err = %v, want TradeError", err)
	}
	if tradeErr.NumericCode != 10019 || tradeErr.StringCode != "TRADE_RETCODE_NO_MONEY" {
		t.Errorf("TradeError = %+v, want retcodes preserved", tradeErr)
	}
}

func TestTradeValidationRejectsLocally(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	conn := openConnection(t, tr, "acc-trade-val")

	_, err := conn.Trade(context.Background(), types.TradeRequest{ActionType: types.ActionBuy})
	if !errors.Is(err, types.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	_, err = conn.Trade(context.Background(), types.TradeRequest{ActionType: "ORDER_TYPE_TELEPORT"})
	if !errors.Is(err, types.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation for unknown action", err)
	}
	if got := tr.countRequests("trade"); got != 0 {
		t.Errorf("invalid trades reached the wire %d times", got)
	}
}

func TestQueriesDecodePayloads(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	tr.respond = func(fields map[string]any) ([]byte, error) {
		switch fields["type"] {
		case "getAccountInformation":
			return json.Marshal(map[string]any{"accountInformation": types.AccountInformation{
				Broker: "ICMarkets", Balance: 7319.9, Currency: "USD",
			}})
		case "getPositions":
			return json.Marshal(map[string]any{"positions": []types.Position{{ID: "46214692", Symbol: "GBPUSD"}}})
		case "getSymbolPrice":
			return json.Marshal(map[string]any{"price": types.SymbolPrice{Symbol: "AUDNZD", Bid: 1.05297}})
		default:
			return []byte(`{}`), nil
		}
	}
	conn := openConnection(t, tr, "acc-query")
	ctx := context.Background()

	info, err := conn.GetAccountInformation(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if info.Broker != "ICMarkets" || info.Balance != 7319.9 {
		t.Errorf("account information = %+v", info)
	}

	positions, err := conn.GetPositions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 || positions[0].ID != "46214692" {
		t.Errorf("positions = %+v", positions)
	}

	price, err := conn.GetSymbolPrice(ctx, "AUDNZD")
	if err != nil {
		t.Fatal(err)
	}
	if price.Bid != 1.05297 {
		t.Errorf("bid = %v, want 1.05297", price.Bid)
	}
}

func TestRemoveHistoryResetsStorage(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	storage := history.NewMemory()
	doneTime := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := storage.OnHistoryOrderAdded(types.Order{ID: "1", DoneTime: &doneTime}); err != nil {
		t.Fatal(err)
	}

	registry := NewRegistry(tr, testSettings(), nil)
	conn, err := registry.Connect(context.Background(), fakeAccount{id: "acc-rmhist"}, storage, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := conn.RemoveHistory(context.Background(), "app"); err != nil {
		t.Fatal(err)
	}
	if !storage.LastHistoryOrderTime().IsZero() {
		t.Error("RemoveHistory should reset the local storage")
	}
	req, ok := tr.lastRequest("removeHistory")
	if !ok || req["application"] != "app" {
		t.Errorf("removeHistory request = %v", req)
	}
}
