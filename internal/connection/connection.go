// Package connection implements the per-account streaming connection.
//
// A Connection composes the terminal state mirror, the history storage and
// the health monitor, registers them (and itself) as listeners on the shared
// transport, and drives the synchronization state machine: when the server
// authenticates the account it requests a synchronization from the history
// watermarks forward, re-subscribes market data, and marks the account
// synchronized once the server reports both the order and the deal stream
// finished. Failed attempts retry with a doubling interval; a superseding
// connect or a close makes queued retries step aside.
//
// Connections are created through the Registry, which guarantees one live
// Connection per account id.
package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"metaapi-go/internal/health"
	"metaapi-go/internal/history"
	"metaapi-go/internal/terminal"
	"metaapi-go/internal/transport"
	"metaapi-go/pkg/types"
)

// closeRequestTimeout bounds the best-effort unsubscribe sent at close.
const closeRequestTimeout = 5 * time.Second

// Transport is the subset of the websocket client a connection uses.
// *transport.Client satisfies it.
type Transport interface {
	Request(ctx context.Context, accountID string, fields map[string]any) ([]byte, error)
	AddListener(accountID string, l transport.Listener)
	RemoveListener(accountID string, l transport.Listener)
	AddReconnectListener(l transport.ReconnectListener)
	RemoveReconnectListener(l transport.ReconnectListener)
	IsConnected() bool
}

// Account identifies a terminal account a connection can be opened for.
// provision.Account satisfies it.
type Account interface {
	ID() string
	Application() string
}

// Connection is one account's live link to the terminal. It owns the local
// state mirror, history storage and health monitor; all three are torn down
// by Close.
type Connection struct {
	transport.NopListener

	accountID    string
	application  string
	tr           Transport
	state        *terminal.State
	storage      history.Storage
	historyList  *history.Listener
	monitor      *health.Monitor
	registry     *Registry
	historyStart time.Time
	retryInitial time.Duration
	retryMax     time.Duration
	logger       *zap.SugaredLogger

	// ctx is cancelled by Close; every retry timer and poll loop hangs off it.
	ctx    context.Context
	cancel context.CancelFunc

	mu                     sync.Mutex
	closed                 bool
	shouldSynchronize      string // key of the synchronization allowed to retry
	retryInterval          time.Duration
	synchronized           bool
	lastSyncID             string
	lastDisconnectedSyncID string
	ordersSynced           map[string]struct{}
	dealsSynced            map[string]struct{}
	subscriptions          map[string]struct{} // market data symbols to re-subscribe
}

func newConnection(tr Transport, account Account, storage history.Storage, historyStart time.Time, registry *Registry, settings Settings, logger *zap.SugaredLogger) *Connection {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	base := logger
	logger = logger.With("component", "connection", "account_id", account.ID())

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		accountID:     account.ID(),
		application:   account.Application(),
		tr:            tr,
		storage:       storage,
		historyList:   history.NewListener(storage),
		registry:      registry,
		historyStart:  historyStart,
		retryInitial:  settings.RetryInitialInterval,
		retryMax:      settings.RetryMaxInterval,
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
		retryInterval: settings.RetryInitialInterval,
		ordersSynced:  make(map[string]struct{}),
		dealsSynced:   make(map[string]struct{}),
		subscriptions: make(map[string]struct{}),
	}
	c.state = terminal.NewState(account.ID(), settings.StatusTimerTimeout, base)
	c.monitor = health.NewMonitor(account.ID(), settings.HealthSamplePeriod, c.healthInputs, base)
	return c
}

// initialize loads persisted history and wires every listener onto the
// transport. Called once by the registry before subscribe.
func (c *Connection) initialize() error {
	if err := c.storage.Initialize(); err != nil {
		return fmt.Errorf("initialize history storage: %w", err)
	}
	c.tr.AddListener(c.accountID, c.state)
	c.tr.AddListener(c.accountID, c.historyList)
	c.tr.AddListener(c.accountID, c.monitor)
	c.tr.AddListener(c.accountID, c)
	c.tr.AddReconnectListener(c)
	c.monitor.Start()
	return nil
}

// subscribe asks the server to start the account's event stream. The server
// answers with an authenticated event, which triggers synchronization.
func (c *Connection) subscribe(ctx context.Context) error {
	if _, err := c.tr.Request(ctx, c.accountID, map[string]any{"type": "subscribe"}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// AccountID returns the id of the account this connection mirrors.
func (c *Connection) AccountID() string { return c.accountID }

// TerminalState returns the local state mirror.
func (c *Connection) TerminalState() *terminal.State { return c.state }

// HistoryStorage returns the connection's history storage.
func (c *Connection) HistoryStorage() history.Storage { return c.storage }

// HealthMonitor returns the connection's health monitor.
func (c *Connection) HealthMonitor() *health.Monitor { return c.monitor }

// healthInputs feeds the health monitor's sampler.
func (c *Connection) healthInputs() health.Status {
	c.mu.Lock()
	hasSubscriptions := len(c.subscriptions) > 0
	c.mu.Unlock()
	return health.Status{
		Connected:         c.state.Connected(),
		ConnectedToBroker: c.state.ConnectedToBroker(),
		Synchronized:      c.IsSynchronized(""),
		HasSubscriptions:  hasSubscriptions,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Synchronization state machine
// ————————————————————————————————————————————————————————————————————————

// OnConnected fires when the server authenticates the account's stream. It
// supersedes any synchronization in flight and starts a fresh one.
func (c *Connection) OnConnected(context.Context, string) error {
	c.startSynchronization("authenticated")
	return nil
}

// OnDisconnected marks the account desynchronized. The last synchronization
// id is remembered so WaitSynchronized can still answer for callers that
// started waiting before the drop.
func (c *Connection) OnDisconnected(context.Context, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastSyncID != "" {
		c.lastDisconnectedSyncID = c.lastSyncID
	}
	c.lastSyncID = ""
	c.shouldSynchronize = ""
	c.synchronized = false
	return nil
}

// OnReconnected re-issues the subscribe request after the socket reattaches;
// the server then re-authenticates the account, driving OnConnected.
func (c *Connection) OnReconnected(context.Context) error {
	go func() {
		if err := c.subscribe(c.ctx); err != nil {
			c.logger.Warnw("resubscribe after reconnect failed", "error", err)
		}
	}()
	return nil
}

// OnPacketGap treats skipped sequence numbers as lost events: the mirror can
// no longer be trusted, so a fresh synchronization is started.
func (c *Connection) OnPacketGap(_ context.Context, _ string, fromSeq, toSeq int64) error {
	c.logger.Warnw("event packets lost, resynchronizing", "from", fromSeq, "to", toSeq)
	c.startSynchronization("packet gap")
	return nil
}

func (c *Connection) OnOrderSynchronizationFinished(_ context.Context, _ string, synchronizationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ordersSynced[synchronizationID] = struct{}{}
	return nil
}

func (c *Connection) OnDealSynchronizationFinished(_ context.Context, _ string, synchronizationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dealsSynced[synchronizationID] = struct{}{}
	return nil
}

// startSynchronization installs a fresh retry key and kicks off the attempt
// loop. Any attempt loop holding an older key stops at its next checkpoint.
func (c *Connection) startSynchronization(reason string) {
	key := uuid.NewString()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.shouldSynchronize = key
	c.retryInterval = c.retryInitial
	c.synchronized = false
	c.mu.Unlock()

	c.logger.Infow("starting synchronization", "reason", reason)
	go c.synchronizeWithRetry(key)
}

// synchronizeWithRetry attempts synchronization until it succeeds, the key is
// superseded, or the connection closes. The wait doubles after every failure
// up to the configured maximum.
func (c *Connection) synchronizeWithRetry(key string) {
	for {
		err := c.synchronize(key)
		if err == nil {
			return
		}

		c.mu.Lock()
		if c.closed || c.shouldSynchronize != key {
			c.mu.Unlock()
			return
		}
		wait := c.retryInterval
		c.retryInterval = nextRetryInterval(c.retryInterval, c.retryMax)
		c.mu.Unlock()

		c.logger.Warnw("synchronization failed, retrying", "error", err, "retry_in", wait)
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func nextRetryInterval(current, max time.Duration) time.Duration {
	next := 2 * current
	if next > max {
		next = max
	}
	return next
}

// synchronize performs one synchronization attempt: request the event replay
// from the history watermarks forward, then re-subscribe market data. A nil
// return also covers the attempt being superseded.
func (c *Connection) synchronize(key string) error {
	c.mu.Lock()
	if c.closed || c.shouldSynchronize != key {
		c.mu.Unlock()
		return nil
	}
	syncID := uuid.NewString()
	c.lastSyncID = syncID
	symbols := make([]string, 0, len(c.subscriptions))
	for symbol := range c.subscriptions {
		symbols = append(symbols, symbol)
	}
	c.mu.Unlock()

	startingHistoryOrderTime := c.storage.LastHistoryOrderTime()
	if c.historyStart.After(startingHistoryOrderTime) {
		startingHistoryOrderTime = c.historyStart
	}
	startingDealTime := c.storage.LastDealTime()
	if c.historyStart.After(startingDealTime) {
		startingDealTime = c.historyStart
	}

	_, err := c.tr.Request(c.ctx, c.accountID, map[string]any{
		"type":                     "synchronize",
		"synchronizationId":        syncID,
		"startingHistoryOrderTime": startingHistoryOrderTime,
		"startingDealTime":         startingDealTime,
	})
	if err != nil {
		return fmt.Errorf("synchronize request: %w", err)
	}

	// Re-subscription is best effort: a failed symbol does not abort the
	// synchronization, the next price packet simply will not include it.
	for _, symbol := range symbols {
		_, err := c.tr.Request(c.ctx, c.accountID, map[string]any{
			"type":   "subscribeToMarketData",
			"symbol": symbol,
		})
		if err != nil {
			c.logger.Warnw("market data resubscribe failed", "symbol", symbol, "error", err)
		}
	}

	c.mu.Lock()
	if c.shouldSynchronize == key && !c.closed {
		c.synchronized = true
		c.retryInterval = c.retryInitial
	}
	c.mu.Unlock()
	return nil
}

// IsSynchronized reports whether both the order and the deal stream finished
// for the given synchronization id. An empty id means the latest one, falling
// back to the one active at the last disconnect.
func (c *Connection) IsSynchronized(synchronizationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSynchronizedLocked(synchronizationID)
}

func (c *Connection) isSynchronizedLocked(synchronizationID string) bool {
	if synchronizationID == "" {
		synchronizationID = c.lastSyncID
	}
	if synchronizationID == "" {
		synchronizationID = c.lastDisconnectedSyncID
	}
	if synchronizationID == "" {
		return false
	}
	_, orders := c.ordersSynced[synchronizationID]
	_, deals := c.dealsSynced[synchronizationID]
	return orders && deals
}

// WaitOptions tune WaitSynchronized. Zero values select the defaults.
type WaitOptions struct {
	SynchronizationID string        // empty: latest, falling back to the pre-disconnect one
	Timeout           time.Duration // default 5 minutes
	Interval          time.Duration // poll interval, default 1 second
}

// WaitSynchronized blocks until the account is synchronized: first the local
// flag (both finish events seen), then a server-side handshake confirming the
// application's stream caught up. Fails with ErrTimeout when the deadline
// passes and ErrConnectionClosed when the connection closes mid-wait.
func (c *Connection) WaitSynchronized(ctx context.Context, opts WaitOptions) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Second
	}

	deadline := time.Now().Add(timeout)
	for !c.IsSynchronized(opts.SynchronizationID) {
		if time.Now().After(deadline) {
			return fmt.Errorf("account %s not synchronized within %s: %w", c.accountID, timeout, types.ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return types.ErrConnectionClosed
		case <-time.After(interval):
		}
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return fmt.Errorf("account %s not synchronized within %s: %w", c.accountID, timeout, types.ErrTimeout)
	}
	_, err := c.tr.Request(ctx, c.accountID, map[string]any{
		"type":               "waitSynchronized",
		"applicationPattern": c.applicationPattern(),
		"timeoutInSeconds":   int(remaining.Seconds()),
	})
	if err != nil {
		return fmt.Errorf("server-side synchronization wait: %w", err)
	}
	return nil
}

// applicationPattern selects which application streams the server-side wait
// covers. CopyFactory accounts also wait on their strategy streams.
func (c *Connection) applicationPattern() string {
	if c.application == "CopyFactory" {
		return "CopyFactory.*|RPC"
	}
	return "RPC"
}

// ————————————————————————————————————————————————————————————————————————
// Close
// ————————————————————————————————————————————————————————————————————————

// Close tears the connection down: unsubscribes at the server (best effort),
// deregisters every listener, stops the health monitor and the status
// watchdog, closes the history storage and removes the connection from the
// registry. Queued synchronization retries become no-ops. Idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.shouldSynchronize = ""
	c.synchronized = false
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeRequestTimeout)
	if _, err := c.tr.Request(ctx, c.accountID, map[string]any{"type": "unsubscribe"}); err != nil {
		c.logger.Debugw("unsubscribe at close failed", "error", err)
	}
	cancel()

	c.cancel()
	c.tr.RemoveListener(c.accountID, c.state)
	c.tr.RemoveListener(c.accountID, c.historyList)
	c.tr.RemoveListener(c.accountID, c.monitor)
	c.tr.RemoveListener(c.accountID, c)
	c.tr.RemoveReconnectListener(c)
	c.monitor.Stop()
	c.state.Close()

	var err error
	if closeErr := c.storage.Close(); closeErr != nil {
		err = fmt.Errorf("close history storage: %w", closeErr)
	}
	if c.registry != nil {
		c.registry.Remove(c.accountID)
	}
	c.logger.Infow("connection closed")
	return err
}
