// Package transport implements the websocket channel to the trading server.
//
// A single Client is shared by every account connection in the process. It
// carries three kinds of frames:
//
//   - Requests (client → server): tagged with a fresh request id; the caller
//     blocks until the matching response or error frame arrives.
//
//   - Responses (server → client): matched to the pending request by id.
//
//   - Events (server → client): decoded and fanned out to the listeners
//     registered for the event's account, after per-account sequence
//     reordering by the packet orderer.
//
// The client auto-reconnects with exponential backoff (1s → 30s max) and
// notifies reconnect listeners after each successful reattach; it never
// replays missed events — resynchronization is the engine's job. A read
// deadline ensures silent server failures are detected within ~2 missed
// pings.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"metaapi-go/pkg/types"
)

const (
	pingInterval     = 30 * time.Second // how often we send ping control frames
	readTimeout      = 70 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	inboundBuffer    = 512              // event frames awaiting dispatch
	requestRate      = 50               // request frames per second
	requestBurst     = 100
	gapCheckInterval = time.Second // how often stalled sequence gaps are probed
)

// Options configure a Client.
type Options struct {
	// URL is the full websocket endpoint including the auth token. When
	// empty it is built from Domain and Token.
	URL    string
	Domain string
	Token  string

	// Application tags every request frame.
	Application string

	// RequestTimeout bounds each request/response exchange. ConnectTimeout
	// bounds the initial dial. PacketOrderingTimeout is how long a sequence
	// gap may stall before being skipped.
	RequestTimeout        time.Duration
	ConnectTimeout        time.Duration
	PacketOrderingTimeout time.Duration

	Logger *zap.SugaredLogger
}

// response resolves one pending request: a raw response frame or an error.
type response struct {
	data []byte
	err  error
}

// Client is the shared websocket channel. Safe for concurrent use.
type Client struct {
	url            string
	application    string
	requestTimeout time.Duration
	connectTimeout time.Duration
	reconnectWait  time.Duration // initial backoff, doubles up to maxReconnectWait

	conn      *websocket.Conn
	connMu    sync.Mutex // protects conn reads/writes
	connected bool       // guarded by connMu

	pendingMu sync.Mutex
	pending   map[string]chan response // request id → resolver

	listenersMu        sync.RWMutex
	listeners          map[string][]Listener // account id → listeners
	reconnectListeners []ReconnectListener

	orderer *orderer
	limiter *rate.Limiter
	inbound chan packet

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closedMu sync.Mutex
	closed   bool

	logger *zap.SugaredLogger
}

// NewClient builds a client from options. Connect must be called before any
// request is issued.
func NewClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger = logger.With("component", "transport")

	url := opts.URL
	if url == "" {
		url = fmt.Sprintf("wss://mt-client-api-v1.%s/ws?auth-token=%s", opts.Domain, opts.Token)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 60 * time.Second
	}
	if opts.PacketOrderingTimeout <= 0 {
		opts.PacketOrderingTimeout = 60 * time.Second
	}
	if opts.Application == "" {
		opts.Application = "MetaApi"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:            url,
		application:    opts.Application,
		requestTimeout: opts.RequestTimeout,
		connectTimeout: opts.ConnectTimeout,
		pending:        make(map[string]chan response),
		listeners:      make(map[string][]Listener),
		orderer:        newOrderer(opts.PacketOrderingTimeout, logger),
		limiter:        rate.NewLimiter(rate.Limit(requestRate), requestBurst),
		inbound:        make(chan packet, inboundBuffer),
		ctx:            ctx,
		cancel:         cancel,
		logger:         logger,
	}
}

// Application returns the application tag stamped on request frames.
func (c *Client) Application() string { return c.application }

// Connect dials the server and starts the background read, dispatch and
// reconnect machinery. It returns once the socket is established.
func (c *Client) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.setConn(conn)

	c.wg.Add(2)
	go c.run(conn)
	go c.dispatchLoop()

	c.logger.Infow("websocket connected")
	return nil
}

// IsConnected reports whether the socket is currently up.
func (c *Client) IsConnected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connected
}

// AddListener registers a listener for one account's event stream.
func (c *Client) AddListener(accountID string, l Listener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners[accountID] = append(c.listeners[accountID], l)
}

// RemoveListener deregisters a previously added listener.
func (c *Client) RemoveListener(accountID string, l Listener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	registered := c.listeners[accountID]
	for i, candidate := range registered {
		if candidate == l {
			c.listeners[accountID] = append(registered[:i:i], registered[i+1:]...)
			break
		}
	}
	if len(c.listeners[accountID]) == 0 {
		delete(c.listeners, accountID)
		c.orderer.reset(accountID)
	}
}

// AddReconnectListener registers for notifications after each reattach.
func (c *Client) AddReconnectListener(l ReconnectListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.reconnectListeners = append(c.reconnectListeners, l)
}

// RemoveReconnectListener deregisters a reconnect listener.
func (c *Client) RemoveReconnectListener(l ReconnectListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	for i, candidate := range c.reconnectListeners {
		if candidate == l {
			c.reconnectListeners = append(c.reconnectListeners[:i:i], c.reconnectListeners[i+1:]...)
			break
		}
	}
}

// Request sends one request frame and blocks until the matching response
// arrives, the caller's context is cancelled, or the request timeout fires.
// On timeout the error is ErrNotConnected when the socket is down, otherwise
// ErrTimeout. fields must include the "type" key; accountId, requestId and
// application are filled in here.
func (c *Client) Request(ctx context.Context, accountID string, fields map[string]any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	frame := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		frame[k] = v
	}
	if accountID != "" {
		frame["accountId"] = accountID
	}
	frame["requestId"] = requestID
	if _, ok := frame["application"]; !ok {
		frame["application"] = c.application
	}

	respCh := make(chan response, 1)
	c.pendingMu.Lock()
	c.pending[requestID] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
	}()

	if err := c.writeJSON(frame); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		if !c.IsConnected() {
			return nil, fmt.Errorf("%v request for account %s: %w", frame["type"], accountID, types.ErrNotConnected)
		}
		return nil, fmt.Errorf("%v request for account %s: %w", frame["type"], accountID, types.ErrTimeout)
	case resp := <-respCh:
		return resp.data, resp.err
	}
}

// Close shuts the client down: the socket is closed, background goroutines
// exit and every pending request fails with ErrConnectionClosed.
func (c *Client) Close() error {
	c.closedMu.Lock()
	if c.closed {
		c.closedMu.Unlock()
		return nil
	}
	c.closed = true
	c.closedMu.Unlock()

	c.cancel()

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connected = false
	c.connMu.Unlock()

	c.failPending(types.ErrConnectionClosed)
	c.wg.Wait()
	return nil
}

func (c *Client) isClosed() bool {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()
	return c.closed
}

// ————————————————————————————————————————————————————————————————————————
// Connection lifecycle
// ————————————————————————————————————————————————————————————————————————

// run reads from the socket until it fails, then reconnects with exponential
// backoff until the client is closed.
func (c *Client) run(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		err := c.readLoop(conn)
		c.connMu.Lock()
		c.connected = false
		c.conn = nil
		c.connMu.Unlock()
		conn.Close()

		if c.isClosed() {
			return
		}
		c.logger.Warnw("websocket disconnected, reconnecting", "error", err)

		conn = c.reconnect()
		if conn == nil {
			return // client closed while reconnecting
		}
		c.notifyReconnected()
	}
}

// reconnect dials until it succeeds or the client closes.
// Backoff: 1s, 2s, 4s, ..., capped at maxReconnectWait.
func (c *Client) reconnect() *websocket.Conn {
	backoff := time.Second
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		dialCtx, cancel := context.WithTimeout(c.ctx, c.connectTimeout)
		conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
		cancel()
		if err == nil {
			c.setConn(conn)
			c.logger.Infow("websocket reconnected")
			return conn
		}

		c.logger.Warnw("reconnect attempt failed", "error", err, "backoff", backoff)
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	c.connMu.Lock()
	c.conn = conn
	c.connected = true
	c.connMu.Unlock()
}

// readLoop reads frames until the socket errors. Responses resolve pending
// requests directly; events are queued for the dispatch goroutine.
func (c *Client) readLoop(conn *websocket.Conn) error {
	pingCtx, pingCancel := context.WithCancel(c.ctx)
	defer pingCancel()
	go c.pingLoop(pingCtx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var header types.PacketHeader
		if err := json.Unmarshal(data, &header); err != nil {
			c.logger.Warnw("dropping malformed frame", "error", err)
			continue
		}

		if header.RequestID != "" && (header.Type == types.EventResponse || header.Type == types.EventProcessingError) {
			c.resolve(header, data)
			continue
		}

		select {
		case c.inbound <- packet{header: header, data: data, receivedAt: time.Now()}:
		case <-c.ctx.Done():
			return c.ctx.Err()
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Warnw("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) writeJSON(v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil || !c.connected {
		return fmt.Errorf("write: %w", types.ErrNotConnected)
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// notifyReconnected runs reconnect listeners off the read path: listeners
// typically issue subscribe requests that must not block the socket reader.
func (c *Client) notifyReconnected() {
	c.listenersMu.RLock()
	listeners := make([]ReconnectListener, len(c.reconnectListeners))
	copy(listeners, c.reconnectListeners)
	c.listenersMu.RUnlock()

	go func() {
		for _, l := range listeners {
			if err := l.OnReconnected(c.ctx); err != nil {
				c.logger.Warnw("reconnect listener failed", "error", err)
			}
		}
	}()
}

// ————————————————————————————————————————————————————————————————————————
// Responses
// ————————————————————————————————————————————————————————————————————————

// errorFrame is the shape of a processingError response.
type errorFrame struct {
	Error    string `json:"error"`
	Message  string `json:"message"`
	Metadata struct {
		RecommendedRetryTime time.Time `json:"recommendedRetryTime"`
	} `json:"metadata"`
}

func (c *Client) resolve(header types.PacketHeader, data []byte) {
	c.pendingMu.Lock()
	respCh, ok := c.pending[header.RequestID]
	if ok {
		delete(c.pending, header.RequestID)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Warnw("response for unknown request, dropping",
			"request_id", header.RequestID,
			"type", header.Type,
		)
		return
	}

	if header.Type == types.EventProcessingError {
		var frame errorFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			respCh <- response{err: fmt.Errorf("%w: unreadable error frame", types.ErrInternal)}
			return
		}
		respCh <- response{err: convertError(frame)}
		return
	}

	respCh <- response{data: data}
}

// convertError maps a server error name onto the SDK error kinds.
func convertError(frame errorFrame) error {
	switch frame.Error {
	case "ValidationError":
		return fmt.Errorf("%w: %s", types.ErrValidation, frame.Message)
	case "NotFoundError":
		return fmt.Errorf("%w: %s", types.ErrNotFound, frame.Message)
	case "NotAuthenticatedError", "UnauthorizedError":
		return fmt.Errorf("%w: %s", types.ErrUnauthorized, frame.Message)
	case "NotConnectedError":
		return fmt.Errorf("%w: %s", types.ErrNotConnected, frame.Message)
	case "TimeoutError":
		return fmt.Errorf("%w: %s", types.ErrTimeout, frame.Message)
	case "TooManyRequestsError":
		return &types.TooManyRequestsError{
			Message:              frame.Message,
			RecommendedRetryTime: frame.Metadata.RecommendedRetryTime,
		}
	default:
		return fmt.Errorf("%w: %s: %s", types.ErrInternal, frame.Error, frame.Message)
	}
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, respCh := range c.pending {
		respCh <- response{err: err}
		delete(c.pending, id)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Event dispatch
// ————————————————————————————————————————————————————————————————————————

// dispatchLoop is the single goroutine that owns the packet orderer and the
// listener callbacks, which is what makes per-account delivery totally
// ordered. A ticker sweeps for sequence gaps that have stalled too long.
func (c *Client) dispatchLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(gapCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return

		case p := <-c.inbound:
			if p.header.SequenceNumber == nil {
				c.dispatch(p)
				continue
			}
			for _, released := range c.orderer.process(p) {
				c.dispatch(released)
			}

		case now := <-ticker.C:
			released, gaps := c.orderer.releaseExpired(now)
			for _, g := range gaps {
				c.notifyGap(g)
			}
			for _, p := range released {
				c.dispatch(p)
			}
		}
	}
}

func (c *Client) listenersFor(accountID string) []Listener {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	registered := c.listeners[accountID]
	if len(registered) == 0 {
		return nil
	}
	out := make([]Listener, len(registered))
	copy(out, registered)
	return out
}

func (c *Client) notifyGap(g gap) {
	for _, l := range c.listenersFor(g.accountID) {
		gl, ok := l.(GapListener)
		if !ok {
			continue
		}
		if err := gl.OnPacketGap(c.ctx, g.accountID, g.from, g.to); err != nil {
			c.logger.Warnw("gap listener failed", "account_id", g.accountID, "error", err)
		}
	}
}

// dispatch decodes one event frame and invokes the matching callback on each
// listener registered for the account. Listener errors are logged and do not
// stop delivery to the remaining listeners.
func (c *Client) dispatch(p packet) {
	listeners := c.listenersFor(p.header.AccountID)
	if len(listeners) == 0 {
		return
	}
	accountID := p.header.AccountID

	each := func(fn func(Listener) error) {
		for _, l := range listeners {
			if err := fn(l); err != nil {
				c.logger.Warnw("listener failed",
					"account_id", accountID,
					"type", p.header.Type,
					"error", err,
				)
			}
		}
	}

	switch p.header.Type {
	case types.EventAuthenticated:
		each(func(l Listener) error { return l.OnConnected(c.ctx, accountID) })

	case types.EventDisconnected:
		each(func(l Listener) error { return l.OnDisconnected(c.ctx, accountID) })

	case types.EventAccountInformation:
		var evt types.AccountInformationEvent
		if !c.decode(p, &evt) {
			return
		}
		if evt.AccountInformation == nil {
			return
		}
		each(func(l Listener) error {
			return l.OnAccountInformationUpdated(c.ctx, accountID, *evt.AccountInformation)
		})

	case types.EventPositions:
		var evt types.PositionsEvent
		if !c.decode(p, &evt) {
			return
		}
		each(func(l Listener) error { return l.OnPositionsReplaced(c.ctx, accountID, evt.Positions) })

	case types.EventOrders:
		var evt types.OrdersEvent
		if !c.decode(p, &evt) {
			return
		}
		each(func(l Listener) error { return l.OnOrdersReplaced(c.ctx, accountID, evt.Orders) })

	case types.EventUpdate:
		var evt types.UpdateEvent
		if !c.decode(p, &evt) {
			return
		}
		each(func(l Listener) error {
			for _, position := range evt.Positions {
				if err := l.OnPositionUpdated(c.ctx, accountID, position); err != nil {
					return err
				}
			}
			for _, order := range evt.Orders {
				if err := l.OnOrderUpdated(c.ctx, accountID, order); err != nil {
					return err
				}
			}
			return nil
		})

	case types.EventPositionRemoved:
		var evt types.PositionRemovedEvent
		if !c.decode(p, &evt) {
			return
		}
		each(func(l Listener) error { return l.OnPositionRemoved(c.ctx, accountID, evt.PositionID) })

	case types.EventOrderCompleted:
		var evt types.OrderCompletedEvent
		if !c.decode(p, &evt) {
			return
		}
		each(func(l Listener) error { return l.OnOrderCompleted(c.ctx, accountID, evt.OrderID) })

	case types.EventHistoryOrders:
		var evt types.HistoryOrdersEvent
		if !c.decode(p, &evt) {
			return
		}
		each(func(l Listener) error {
			for _, order := range evt.HistoryOrders {
				if err := l.OnHistoryOrderAdded(c.ctx, accountID, order); err != nil {
					return err
				}
			}
			return nil
		})

	case types.EventDeals:
		var evt types.DealsEvent
		if !c.decode(p, &evt) {
			return
		}
		each(func(l Listener) error {
			for _, deal := range evt.Deals {
				if err := l.OnDealAdded(c.ctx, accountID, deal); err != nil {
					return err
				}
			}
			return nil
		})

	case types.EventSymbolSpecifications:
		var evt types.SymbolSpecificationsEvent
		if !c.decode(p, &evt) {
			return
		}
		each(func(l Listener) error {
			for _, spec := range evt.Specifications {
				if err := l.OnSymbolSpecificationUpdated(c.ctx, accountID, spec); err != nil {
					return err
				}
			}
			return nil
		})

	case types.EventPrices:
		var evt types.PricesEvent
		if !c.decode(p, &evt) {
			return
		}
		each(func(l Listener) error {
			return l.OnSymbolPricesUpdated(c.ctx, accountID, evt.Prices,
				evt.Equity, evt.Margin, evt.FreeMargin, evt.MarginLevel)
		})

	case types.EventSyncStarted:
		each(func(l Listener) error {
			return l.OnSynchronizationStarted(c.ctx, accountID, p.header.SynchronizationID)
		})

	case types.EventOrderSyncFinished:
		each(func(l Listener) error {
			return l.OnOrderSynchronizationFinished(c.ctx, accountID, p.header.SynchronizationID)
		})

	case types.EventDealSyncFinished:
		each(func(l Listener) error {
			return l.OnDealSynchronizationFinished(c.ctx, accountID, p.header.SynchronizationID)
		})

	case types.EventStatus:
		var evt types.StatusEvent
		if !c.decode(p, &evt) {
			return
		}
		each(func(l Listener) error {
			return l.OnBrokerConnectionStatusChanged(c.ctx, accountID, evt.Connected)
		})

	case types.EventServerHealthStatus:
		var evt types.ServerHealthStatusEvent
		if !c.decode(p, &evt) {
			return
		}
		each(func(l Listener) error { return l.OnServerHealthStatus(c.ctx, accountID, evt.HealthStatus) })

	default:
		c.logger.Debugw("unknown event type", "type", p.header.Type)
	}
}

func (c *Client) decode(p packet, v any) bool {
	if err := json.Unmarshal(p.data, v); err != nil {
		c.logger.Errorw("unmarshal event",
			"type", p.header.Type,
			"account_id", p.header.AccountID,
			"error", err,
		)
		return false
	}
	return true
}
