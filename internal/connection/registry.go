package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"metaapi-go/internal/history"
)

// Settings carry the per-connection knobs the registry hands to every
// connection it constructs.
type Settings struct {
	Application          string        // application tag for accounts without one
	StatusTimerTimeout   time.Duration // broker status watchdog
	RetryInitialInterval time.Duration // synchronization retry start
	RetryMaxInterval     time.Duration // synchronization retry cap
	HealthSamplePeriod   time.Duration // health monitor sampling
}

// Registry hands out at most one live Connection per account id. Concurrent
// openers for the same id share a single construction flight; whoever joins
// the flight observes the same Connection and its setup runs exactly once.
type Registry struct {
	tr       Transport
	settings Settings
	logger   *zap.SugaredLogger

	mu          sync.Mutex
	connections map[string]*Connection
	group       singleflight.Group
}

// NewRegistry creates an empty registry on the shared transport.
func NewRegistry(tr Transport, settings Settings, logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if settings.Application == "" {
		settings.Application = "MetaApi"
	}
	if settings.RetryInitialInterval <= 0 {
		settings.RetryInitialInterval = time.Second
	}
	if settings.RetryMaxInterval <= 0 {
		settings.RetryMaxInterval = 300 * time.Second
	}
	return &Registry{
		tr:          tr,
		settings:    settings,
		logger:      logger,
		connections: make(map[string]*Connection),
	}
}

// Application returns the application tag connections are created under.
func (r *Registry) Application() string { return r.settings.Application }

// Connect returns the account's live connection, constructing it when none
// exists. storage may be nil for in-memory history; historyStart bounds how
// far back the first synchronization replays history.
func (r *Registry) Connect(ctx context.Context, account Account, storage history.Storage, historyStart time.Time) (*Connection, error) {
	if conn, ok := r.lookup(account.ID()); ok {
		return conn, nil
	}

	ch := r.group.DoChan(account.ID(), func() (any, error) {
		// Losing a race with an earlier flight still returns its connection.
		if conn, ok := r.lookup(account.ID()); ok {
			return conn, nil
		}
		return r.open(account, storage, historyStart)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Connection), nil
	}
}

func (r *Registry) lookup(accountID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.connections[accountID]
	return conn, ok
}

func (r *Registry) open(account Account, storage history.Storage, historyStart time.Time) (*Connection, error) {
	if storage == nil {
		storage = history.NewMemory()
	}

	conn := newConnection(r.tr, account, storage, historyStart, r, r.settings, r.logger)
	if err := conn.initialize(); err != nil {
		return nil, fmt.Errorf("initialize connection for account %s: %w", account.ID(), err)
	}
	if err := conn.subscribe(conn.ctx); err != nil {
		// Subscription failed: undo the listener registration so the next
		// Connect starts from a clean slate.
		closeErr := conn.Close()
		if closeErr != nil {
			r.logger.Warnw("teardown after failed subscribe", "account_id", account.ID(), "error", closeErr)
		}
		return nil, err
	}

	r.mu.Lock()
	r.connections[account.ID()] = conn
	r.mu.Unlock()

	r.logger.Infow("connection opened", "account_id", account.ID())
	return conn, nil
}

// Remove forgets the account's connection. Called by Connection.Close.
func (r *Registry) Remove(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connections, accountID)
}

// CloseAll closes every live connection. Used by the SDK facade at shutdown.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	open := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		open = append(open, conn)
	}
	r.mu.Unlock()

	var firstErr error
	for _, conn := range open {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
