// Package terminal maintains the local mirror of the remote terminal's state.
//
// State is a transport listener fed by the per-account event stream. It holds
// the latest account information, open positions, pending orders, symbol
// specifications and quotes, and re-derives position profit and account
// equity on every price tick. Each event is applied under one lock so readers
// observe either the pre- or post-event snapshot, never a half-applied one.
package terminal

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"metaapi-go/internal/transport"
	"metaapi-go/pkg/types"
)

// State mirrors one account's terminal state. Safe for concurrent use;
// readers get copies.
type State struct {
	transport.NopListener

	accountID     string
	statusTimeout time.Duration
	logger        *zap.SugaredLogger

	mu                 sync.RWMutex
	connected          bool
	connectedToBroker  bool
	accountInformation *types.AccountInformation
	positions          map[string]types.Position
	removedPositions   map[string]struct{} // ids removed since the last full replace
	orders             map[string]types.Order
	completedOrders    map[string]struct{} // ids completed since the last full replace
	specifications     map[string]types.SymbolSpecification
	prices             map[string]types.SymbolPrice
	statusTimer        *time.Timer
	closed             bool
}

// NewState creates an empty mirror for one account. statusTimeout bounds how
// long the broker-connected flag survives without a fresh status packet.
func NewState(accountID string, statusTimeout time.Duration, logger *zap.SugaredLogger) *State {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if statusTimeout <= 0 {
		statusTimeout = 60 * time.Second
	}
	return &State{
		accountID:        accountID,
		statusTimeout:    statusTimeout,
		logger:           logger.With("component", "terminal", "account_id", accountID),
		positions:        make(map[string]types.Position),
		removedPositions: make(map[string]struct{}),
		orders:           make(map[string]types.Order),
		completedOrders:  make(map[string]struct{}),
		specifications:   make(map[string]types.SymbolSpecification),
		prices:           make(map[string]types.SymbolPrice),
	}
}

// Close stops the broker-status watchdog. The mirror keeps its last snapshot.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.statusTimer != nil {
		s.statusTimer.Stop()
		s.statusTimer = nil
	}
}

// ————————————————————————————————————————————————————————————————————————
// Readers
// ————————————————————————————————————————————————————————————————————————

// Connected reports whether the event stream for the account is live.
func (s *State) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// ConnectedToBroker reports whether the terminal reports a live broker link.
func (s *State) ConnectedToBroker() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectedToBroker
}

// AccountInformation returns the latest account snapshot, or false when none
// has arrived yet.
func (s *State) AccountInformation() (types.AccountInformation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.accountInformation == nil {
		return types.AccountInformation{}, false
	}
	return *s.accountInformation, true
}

// Positions returns a copy of the open position set.
func (s *State) Positions() []types.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out
}

// Position returns one open position by id.
func (s *State) Position(id string) (types.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	return p, ok
}

// Orders returns a copy of the pending order set.
func (s *State) Orders() []types.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	return out
}

// Order returns one pending order by id.
func (s *State) Order(id string) (types.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	return o, ok
}

// Specification returns the specification for a symbol.
func (s *State) Specification(symbol string) (types.SymbolSpecification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.specifications[symbol]
	return spec, ok
}

// Price returns the latest quote for a symbol.
func (s *State) Price(symbol string) (types.SymbolPrice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[symbol]
	return p, ok
}

// ————————————————————————————————————————————————————————————————————————
// Event application
// ————————————————————————————————————————————————————————————————————————

func (s *State) OnConnected(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

func (s *State) OnDisconnected(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.connectedToBroker = false
	return nil
}

// OnBrokerConnectionStatusChanged records the broker link state and re-arms
// the watchdog: when no status packet arrives within statusTimeout, the link
// is presumed dead and both connectivity flags drop.
func (s *State) OnBrokerConnectionStatusChanged(_ context.Context, _ string, connected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectedToBroker = connected
	if s.closed {
		return nil
	}
	if s.statusTimer != nil {
		s.statusTimer.Stop()
	}
	s.statusTimer = time.AfterFunc(s.statusTimeout, s.statusExpired)
	return nil
}

func (s *State) statusExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.logger.Warnw("no status packet within timeout, marking disconnected",
		"timeout", s.statusTimeout,
	)
	s.connected = false
	s.connectedToBroker = false
}

func (s *State) OnAccountInformationUpdated(_ context.Context, _ string, info types.AccountInformation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountInformation = &info
	return nil
}

func (s *State) OnPositionsReplaced(_ context.Context, _ string, positions []types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = make(map[string]types.Position, len(positions))
	for _, p := range positions {
		s.positions[p.ID] = p
	}
	s.removedPositions = make(map[string]struct{})
	return nil
}

func (s *State) OnPositionUpdated(_ context.Context, _ string, position types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A removed id stays gone until a full replace reintroduces it.
	if _, removed := s.removedPositions[position.ID]; removed {
		return nil
	}
	s.positions[position.ID] = position
	return nil
}

func (s *State) OnPositionRemoved(_ context.Context, _ string, positionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, positionID)
	s.removedPositions[positionID] = struct{}{}
	return nil
}

func (s *State) OnOrdersReplaced(_ context.Context, _ string, orders []types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = make(map[string]types.Order, len(orders))
	for _, o := range orders {
		s.orders[o.ID] = o
	}
	s.completedOrders = make(map[string]struct{})
	return nil
}

func (s *State) OnOrderUpdated(_ context.Context, _ string, order types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Completion is terminal: updates for a completed id are ignored until a
	// full replace brings the id back.
	if _, completed := s.completedOrders[order.ID]; completed {
		return nil
	}
	s.orders[order.ID] = order
	return nil
}

func (s *State) OnOrderCompleted(_ context.Context, _ string, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orders, orderID)
	s.completedOrders[orderID] = struct{}{}
	return nil
}

func (s *State) OnSymbolSpecificationUpdated(_ context.Context, _ string, specification types.SymbolSpecification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specifications[specification.Symbol] = specification
	return nil
}

// OnSymbolPricesUpdated stores the fresh quotes and re-derives dependent
// state in the same lock hold:
//
//   - each position on an updated symbol with a known specification moves its
//     current price to the matching side of the quote and accrues the profit
//     of the move, valued at the profit or loss tick value;
//   - each pending order on an updated symbol tracks the matching quote side;
//   - account equity becomes balance plus the sum of position profits.
//
// When the packet carries terminal-computed equity/margin/freeMargin/
// marginLevel, those override the derived values.
func (s *State) OnSymbolPricesUpdated(_ context.Context, _ string, prices []types.SymbolPrice, equity, margin, freeMargin, marginLevel *float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pricesChanged := false
	for _, price := range prices {
		s.prices[price.Symbol] = price
		pricesChanged = true

		for id, position := range s.positions {
			if position.Symbol != price.Symbol {
				continue
			}
			spec, ok := s.specifications[position.Symbol]
			if !ok || spec.TickSize == 0 {
				continue
			}

			currentPrice := price.Ask
			sign := -1.0
			if position.Type == types.PositionTypeBuy {
				currentPrice = price.Bid
				sign = 1.0
			}

			// Terminals omit the profit split on most packets; reconstruct it
			// once from the position's own tick value so the incremental
			// update below has a base to build on.
			if position.UnrealizedProfit == nil || position.RealizedProfit == nil {
				unrealized := sign * position.CurrentTickValue *
					(position.CurrentPrice - position.OpenPrice) * position.Volume / spec.TickSize
				realized := position.Profit - unrealized
				position.UnrealizedProfit = &unrealized
				position.RealizedProfit = &realized
			}

			priceChange := currentPrice - position.CurrentPrice
			ticks := priceChange / spec.TickSize
			tickValue := price.LossTickValue
			if priceChange >= 0 {
				tickValue = price.ProfitTickValue
			}

			unrealized := *position.UnrealizedProfit + sign*ticks*tickValue*position.Volume
			position.UnrealizedProfit = &unrealized
			position.Profit = unrealized + *position.RealizedProfit
			position.CurrentPrice = currentPrice
			position.CurrentTickValue = tickValue
			s.positions[id] = position
		}

		for id, order := range s.orders {
			if order.Symbol != price.Symbol {
				continue
			}
			if _, ok := s.specifications[order.Symbol]; !ok {
				continue
			}
			if order.Type.IsSell() {
				order.CurrentPrice = price.Bid
			} else {
				order.CurrentPrice = price.Ask
			}
			s.orders[id] = order
		}
	}

	if s.accountInformation != nil {
		if pricesChanged {
			total := 0.0
			for _, position := range s.positions {
				total += position.Profit
			}
			s.accountInformation.Equity = s.accountInformation.Balance + total
		}
		// Terminal-computed metrics win over the derived ones.
		if equity != nil {
			s.accountInformation.Equity = *equity
		}
		if margin != nil {
			s.accountInformation.Margin = *margin
		}
		if freeMargin != nil {
			s.accountInformation.FreeMargin = *freeMargin
		}
		if marginLevel != nil {
			s.accountInformation.MarginLevel = *marginLevel
		}
	}
	return nil
}
