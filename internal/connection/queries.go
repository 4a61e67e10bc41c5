package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"metaapi-go/pkg/types"
)

// Request/response accessors bound to the connection's account. Each sends
// one request frame and decodes the payload field the server answers with.
// History reads may return synchronizing=true while the terminal is still
// replaying records into the server-side store.

// HistoryOrdersResult is a page of history orders.
type HistoryOrdersResult struct {
	HistoryOrders []types.Order `json:"historyOrders"`
	Synchronizing bool          `json:"synchronizing"`
}

// DealsResult is a page of deals.
type DealsResult struct {
	Deals         []types.Deal `json:"deals"`
	Synchronizing bool         `json:"synchronizing"`
}

func (c *Connection) query(ctx context.Context, fields map[string]any, result any) error {
	data, err := c.tr.Request(ctx, c.accountID, fields)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("decode %v response: %w", fields["type"], err)
	}
	return nil
}

// GetAccountInformation reads the account snapshot from the terminal.
func (c *Connection) GetAccountInformation(ctx context.Context) (types.AccountInformation, error) {
	var resp struct {
		AccountInformation types.AccountInformation `json:"accountInformation"`
	}
	err := c.query(ctx, map[string]any{"type": "getAccountInformation"}, &resp)
	return resp.AccountInformation, err
}

// GetPositions reads the open positions from the terminal.
func (c *Connection) GetPositions(ctx context.Context) ([]types.Position, error) {
	var resp struct {
		Positions []types.Position `json:"positions"`
	}
	err := c.query(ctx, map[string]any{"type": "getPositions"}, &resp)
	return resp.Positions, err
}

// GetPosition reads one open position by id.
func (c *Connection) GetPosition(ctx context.Context, positionID string) (types.Position, error) {
	var resp struct {
		Position types.Position `json:"position"`
	}
	err := c.query(ctx, map[string]any{"type": "getPosition", "positionId": positionID}, &resp)
	return resp.Position, err
}

// GetOrders reads the pending orders from the terminal.
func (c *Connection) GetOrders(ctx context.Context) ([]types.Order, error) {
	var resp struct {
		Orders []types.Order `json:"orders"`
	}
	err := c.query(ctx, map[string]any{"type": "getOrders"}, &resp)
	return resp.Orders, err
}

// GetOrder reads one pending order by id.
func (c *Connection) GetOrder(ctx context.Context, orderID string) (types.Order, error) {
	var resp struct {
		Order types.Order `json:"order"`
	}
	err := c.query(ctx, map[string]any{"type": "getOrder", "orderId": orderID}, &resp)
	return resp.Order, err
}

// GetHistoryOrdersByTicket reads completed orders with the given ticket id.
func (c *Connection) GetHistoryOrdersByTicket(ctx context.Context, ticket string) (HistoryOrdersResult, error) {
	var resp HistoryOrdersResult
	err := c.query(ctx, map[string]any{"type": "getHistoryOrdersByTicket", "ticket": ticket}, &resp)
	return resp, err
}

// GetHistoryOrdersByPosition reads completed orders belonging to a position.
func (c *Connection) GetHistoryOrdersByPosition(ctx context.Context, positionID string) (HistoryOrdersResult, error) {
	var resp HistoryOrdersResult
	err := c.query(ctx, map[string]any{"type": "getHistoryOrdersByPosition", "positionId": positionID}, &resp)
	return resp, err
}

// GetHistoryOrdersByTimeRange reads a page of completed orders within
// [start, end], ordered by completion time.
func (c *Connection) GetHistoryOrdersByTimeRange(ctx context.Context, start, end time.Time, offset, limit int) (HistoryOrdersResult, error) {
	var resp HistoryOrdersResult
	err := c.query(ctx, map[string]any{
		"type":      "getHistoryOrdersByTimeRange",
		"startTime": start,
		"endTime":   end,
		"offset":    offset,
		"limit":     limit,
	}, &resp)
	return resp, err
}

// GetDealsByTicket reads deals with the given ticket id.
func (c *Connection) GetDealsByTicket(ctx context.Context, ticket string) (DealsResult, error) {
	var resp DealsResult
	err := c.query(ctx, map[string]any{"type": "getDealsByTicket", "ticket": ticket}, &resp)
	return resp, err
}

// GetDealsByPosition reads deals belonging to a position.
func (c *Connection) GetDealsByPosition(ctx context.Context, positionID string) (DealsResult, error) {
	var resp DealsResult
	err := c.query(ctx, map[string]any{"type": "getDealsByPosition", "positionId": positionID}, &resp)
	return resp, err
}

// GetDealsByTimeRange reads a page of deals within [start, end].
func (c *Connection) GetDealsByTimeRange(ctx context.Context, start, end time.Time, offset, limit int) (DealsResult, error) {
	var resp DealsResult
	err := c.query(ctx, map[string]any{
		"type":      "getDealsByTimeRange",
		"startTime": start,
		"endTime":   end,
		"offset":    offset,
		"limit":     limit,
	}, &resp)
	return resp, err
}

// RemoveHistory clears the account's history on the server for one
// application (all applications when empty) and resets the local storage so
// watermarks start over.
func (c *Connection) RemoveHistory(ctx context.Context, application string) error {
	if err := c.storage.Reset(); err != nil {
		return fmt.Errorf("reset history storage: %w", err)
	}
	fields := map[string]any{"type": "removeHistory"}
	if application != "" {
		fields["application"] = application
	}
	return c.query(ctx, fields, nil)
}

// RemoveApplication removes the application's server-side state for the
// account and resets the local history storage.
func (c *Connection) RemoveApplication(ctx context.Context) error {
	if err := c.storage.Reset(); err != nil {
		return fmt.Errorf("reset history storage: %w", err)
	}
	return c.query(ctx, map[string]any{"type": "removeApplication"}, nil)
}

// SubscribeToMarketData starts the symbol's price stream and records the
// subscription so it is re-applied after every resynchronization.
func (c *Connection) SubscribeToMarketData(ctx context.Context, symbol string) error {
	c.mu.Lock()
	c.subscriptions[symbol] = struct{}{}
	c.mu.Unlock()
	return c.query(ctx, map[string]any{"type": "subscribeToMarketData", "symbol": symbol}, nil)
}

// Subscriptions returns the symbols with an active market data subscription.
func (c *Connection) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for symbol := range c.subscriptions {
		out = append(out, symbol)
	}
	return out
}

// GetSymbolSpecification reads one symbol's trading parameters.
func (c *Connection) GetSymbolSpecification(ctx context.Context, symbol string) (types.SymbolSpecification, error) {
	var resp struct {
		Specification types.SymbolSpecification `json:"specification"`
	}
	err := c.query(ctx, map[string]any{"type": "getSymbolSpecification", "symbol": symbol}, &resp)
	return resp.Specification, err
}

// GetSymbolPrice reads the latest quote for one symbol.
func (c *Connection) GetSymbolPrice(ctx context.Context, symbol string) (types.SymbolPrice, error) {
	var resp struct {
		Price types.SymbolPrice `json:"price"`
	}
	err := c.query(ctx, map[string]any{"type": "getSymbolPrice", "symbol": symbol}, &resp)
	return resp.Price, err
}

// SaveUptime reports client-measured uptime statistics to the server.
func (c *Connection) SaveUptime(ctx context.Context, uptime map[string]float64) error {
	return c.query(ctx, map[string]any{"type": "saveUptime", "uptime": uptime}, nil)
}
