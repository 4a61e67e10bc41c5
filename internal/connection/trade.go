package connection

import (
	"context"
	"encoding/json"
	"fmt"

	"metaapi-go/pkg/types"
)

// Trade operations. Each call builds a typed request, applies the caller's
// options through their explicit ApplyTo methods, and surfaces the terminal's
// retcode: success codes return the response, anything else fails with a
// TradeError. Trade calls are never retried implicitly — the terminal may
// have executed a request whose response was lost, so retrying is the
// caller's decision.

// successCodes are terminal retcodes that mean the request was accepted.
var successCodes = map[string]struct{}{
	"ERR_NO_ERROR":               {},
	"TRADE_RETCODE_PLACED":       {},
	"TRADE_RETCODE_DONE":         {},
	"TRADE_RETCODE_DONE_PARTIAL": {},
	"TRADE_RETCODE_NO_CHANGES":   {},
}

// Trade submits one trade request and interprets the terminal's verdict.
// Most callers use the typed helpers below instead.
func (c *Connection) Trade(ctx context.Context, req types.TradeRequest) (*types.TradeResponse, error) {
	if err := validateTradeRequest(req); err != nil {
		return nil, err
	}

	data, err := c.tr.Request(ctx, c.accountID, map[string]any{
		"type":  "trade",
		"trade": req,
	})
	if err != nil {
		return nil, err
	}

	var frame struct {
		Response types.TradeResponse `json:"response"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decode trade response: %w", err)
	}

	resp := frame.Response
	if _, ok := successCodes[resp.StringCode]; !ok {
		return nil, &types.TradeError{
			NumericCode: resp.NumericCode,
			StringCode:  resp.StringCode,
			Message:     resp.Message,
		}
	}
	return &resp, nil
}

// validateTradeRequest checks the local preconditions for the action before
// anything reaches the wire.
func validateTradeRequest(req types.TradeRequest) error {
	switch req.ActionType {
	case types.ActionBuy, types.ActionSell:
		if req.Symbol == "" || req.Volume == nil {
			return fmt.Errorf("%w: market orders require symbol and volume", types.ErrValidation)
		}
	case types.ActionBuyLimit, types.ActionSellLimit, types.ActionBuyStop, types.ActionSellStop:
		if req.Symbol == "" || req.Volume == nil || req.OpenPrice == nil {
			return fmt.Errorf("%w: pending orders require symbol, volume and openPrice", types.ErrValidation)
		}
	case types.ActionBuyStopLimit, types.ActionSellStopLimit:
		if req.Symbol == "" || req.Volume == nil || req.OpenPrice == nil || req.StopLimitPrice == nil {
			return fmt.Errorf("%w: stop limit orders require symbol, volume, openPrice and stopLimitPrice", types.ErrValidation)
		}
	case types.ActionPositionModify, types.ActionPositionClose:
		if req.PositionID == "" {
			return fmt.Errorf("%w: position operations require positionId", types.ErrValidation)
		}
	case types.ActionPositionPartial:
		if req.PositionID == "" || req.Volume == nil {
			return fmt.Errorf("%w: partial close requires positionId and volume", types.ErrValidation)
		}
	case types.ActionPositionCloseBy:
		if req.PositionID == "" || req.CloseByPositionID == "" {
			return fmt.Errorf("%w: close by requires both position ids", types.ErrValidation)
		}
	case types.ActionPositionsCloseSymbol:
		if req.Symbol == "" {
			return fmt.Errorf("%w: close by symbol requires symbol", types.ErrValidation)
		}
	case types.ActionOrderModify:
		if req.OrderID == "" || req.OpenPrice == nil {
			return fmt.Errorf("%w: order modify requires orderId and openPrice", types.ErrValidation)
		}
	case types.ActionOrderCancel:
		if req.OrderID == "" {
			return fmt.Errorf("%w: order cancel requires orderId", types.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown trade action %q", types.ErrValidation, req.ActionType)
	}
	return nil
}

// CreateMarketBuyOrder buys at market.
func (c *Connection) CreateMarketBuyOrder(ctx context.Context, symbol string, volume float64, stopLoss, takeProfit *float64, opts *types.MarketTradeOptions) (*types.TradeResponse, error) {
	req := types.TradeRequest{
		ActionType: types.ActionBuy,
		Symbol:     symbol,
		Volume:     &volume,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
	}
	opts.ApplyTo(&req)
	return c.Trade(ctx, req)
}

// CreateMarketSellOrder sells at market.
func (c *Connection) CreateMarketSellOrder(ctx context.Context, symbol string, volume float64, stopLoss, takeProfit *float64, opts *types.MarketTradeOptions) (*types.TradeResponse, error) {
	req := types.TradeRequest{
		ActionType: types.ActionSell,
		Symbol:     symbol,
		Volume:     &volume,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
	}
	opts.ApplyTo(&req)
	return c.Trade(ctx, req)
}

// CreateLimitBuyOrder places a buy limit order at openPrice.
func (c *Connection) CreateLimitBuyOrder(ctx context.Context, symbol string, volume, openPrice float64, stopLoss, takeProfit *float64, opts *types.PendingTradeOptions) (*types.TradeResponse, error) {
	return c.pendingOrder(ctx, types.ActionBuyLimit, symbol, volume, openPrice, nil, stopLoss, takeProfit, opts)
}

// CreateLimitSellOrder places a sell limit order at openPrice.
func (c *Connection) CreateLimitSellOrder(ctx context.Context, symbol string, volume, openPrice float64, stopLoss, takeProfit *float64, opts *types.PendingTradeOptions) (*types.TradeResponse, error) {
	return c.pendingOrder(ctx, types.ActionSellLimit, symbol, volume, openPrice, nil, stopLoss, takeProfit, opts)
}

// CreateStopBuyOrder places a buy stop order at openPrice.
func (c *Connection) CreateStopBuyOrder(ctx context.Context, symbol string, volume, openPrice float64, stopLoss, takeProfit *float64, opts *types.PendingTradeOptions) (*types.TradeResponse, error) {
	return c.pendingOrder(ctx, types.ActionBuyStop, symbol, volume, openPrice, nil, stopLoss, takeProfit, opts)
}

// CreateStopSellOrder places a sell stop order at openPrice.
func (c *Connection) CreateStopSellOrder(ctx context.Context, symbol string, volume, openPrice float64, stopLoss, takeProfit *float64, opts *types.PendingTradeOptions) (*types.TradeResponse, error) {
	return c.pendingOrder(ctx, types.ActionSellStop, symbol, volume, openPrice, nil, stopLoss, takeProfit, opts)
}

// CreateStopLimitBuyOrder places a buy stop limit order: a limit at
// stopLimitPrice armed when the market reaches openPrice.
func (c *Connection) CreateStopLimitBuyOrder(ctx context.Context, symbol string, volume, openPrice, stopLimitPrice float64, stopLoss, takeProfit *float64, opts *types.PendingTradeOptions) (*types.TradeResponse, error) {
	return c.pendingOrder(ctx, types.ActionBuyStopLimit, symbol, volume, openPrice, &stopLimitPrice, stopLoss, takeProfit, opts)
}

// CreateStopLimitSellOrder places a sell stop limit order.
func (c *Connection) CreateStopLimitSellOrder(ctx context.Context, symbol string, volume, openPrice, stopLimitPrice float64, stopLoss, takeProfit *float64, opts *types.PendingTradeOptions) (*types.TradeResponse, error) {
	return c.pendingOrder(ctx, types.ActionSellStopLimit, symbol, volume, openPrice, &stopLimitPrice, stopLoss, takeProfit, opts)
}

func (c *Connection) pendingOrder(ctx context.Context, action types.ActionType, symbol string, volume, openPrice float64, stopLimitPrice, stopLoss, takeProfit *float64, opts *types.PendingTradeOptions) (*types.TradeResponse, error) {
	req := types.TradeRequest{
		ActionType:     action,
		Symbol:         symbol,
		Volume:         &volume,
		OpenPrice:      &openPrice,
		StopLimitPrice: stopLimitPrice,
		StopLoss:       stopLoss,
		TakeProfit:     takeProfit,
	}
	opts.ApplyTo(&req)
	return c.Trade(ctx, req)
}

// ModifyPosition changes a position's stop loss and take profit.
func (c *Connection) ModifyPosition(ctx context.Context, positionID string, stopLoss, takeProfit *float64) (*types.TradeResponse, error) {
	return c.Trade(ctx, types.TradeRequest{
		ActionType: types.ActionPositionModify,
		PositionID: positionID,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
	})
}

// ClosePositionPartially closes volume lots of a position.
func (c *Connection) ClosePositionPartially(ctx context.Context, positionID string, volume float64, opts *types.CloseTradeOptions) (*types.TradeResponse, error) {
	req := types.TradeRequest{
		ActionType: types.ActionPositionPartial,
		PositionID: positionID,
		Volume:     &volume,
	}
	opts.ApplyTo(&req)
	return c.Trade(ctx, req)
}

// ClosePosition closes a position in full.
func (c *Connection) ClosePosition(ctx context.Context, positionID string, opts *types.CloseTradeOptions) (*types.TradeResponse, error) {
	req := types.TradeRequest{
		ActionType: types.ActionPositionClose,
		PositionID: positionID,
	}
	opts.ApplyTo(&req)
	return c.Trade(ctx, req)
}

// CloseBy closes a position against an opposite one on the same symbol.
func (c *Connection) CloseBy(ctx context.Context, positionID, oppositePositionID string, opts *types.CloseTradeOptions) (*types.TradeResponse, error) {
	req := types.TradeRequest{
		ActionType:        types.ActionPositionCloseBy,
		PositionID:        positionID,
		CloseByPositionID: oppositePositionID,
	}
	opts.ApplyTo(&req)
	return c.Trade(ctx, req)
}

// ClosePositionsBySymbol closes every position on the symbol.
func (c *Connection) ClosePositionsBySymbol(ctx context.Context, symbol string, opts *types.CloseTradeOptions) (*types.TradeResponse, error) {
	req := types.TradeRequest{
		ActionType: types.ActionPositionsCloseSymbol,
		Symbol:     symbol,
	}
	opts.ApplyTo(&req)
	return c.Trade(ctx, req)
}

// ModifyOrder changes a pending order's prices.
func (c *Connection) ModifyOrder(ctx context.Context, orderID string, openPrice float64, stopLoss, takeProfit *float64) (*types.TradeResponse, error) {
	return c.Trade(ctx, types.TradeRequest{
		ActionType: types.ActionOrderModify,
		OrderID:    orderID,
		OpenPrice:  &openPrice,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
	})
}

// CancelOrder cancels a pending order.
func (c *Connection) CancelOrder(ctx context.Context, orderID string) (*types.TradeResponse, error) {
	return c.Trade(ctx, types.TradeRequest{
		ActionType: types.ActionOrderCancel,
		OrderID:    orderID,
	})
}
