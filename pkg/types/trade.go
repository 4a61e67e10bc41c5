package types

import "time"

// ————————————————————————————————————————————————————————————————————————
// Trade requests
// ————————————————————————————————————————————————————————————————————————

// ActionType selects the trade operation carried by a TradeRequest.
type ActionType string

const (
	ActionBuy                  ActionType = "ORDER_TYPE_BUY"
	ActionSell                 ActionType = "ORDER_TYPE_SELL"
	ActionBuyLimit             ActionType = "ORDER_TYPE_BUY_LIMIT"
	ActionSellLimit            ActionType = "ORDER_TYPE_SELL_LIMIT"
	ActionBuyStop              ActionType = "ORDER_TYPE_BUY_STOP"
	ActionSellStop             ActionType = "ORDER_TYPE_SELL_STOP"
	ActionBuyStopLimit         ActionType = "ORDER_TYPE_BUY_STOP_LIMIT"
	ActionSellStopLimit        ActionType = "ORDER_TYPE_SELL_STOP_LIMIT"
	ActionPositionModify       ActionType = "POSITION_MODIFY"
	ActionPositionPartial      ActionType = "POSITION_PARTIAL"
	ActionPositionClose        ActionType = "POSITION_CLOSE_ID"
	ActionPositionCloseBy      ActionType = "POSITION_CLOSE_BY"
	ActionPositionsCloseSymbol ActionType = "POSITIONS_CLOSE_SYMBOL"
	ActionOrderModify          ActionType = "ORDER_MODIFY"
	ActionOrderCancel          ActionType = "ORDER_CANCEL"
)

// FillingMode controls how much of a market order may fill.
type FillingMode string

const (
	FillingFOK    FillingMode = "ORDER_FILLING_FOK"    // fill completely or reject
	FillingIOC    FillingMode = "ORDER_FILLING_IOC"    // fill what is available, cancel the rest
	FillingReturn FillingMode = "ORDER_FILLING_RETURN" // fill partially, keep the remainder resting
)

// ExpirationType controls pending order lifetime.
type ExpirationType string

const (
	ExpirationGTC          ExpirationType = "ORDER_TIME_GTC"
	ExpirationDay          ExpirationType = "ORDER_TIME_DAY"
	ExpirationSpecified    ExpirationType = "ORDER_TIME_SPECIFIED"
	ExpirationSpecifiedDay ExpirationType = "ORDER_TIME_SPECIFIED_DAY"
)

// TradeRequest is the wire shape of a trade operation. Only the fields
// relevant to the ActionType are populated; the rest stay omitted.
type TradeRequest struct {
	ActionType        ActionType     `json:"actionType"`
	Symbol            string         `json:"symbol,omitempty"`
	Volume            *float64       `json:"volume,omitempty"`
	OpenPrice         *float64       `json:"openPrice,omitempty"`
	StopLimitPrice    *float64       `json:"stopLimitPrice,omitempty"`
	StopLoss          *float64       `json:"stopLoss,omitempty"`
	TakeProfit        *float64       `json:"takeProfit,omitempty"`
	OrderID           string         `json:"orderId,omitempty"`
	PositionID        string         `json:"positionId,omitempty"`
	CloseByPositionID string         `json:"closeByPositionId,omitempty"`
	Comment           string         `json:"comment,omitempty"`
	ClientID          string         `json:"clientId,omitempty"`
	Magic             *int           `json:"magic,omitempty"`
	Slippage          *float64       `json:"slippage,omitempty"`
	FillingMode       FillingMode    `json:"fillingModes,omitempty"`
	ExpirationType    ExpirationType `json:"expirationType,omitempty"`
	ExpirationTime    *time.Time     `json:"expirationTime,omitempty"`
}

// TradeResponse is the terminal's verdict on a trade request. StringCode and
// NumericCode carry the terminal retcode; OrderID/PositionID identify what
// the operation created or touched when it succeeded.
type TradeResponse struct {
	NumericCode int    `json:"numericCode"`
	StringCode  string `json:"stringCode"`
	Message     string `json:"message"`
	OrderID     string `json:"orderId,omitempty"`
	PositionID  string `json:"positionId,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Trade options
// ————————————————————————————————————————————————————————————————————————
// Options structs merge into a TradeRequest through explicit ApplyTo methods.
// A nil options pointer is valid and applies nothing.

// TradeOptions are the fields every trade kind accepts.
type TradeOptions struct {
	Comment  string // free-text tag echoed back with the trade response
	ClientID string // correlates future events to this client's intent
	Magic    *int   // overrides the connection-level magic for this trade
}

// ApplyTo copies the populated option fields onto the request.
func (o *TradeOptions) ApplyTo(req *TradeRequest) {
	if o == nil {
		return
	}
	if o.Comment != "" {
		req.Comment = o.Comment
	}
	if o.ClientID != "" {
		req.ClientID = o.ClientID
	}
	if o.Magic != nil {
		req.Magic = o.Magic
	}
}

// MarketTradeOptions extend TradeOptions for market buy/sell orders.
type MarketTradeOptions struct {
	TradeOptions
	Slippage    *float64    // max allowed slippage in price points
	FillingMode FillingMode // FOK, IOC or RETURN
}

// ApplyTo copies the populated option fields onto the request.
func (o *MarketTradeOptions) ApplyTo(req *TradeRequest) {
	if o == nil {
		return
	}
	o.TradeOptions.ApplyTo(req)
	if o.Slippage != nil {
		req.Slippage = o.Slippage
	}
	if o.FillingMode != "" {
		req.FillingMode = o.FillingMode
	}
}

// PendingTradeOptions extend TradeOptions for limit/stop/stop-limit orders.
type PendingTradeOptions struct {
	TradeOptions
	ExpirationType ExpirationType
	ExpirationTime *time.Time // required for SPECIFIED and SPECIFIED_DAY
}

// ApplyTo copies the populated option fields onto the request.
func (o *PendingTradeOptions) ApplyTo(req *TradeRequest) {
	if o == nil {
		return
	}
	o.TradeOptions.ApplyTo(req)
	if o.ExpirationType != "" {
		req.ExpirationType = o.ExpirationType
	}
	if o.ExpirationTime != nil {
		req.ExpirationTime = o.ExpirationTime
	}
}

// CloseTradeOptions extend TradeOptions for position close operations.
type CloseTradeOptions struct {
	TradeOptions
	Slippage *float64 // max allowed slippage in price points
}

// ApplyTo copies the populated option fields onto the request.
func (o *CloseTradeOptions) ApplyTo(req *TradeRequest) {
	if o == nil {
		return
	}
	o.TradeOptions.ApplyTo(req)
	if o.Slippage != nil {
		req.Slippage = o.Slippage
	}
}
