// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the SDK — account state, position
// and order models, symbol metadata, history records, trade requests, and the
// websocket frame payloads. It has no dependencies on internal packages, so it
// can be imported by any layer.
package types

import "time"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// PositionType is the direction of an open position.
type PositionType string

const (
	PositionTypeBuy  PositionType = "POSITION_TYPE_BUY"
	PositionTypeSell PositionType = "POSITION_TYPE_SELL"
)

// PositionReason records how a position was opened.
type PositionReason string

const (
	PositionReasonClient  PositionReason = "POSITION_REASON_CLIENT"
	PositionReasonExpert  PositionReason = "POSITION_REASON_EXPERT"
	PositionReasonMobile  PositionReason = "POSITION_REASON_MOBILE"
	PositionReasonWeb     PositionReason = "POSITION_REASON_WEB"
	PositionReasonUnknown PositionReason = "POSITION_REASON_UNKNOWN"
)

// OrderType enumerates terminal order kinds. Market kinds (BUY/SELL) appear
// only in history; the remaining six are pending order kinds.
type OrderType string

const (
	OrderTypeBuy           OrderType = "ORDER_TYPE_BUY"
	OrderTypeSell          OrderType = "ORDER_TYPE_SELL"
	OrderTypeBuyLimit      OrderType = "ORDER_TYPE_BUY_LIMIT"
	OrderTypeSellLimit     OrderType = "ORDER_TYPE_SELL_LIMIT"
	OrderTypeBuyStop       OrderType = "ORDER_TYPE_BUY_STOP"
	OrderTypeSellStop      OrderType = "ORDER_TYPE_SELL_STOP"
	OrderTypeBuyStopLimit  OrderType = "ORDER_TYPE_BUY_STOP_LIMIT"
	OrderTypeSellStopLimit OrderType = "ORDER_TYPE_SELL_STOP_LIMIT"
)

// IsSell reports whether the order kind is a sell-side pending order.
// Sell-side orders track the bid, buy-side orders track the ask.
func (t OrderType) IsSell() bool {
	switch t {
	case OrderTypeSell, OrderTypeSellLimit, OrderTypeSellStop, OrderTypeSellStopLimit:
		return true
	default:
		return false
	}
}

// OrderState is the lifecycle state of a pending order.
type OrderState string

const (
	OrderStateStarted       OrderState = "ORDER_STATE_STARTED"
	OrderStatePlaced        OrderState = "ORDER_STATE_PLACED"
	OrderStateCanceled      OrderState = "ORDER_STATE_CANCELED"
	OrderStatePartial       OrderState = "ORDER_STATE_PARTIAL"
	OrderStateFilled        OrderState = "ORDER_STATE_FILLED"
	OrderStateRejected      OrderState = "ORDER_STATE_REJECTED"
	OrderStateExpired       OrderState = "ORDER_STATE_EXPIRED"
	OrderStateRequestAdd    OrderState = "ORDER_STATE_REQUEST_ADD"
	OrderStateRequestModify OrderState = "ORDER_STATE_REQUEST_MODIFY"
	OrderStateRequestCancel OrderState = "ORDER_STATE_REQUEST_CANCEL"
)

// DealType is the kind of a historical deal.
type DealType string

const (
	DealTypeBuy        DealType = "DEAL_TYPE_BUY"
	DealTypeSell       DealType = "DEAL_TYPE_SELL"
	DealTypeBalance    DealType = "DEAL_TYPE_BALANCE"
	DealTypeCredit     DealType = "DEAL_TYPE_CREDIT"
	DealTypeCharge     DealType = "DEAL_TYPE_CHARGE"
	DealTypeCorrection DealType = "DEAL_TYPE_CORRECTION"
	DealTypeBonus      DealType = "DEAL_TYPE_BONUS"
	DealTypeCommission DealType = "DEAL_TYPE_COMMISSION"
)

// DealEntryType distinguishes entries into and exits out of the market.
type DealEntryType string

const (
	DealEntryIn    DealEntryType = "DEAL_ENTRY_IN"
	DealEntryOut   DealEntryType = "DEAL_ENTRY_OUT"
	DealEntryInOut DealEntryType = "DEAL_ENTRY_INOUT"
	DealEntryOutBy DealEntryType = "DEAL_ENTRY_OUT_BY"
)

// MarginMode is the account margin calculation mode reported by the terminal.
type MarginMode string

const (
	MarginModeExchange      MarginMode = "ACCOUNT_MARGIN_MODE_EXCHANGE"
	MarginModeRetailNetting MarginMode = "ACCOUNT_MARGIN_MODE_RETAIL_NETTING"
	MarginModeRetailHedging MarginMode = "ACCOUNT_MARGIN_MODE_RETAIL_HEDGING"
)

// ————————————————————————————————————————————————————————————————————————
// Account state
// ————————————————————————————————————————————————————————————————————————

// AccountInformation is the terminal-reported account snapshot. Equity,
// margin, free margin and margin level are recomputed locally on price ticks
// and may also be overridden by explicit values carried on a prices packet.
type AccountInformation struct {
	Platform     string     `json:"platform"` // "mt4" or "mt5"
	Broker       string     `json:"broker"`
	Currency     string     `json:"currency"`
	Server       string     `json:"server"`
	Name         string     `json:"name"`
	Login        int64      `json:"login"`
	Balance      float64    `json:"balance"`
	Equity       float64    `json:"equity"`
	Credit       float64    `json:"credit"`
	Margin       float64    `json:"margin"`
	FreeMargin   float64    `json:"freeMargin"`
	MarginLevel  float64    `json:"marginLevel"`
	Leverage     int        `json:"leverage"`
	MarginMode   MarginMode `json:"marginMode,omitempty"`
	TradeAllowed bool       `json:"tradeAllowed"`
	InvestorMode bool       `json:"investorMode"`
}

// Position is an open exposure on the terminal. CurrentPrice, Profit and
// UnrealizedProfit are advanced locally on every matching price tick.
type Position struct {
	ID               string         `json:"id"`
	Symbol           string         `json:"symbol"`
	Type             PositionType   `json:"type"`
	Volume           float64        `json:"volume"`
	OpenPrice        float64        `json:"openPrice"`
	CurrentPrice     float64        `json:"currentPrice"`
	CurrentTickValue float64        `json:"currentTickValue"`
	StopLoss         *float64       `json:"stopLoss,omitempty"`
	TakeProfit       *float64       `json:"takeProfit,omitempty"`
	Profit           float64        `json:"profit"`
	UnrealizedProfit *float64       `json:"unrealizedProfit,omitempty"` // derived locally when the terminal omits it
	RealizedProfit   *float64       `json:"realizedProfit,omitempty"`
	Swap             float64        `json:"swap"`
	Commission       float64        `json:"commission"`
	Time             time.Time      `json:"time"`
	UpdateTime       time.Time      `json:"updateTime"`
	Magic            int            `json:"magic"`
	Reason           PositionReason `json:"reason,omitempty"`
	Comment          string         `json:"comment,omitempty"`
	OriginalComment  string         `json:"originalComment,omitempty"`
	ClientID         string         `json:"clientId,omitempty"`
}

// Order is a pending instruction resting on the terminal. The same shape is
// used for history orders, where DoneTime records completion.
type Order struct {
	ID             string         `json:"id"`
	Symbol         string         `json:"symbol"`
	Type           OrderType      `json:"type"`
	State          OrderState     `json:"state,omitempty"`
	Volume         float64        `json:"volume"`
	CurrentVolume  float64        `json:"currentVolume"`
	OpenPrice      float64        `json:"openPrice"`
	CurrentPrice   float64        `json:"currentPrice,omitempty"`
	StopLoss       *float64       `json:"stopLoss,omitempty"`
	TakeProfit     *float64       `json:"takeProfit,omitempty"`
	ExpirationType ExpirationType `json:"expirationType,omitempty"`
	ExpirationTime *time.Time     `json:"expirationTime,omitempty"`
	FillingMode    FillingMode    `json:"fillingMode,omitempty"`
	Time           time.Time      `json:"time"`
	UpdateTime     time.Time      `json:"updateTime"`
	DoneTime       *time.Time     `json:"doneTime,omitempty"` // set once the order reaches a terminal state
	PositionID     string         `json:"positionId,omitempty"`
	Magic          int            `json:"magic"`
	Platform       string         `json:"platform,omitempty"`
	Comment        string         `json:"comment,omitempty"`
	OriginalComment string        `json:"originalComment,omitempty"`
	ClientID       string         `json:"clientId,omitempty"`
}

// Deal is a single executed transaction from the deal history log.
type Deal struct {
	ID              string        `json:"id"`
	Type            DealType      `json:"type"`
	EntryType       DealEntryType `json:"entryType,omitempty"`
	Symbol          string        `json:"symbol,omitempty"`
	Magic           int           `json:"magic,omitempty"`
	Time            time.Time     `json:"time"`
	BrokerTime      string        `json:"brokerTime,omitempty"`
	Volume          float64       `json:"volume,omitempty"`
	Price           float64       `json:"price,omitempty"`
	Commission      float64       `json:"commission,omitempty"`
	Swap            float64       `json:"swap,omitempty"`
	Profit          float64       `json:"profit"`
	PositionID      string        `json:"positionId,omitempty"`
	OrderID         string        `json:"orderId,omitempty"`
	Platform        string        `json:"platform,omitempty"`
	Comment         string        `json:"comment,omitempty"`
	OriginalComment string        `json:"originalComment,omitempty"`
	ClientID        string        `json:"clientId,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Symbol metadata
// ————————————————————————————————————————————————————————————————————————

// SymbolSession is one quote or trade session window within a day, in the
// broker timezone ("HH:MM:SS.mmm" strings as reported by the terminal).
type SymbolSession struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// SymbolSessions maps an uppercase weekday name ("MONDAY", ...) to the
// session windows active on that day.
type SymbolSessions map[string][]SymbolSession

// SymbolSpecification describes trading parameters for one symbol. An update
// replaces the previous specification in its entirety.
type SymbolSpecification struct {
	Symbol              string         `json:"symbol"`
	TickSize            float64        `json:"tickSize"`
	MinVolume           float64        `json:"minVolume"`
	MaxVolume           float64        `json:"maxVolume"`
	VolumeStep          float64        `json:"volumeStep"`
	ContractSize        float64        `json:"contractSize"`
	Digits              int            `json:"digits"`
	QuoteSessions       SymbolSessions `json:"quoteSessions,omitempty"`
	TradeSessions       SymbolSessions `json:"tradeSessions,omitempty"`
	MarginMode          string         `json:"marginMode,omitempty"`
	InitialMargin       float64        `json:"initialMargin,omitempty"`
	MaintenanceMargin   float64        `json:"maintenanceMargin,omitempty"`
	HedgedMargin        float64        `json:"hedgedMargin,omitempty"`
	HedgedMarginUsesLargerLeg bool     `json:"hedgedMarginUsesLargerLeg,omitempty"`
}

// SymbolPrice is the latest quote for one symbol. ProfitTickValue prices a
// tick of favorable movement, LossTickValue a tick of adverse movement; they
// differ on instruments quoted in a currency other than the account currency.
type SymbolPrice struct {
	Symbol                      string    `json:"symbol"`
	Bid                         float64   `json:"bid"`
	Ask                         float64   `json:"ask"`
	ProfitTickValue             float64   `json:"profitTickValue"`
	LossTickValue               float64   `json:"lossTickValue"`
	AccountCurrencyExchangeRate *float64  `json:"accountCurrencyExchangeRate,omitempty"`
	Time                        time.Time `json:"time"`
	BrokerTime                  string    `json:"brokerTime,omitempty"`
}
