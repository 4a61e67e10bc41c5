package types

// ————————————————————————————————————————————————————————————————————————
// Websocket frames
// ————————————————————————————————————————————————————————————————————————
// Every message on the socket is a single JSON object. Envelope fields are
// shared; the per-type payload fields sit alongside them at the top level.
// Frames carrying a requestId are responses to a client request; frames
// without one are server-pushed events, optionally ordered per account by
// sequenceNumber.

// PacketHeader is the envelope decoded from every inbound frame before the
// payload is interpreted.
type PacketHeader struct {
	Type              string `json:"type"`
	AccountID         string `json:"accountId,omitempty"`
	RequestID         string `json:"requestId,omitempty"`
	SequenceNumber    *int64 `json:"sequenceNumber,omitempty"`
	SynchronizationID string `json:"synchronizationId,omitempty"`
}

// Event type names pushed by the server.
const (
	EventAuthenticated          = "authenticated"
	EventDisconnected           = "disconnected"
	EventAccountInformation     = "accountInformation"
	EventPositions              = "positions"
	EventOrders                 = "orders"
	EventUpdate                 = "update"
	EventPositionRemoved        = "positionRemoved"
	EventOrderCompleted         = "orderCompleted"
	EventHistoryOrders          = "historyOrders"
	EventDeals                  = "deals"
	EventSymbolSpecifications   = "symbolSpecifications"
	EventPrices                 = "prices"
	EventSyncStarted            = "synchronizationStarted"
	EventOrderSyncFinished      = "orderSynchronizationFinished"
	EventDealSyncFinished       = "dealSynchronizationFinished"
	EventStatus                 = "status"
	EventServerHealthStatus     = "serverHealthStatus"
	EventResponse               = "response"
	EventProcessingError        = "processingError"
)

// AccountInformationEvent replaces the whole account information snapshot.
type AccountInformationEvent struct {
	AccountInformation *AccountInformation `json:"accountInformation"`
}

// PositionsEvent atomically replaces the position set.
type PositionsEvent struct {
	Positions []Position `json:"positions"`
}

// OrdersEvent atomically replaces the pending order set.
type OrdersEvent struct {
	Orders []Order `json:"orders"`
}

// UpdateEvent upserts individual positions and orders.
type UpdateEvent struct {
	Positions []Position `json:"positions,omitempty"`
	Orders    []Order    `json:"orders,omitempty"`
}

// PositionRemovedEvent removes one position by id.
type PositionRemovedEvent struct {
	PositionID string `json:"positionId"`
}

// OrderCompletedEvent marks one pending order as done; the id leaves the
// pending set permanently until a full replace reintroduces it.
type OrderCompletedEvent struct {
	OrderID string `json:"orderId"`
}

// HistoryOrdersEvent appends records to the history order log.
type HistoryOrdersEvent struct {
	HistoryOrders []Order `json:"historyOrders"`
}

// DealsEvent appends records to the deal log.
type DealsEvent struct {
	Deals []Deal `json:"deals"`
}

// SymbolSpecificationsEvent upserts symbol specifications.
type SymbolSpecificationsEvent struct {
	Specifications []SymbolSpecification `json:"specifications"`
}

// PricesEvent carries fresh quotes, optionally with terminal-computed
// account metrics that override the locally derived ones.
type PricesEvent struct {
	Prices      []SymbolPrice `json:"prices"`
	Equity      *float64      `json:"equity,omitempty"`
	Margin      *float64      `json:"margin,omitempty"`
	FreeMargin  *float64      `json:"freeMargin,omitempty"`
	MarginLevel *float64      `json:"marginLevel,omitempty"`
}

// StatusEvent reports the terminal's connection to the broker.
type StatusEvent struct {
	Connected bool `json:"connected"`
}

// ServerHealthStatusEvent mirrors the server-side health report. The shape
// is opaque to the SDK and surfaced to callers as-is.
type ServerHealthStatusEvent struct {
	HealthStatus map[string]any `json:"healthStatus"`
}
