package transport

import (
	"context"

	"metaapi-go/pkg/types"
)

// Listener receives decoded synchronization events for one account, in the
// order the packet orderer releases them. Callbacks run on the client's
// dispatch goroutine: implementations must return quickly and move blocking
// work (requests, disk writes) onto their own goroutines.
//
// Embed NopListener to implement only the callbacks a component cares about.
type Listener interface {
	// OnConnected fires when the server authenticates the account's event
	// stream. OnDisconnected fires when the server reports the stream gone.
	OnConnected(ctx context.Context, accountID string) error
	OnDisconnected(ctx context.Context, accountID string) error

	// Account state events.
	OnAccountInformationUpdated(ctx context.Context, accountID string, info types.AccountInformation) error
	OnPositionsReplaced(ctx context.Context, accountID string, positions []types.Position) error
	OnPositionUpdated(ctx context.Context, accountID string, position types.Position) error
	OnPositionRemoved(ctx context.Context, accountID string, positionID string) error
	OnOrdersReplaced(ctx context.Context, accountID string, orders []types.Order) error
	OnOrderUpdated(ctx context.Context, accountID string, order types.Order) error
	OnOrderCompleted(ctx context.Context, accountID string, orderID string) error

	// History events.
	OnHistoryOrderAdded(ctx context.Context, accountID string, order types.Order) error
	OnDealAdded(ctx context.Context, accountID string, deal types.Deal) error

	// Market data events. The optional account metrics on a prices packet
	// override locally derived values.
	OnSymbolSpecificationUpdated(ctx context.Context, accountID string, specification types.SymbolSpecification) error
	OnSymbolPricesUpdated(ctx context.Context, accountID string, prices []types.SymbolPrice, equity, margin, freeMargin, marginLevel *float64) error

	// Synchronization lifecycle events.
	OnSynchronizationStarted(ctx context.Context, accountID, synchronizationID string) error
	OnOrderSynchronizationFinished(ctx context.Context, accountID, synchronizationID string) error
	OnDealSynchronizationFinished(ctx context.Context, accountID, synchronizationID string) error

	// Health events.
	OnBrokerConnectionStatusChanged(ctx context.Context, accountID string, connected bool) error
	OnServerHealthStatus(ctx context.Context, accountID string, status map[string]any) error
}

// GapListener is implemented by listeners that want to know when the packet
// orderer gave up on a sequence gap and skipped ahead. Events inside the gap
// are lost; a fresh synchronization is the only way to recover them.
type GapListener interface {
	OnPacketGap(ctx context.Context, accountID string, fromSeq, toSeq int64) error
}

// ReconnectListener is notified after the socket is re-established following
// a connection loss. Registered per client, not per account.
type ReconnectListener interface {
	OnReconnected(ctx context.Context) error
}

// NopListener implements Listener with no-ops for every callback.
type NopListener struct{}

var _ Listener = NopListener{}

func (NopListener) OnConnected(context.Context, string) error    { return nil }
func (NopListener) OnDisconnected(context.Context, string) error { return nil }

func (NopListener) OnAccountInformationUpdated(context.Context, string, types.AccountInformation) error {
	return nil
}
func (NopListener) OnPositionsReplaced(context.Context, string, []types.Position) error { return nil }
func (NopListener) OnPositionUpdated(context.Context, string, types.Position) error     { return nil }
func (NopListener) OnPositionRemoved(context.Context, string, string) error             { return nil }
func (NopListener) OnOrdersReplaced(context.Context, string, []types.Order) error       { return nil }
func (NopListener) OnOrderUpdated(context.Context, string, types.Order) error           { return nil }
func (NopListener) OnOrderCompleted(context.Context, string, string) error              { return nil }

func (NopListener) OnHistoryOrderAdded(context.Context, string, types.Order) error { return nil }
func (NopListener) OnDealAdded(context.Context, string, types.Deal) error          { return nil }

func (NopListener) OnSymbolSpecificationUpdated(context.Context, string, types.SymbolSpecification) error {
	return nil
}
func (NopListener) OnSymbolPricesUpdated(context.Context, string, []types.SymbolPrice, *float64, *float64, *float64, *float64) error {
	return nil
}

func (NopListener) OnSynchronizationStarted(context.Context, string, string) error       { return nil }
func (NopListener) OnOrderSynchronizationFinished(context.Context, string, string) error { return nil }
func (NopListener) OnDealSynchronizationFinished(context.Context, string, string) error  { return nil }

func (NopListener) OnBrokerConnectionStatusChanged(context.Context, string, bool) error { return nil }
func (NopListener) OnServerHealthStatus(context.Context, string, map[string]any) error  { return nil }
