package history

import (
	"context"

	"metaapi-go/internal/transport"
	"metaapi-go/pkg/types"
)

// Listener adapts a Storage to the transport's event stream. History events
// are forwarded to the storage; when the server reports a synchronization
// finished, buffered records are flushed to the backing store.
type Listener struct {
	transport.NopListener
	storage Storage
}

// NewListener wraps a storage as a transport listener.
func NewListener(storage Storage) *Listener {
	return &Listener{storage: storage}
}

// Storage returns the wrapped storage.
func (l *Listener) Storage() Storage { return l.storage }

func (l *Listener) OnHistoryOrderAdded(_ context.Context, _ string, order types.Order) error {
	return l.storage.OnHistoryOrderAdded(order)
}

func (l *Listener) OnDealAdded(_ context.Context, _ string, deal types.Deal) error {
	return l.storage.OnDealAdded(deal)
}

func (l *Listener) OnOrderSynchronizationFinished(context.Context, string, string) error {
	return l.storage.UpdateStorage()
}

func (l *Listener) OnDealSynchronizationFinished(context.Context, string, string) error {
	return l.storage.UpdateStorage()
}
