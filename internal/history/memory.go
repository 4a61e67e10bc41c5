package history

import (
	"sort"
	"sync"
	"time"

	"metaapi-go/pkg/types"
)

// Memory is the default in-process history storage. All operations are
// mutex-protected; readers get copies.
type Memory struct {
	mu             sync.Mutex
	orders         map[string]types.Order
	deals          map[string]types.Deal
	lastOrderTime  time.Time
	lastDealTime   time.Time
}

// NewMemory creates an empty in-memory history storage.
func NewMemory() *Memory {
	return &Memory{
		orders: make(map[string]types.Order),
		deals:  make(map[string]types.Deal),
	}
}

// Initialize is a no-op: there is nothing persisted to load.
func (m *Memory) Initialize() error { return nil }

// OnHistoryOrderAdded merges one history order into the log.
func (m *Memory) OnHistoryOrderAdded(order types.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.orders[order.ID]; ok {
		// Keep the earliest completion time so the log ordering is stable.
		if et, nt := orderTime(existing), orderTime(order); !et.IsZero() && (nt.IsZero() || et.Before(nt)) {
			order.DoneTime = existing.DoneTime
		}
	}
	m.orders[order.ID] = order

	if t := orderTime(order); t.After(m.lastOrderTime) {
		m.lastOrderTime = t
	}
	return nil
}

// OnDealAdded merges one deal into the log.
func (m *Memory) OnDealAdded(deal types.Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.deals[deal.ID]; ok {
		if et, nt := dealTime(existing), dealTime(deal); !et.IsZero() && (nt.IsZero() || et.Before(nt)) {
			deal.Time = existing.Time
		}
	}
	m.deals[deal.ID] = deal

	if t := dealTime(deal); t.After(m.lastDealTime) {
		m.lastDealTime = t
	}
	return nil
}

// HistoryOrders returns the order log sorted by (doneTime, id).
func (m *Memory) HistoryOrders() []types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := orderTime(out[i]), orderTime(out[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Deals returns the deal log sorted by (time, id).
func (m *Memory) Deals() []types.Deal {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.Deal, 0, len(m.deals))
	for _, d := range m.deals {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := dealTime(out[i]), dealTime(out[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// LastHistoryOrderTime returns the order watermark.
func (m *Memory) LastHistoryOrderTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastOrderTime
}

// LastDealTime returns the deal watermark.
func (m *Memory) LastDealTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastDealTime
}

// Reset empties both logs and zeroes the watermarks.
func (m *Memory) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = make(map[string]types.Order)
	m.deals = make(map[string]types.Deal)
	m.lastOrderTime = time.Time{}
	m.lastDealTime = time.Time{}
	return nil
}

// UpdateStorage is a no-op: there is no backing store to flush to.
func (m *Memory) UpdateStorage() error { return nil }

// Close is a no-op for in-memory storage.
func (m *Memory) Close() error { return nil }
