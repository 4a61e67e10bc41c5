// Package history stores the account's order and deal history.
//
// Orders and deals are two disjoint append-only logs merged by record id.
// The storage tracks the latest completion time seen in each log; the
// synchronization engine reads those watermarks to request only the history
// the terminal produced since the last session.
//
// Two implementations conform to the Storage contract: Memory (default,
// nothing survives the process) and SQLite (opt-in, history survives
// restarts so resynchronization stays incremental).
package history

import (
	"time"

	"metaapi-go/pkg/types"
)

// Storage is the append-only history log for one account.
//
// Merge semantics for both logs: records are keyed by id; a re-delivered id
// overwrites the mutable fields of the stored record but keeps the earliest
// completion time, so the log's (doneTime, id) ordering never shifts under
// duplicates. Watermarks are monotonically non-decreasing between Reset calls.
type Storage interface {
	// Initialize loads persisted records, if any. Called once before the
	// storage receives events.
	Initialize() error

	// OnHistoryOrderAdded merges one history order and advances the order
	// watermark. OnDealAdded does the same for deals.
	OnHistoryOrderAdded(order types.Order) error
	OnDealAdded(deal types.Deal) error

	// HistoryOrders and Deals return the merged logs sorted by
	// (completion time, id).
	HistoryOrders() []types.Order
	Deals() []types.Deal

	// LastHistoryOrderTime and LastDealTime are the watermarks used to
	// request incremental synchronization. Zero time when the log is empty.
	LastHistoryOrderTime() time.Time
	LastDealTime() time.Time

	// Reset empties both logs and zeroes the watermarks.
	Reset() error

	// UpdateStorage commits buffered records to the backing store. A no-op
	// for purely in-memory storage.
	UpdateStorage() error

	// Close releases backing resources. The storage must not be used after.
	Close() error
}

// dealTime returns the completion time used to order and watermark a deal.
func dealTime(d types.Deal) time.Time { return d.Time }

// orderTime returns the completion time used to order and watermark a
// history order. Orders still pending carry no done time and sort at zero.
func orderTime(o types.Order) time.Time {
	if o.DoneTime == nil {
		return time.Time{}
	}
	return *o.DoneTime
}
