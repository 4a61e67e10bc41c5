package transport

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"metaapi-go/pkg/types"
)

// maxBufferedPackets bounds the per-account reorder buffer. When it fills,
// the lowest buffered sequence number is shed; the resulting hole is later
// reported as a gap by the expiry sweep.
const maxBufferedPackets = 1024

// packet is one sequenced server frame held for ordered delivery.
type packet struct {
	header     types.PacketHeader
	data       []byte
	receivedAt time.Time
}

func (p packet) seq() int64 { return *p.header.SequenceNumber }

// gap describes a run of sequence numbers that were given up on.
type gap struct {
	accountID string
	from, to  int64
}

// orderer restores per-account sequence order. Out-of-order packets are
// buffered until their predecessors arrive or the ordering timeout passes,
// at which point the hole is declared a gap and delivery skips ahead.
//
// The dispatch goroutine is the main caller; reset may also be called from
// listener deregistration, so all state is guarded by a mutex.
type orderer struct {
	timeout time.Duration

	mu     sync.Mutex
	states map[string]*ordererState

	logger *zap.SugaredLogger
}

type ordererState struct {
	nextExpected int64
	buffer       []packet // sorted by sequence number, no duplicates
}

func newOrderer(timeout time.Duration, logger *zap.SugaredLogger) *orderer {
	return &orderer{
		timeout: timeout,
		states:  make(map[string]*ordererState),
		logger:  logger,
	}
}

// process accepts one sequenced packet and returns the packets now ready for
// delivery, in sequence order. Callers must only pass packets that carry a
// sequence number.
func (o *orderer) process(p packet) []packet {
	o.mu.Lock()
	defer o.mu.Unlock()

	accountID := p.header.AccountID
	state := o.states[accountID]
	if state == nil {
		state = &ordererState{nextExpected: 1}
		o.states[accountID] = state
	}

	seq := p.seq()

	// A new synchronization restarts the numbering at its own sequence
	// number. Anything buffered from before it is stale.
	if p.header.Type == types.EventSyncStarted {
		state.nextExpected = seq
		kept := state.buffer[:0]
		for _, buffered := range state.buffer {
			if buffered.seq() > seq {
				kept = append(kept, buffered)
			}
		}
		state.buffer = kept
	}

	switch {
	case seq < state.nextExpected:
		o.logger.Debugw("dropping stale packet",
			"account_id", accountID,
			"sequence", seq,
			"expected", state.nextExpected,
		)
		return nil

	case seq > state.nextExpected:
		if !state.insert(p) {
			return nil // duplicate
		}
		if len(state.buffer) > maxBufferedPackets {
			shed := state.buffer[0]
			state.buffer = state.buffer[1:]
			o.logger.Warnw("reorder buffer full, shedding packet",
				"account_id", accountID,
				"sequence", shed.seq(),
			)
		}
		return nil

	default:
		state.nextExpected++
		return append([]packet{p}, state.drain()...)
	}
}

// releaseExpired sweeps every account for a head-of-buffer packet that has
// waited longer than the ordering timeout. For each such account it declares
// the missing range a gap, advances past it and releases what follows.
func (o *orderer) releaseExpired(now time.Time) ([]packet, []gap) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var released []packet
	var gaps []gap
	for accountID, state := range o.states {
		if len(state.buffer) == 0 {
			continue
		}
		head := state.buffer[0]
		if now.Sub(head.receivedAt) < o.timeout {
			continue
		}

		headSeq := head.seq()
		o.logger.Warnw("sequence gap timed out, skipping ahead",
			"account_id", accountID,
			"from", state.nextExpected,
			"to", headSeq-1,
		)
		gaps = append(gaps, gap{accountID: accountID, from: state.nextExpected, to: headSeq - 1})

		state.nextExpected = headSeq
		released = append(released, state.drain()...)
	}
	return released, gaps
}

// reset forgets all ordering state for an account. The next packet stream
// starts over from sequence number 1.
func (o *orderer) reset(accountID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.states, accountID)
}

// insert adds p to the buffer keeping it sorted by sequence number. It
// reports false when a packet with the same sequence number is already held.
func (s *ordererState) insert(p packet) bool {
	seq := p.seq()
	i := sort.Search(len(s.buffer), func(j int) bool {
		return s.buffer[j].seq() >= seq
	})
	if i < len(s.buffer) && s.buffer[i].seq() == seq {
		return false
	}
	s.buffer = append(s.buffer, packet{})
	copy(s.buffer[i+1:], s.buffer[i:])
	s.buffer[i] = p
	return true
}

// drain pops the contiguous run at the head of the buffer starting at
// nextExpected, advancing nextExpected as it goes.
func (s *ordererState) drain() []packet {
	var out []packet
	for len(s.buffer) > 0 && s.buffer[0].seq() == s.nextExpected {
		out = append(out, s.buffer[0])
		s.buffer = s.buffer[1:]
		s.nextExpected++
	}
	return out
}
