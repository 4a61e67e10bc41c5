package transport

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"metaapi-go/pkg/types"
)

func seqPacket(accountID, eventType string, seq int64) packet {
	return packet{
		header: types.PacketHeader{
			Type:           eventType,
			AccountID:      accountID,
			SequenceNumber: &seq,
		},
		receivedAt: time.Now(),
	}
}

func releasedSeqs(packets []packet) []int64 {
	out := make([]int64, len(packets))
	for i, p := range packets {
		out[i] = p.seq()
	}
	return out
}

func TestOrdererRestoresSequenceOrder(t *testing.T) {
	t.Parallel()
	o := newOrderer(time.Minute, zap.NewNop().Sugar())

	var released []int64
	for _, seq := range []int64{2, 1, 4, 3} {
		released = append(released, releasedSeqs(o.process(seqPacket("acc", types.EventDeals, seq)))...)
	}

	want := []int64{1, 2, 3, 4}
	if len(released) != len(want) {
		t.Fatalf("released %v, want %v", released, want)
	}
	for i := range want {
		if released[i] != want[i] {
			t.Fatalf("released %v, want %v", released, want)
		}
	}
}

func TestOrdererDropsStaleAndDuplicatePackets(t *testing.T) {
	t.Parallel()
	o := newOrderer(time.Minute, zap.NewNop().Sugar())

	o.process(seqPacket("acc", types.EventDeals, 1))
	o.process(seqPacket("acc", types.EventDeals, 2))

	if got := o.process(seqPacket("acc", types.EventDeals, 1)); len(got) != 0 {
		t.Errorf("stale packet released %v", releasedSeqs(got))
	}

	// A duplicate of a buffered out-of-order packet must not double-deliver.
	o.process(seqPacket("acc", types.EventDeals, 4))
	o.process(seqPacket("acc", types.EventDeals, 4))
	released := o.process(seqPacket("acc", types.EventDeals, 3))
	if got := releasedSeqs(released); len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Errorf("released %v, want [3 4]", got)
	}
}

func TestOrdererIsolatesAccounts(t *testing.T) {
	t.Parallel()
	o := newOrderer(time.Minute, zap.NewNop().Sugar())

	if got := o.process(seqPacket("a", types.EventDeals, 2)); len(got) != 0 {
		t.Errorf("account a out-of-order packet released %v", releasedSeqs(got))
	}
	if got := o.process(seqPacket("b", types.EventDeals, 1)); len(got) != 1 {
		t.Errorf("account b in-order packet released %v", releasedSeqs(got))
	}
}

func TestSynchronizationStartRestartsNumbering(t *testing.T) {
	t.Parallel()
	o := newOrderer(time.Minute, zap.NewNop().Sugar())

	o.process(seqPacket("acc", types.EventDeals, 1))
	// Stale leftovers from the previous stream sit in the buffer.
	o.process(seqPacket("acc", types.EventDeals, 5))

	released := o.process(seqPacket("acc", types.EventSyncStarted, 100))
	if got := releasedSeqs(released); len(got) != 1 || got[0] != 100 {
		t.Fatalf("released %v, want [100]", got)
	}
	released = o.process(seqPacket("acc", types.EventDeals, 101))
	if got := releasedSeqs(released); len(got) != 1 || got[0] != 101 {
		t.Errorf("released %v, want [101]", got)
	}

	o.mu.Lock()
	buffered := len(o.states["acc"].buffer)
	o.mu.Unlock()
	if buffered != 0 {
		t.Errorf("%d stale packets survived the synchronization restart", buffered)
	}
}

func TestReleaseExpiredSkipsGap(t *testing.T) {
	t.Parallel()
	o := newOrderer(50*time.Millisecond, zap.NewNop().Sugar())

	o.process(seqPacket("acc", types.EventDeals, 1))
	p := seqPacket("acc", types.EventDeals, 4)
	p.receivedAt = time.Now().Add(-time.Second)
	o.process(p)

	released, gaps := o.releaseExpired(time.Now())
	if got := releasedSeqs(released); len(got) != 1 || got[0] != 4 {
		t.Errorf("released %v, want [4]", got)
	}
	if len(gaps) != 1 || gaps[0].accountID != "acc" || gaps[0].from != 2 || gaps[0].to != 3 {
		t.Errorf("gaps = %+v, want one gap 2..3", gaps)
	}

	// Numbering continues after the skipped range.
	if got := releasedSeqs(o.process(seqPacket("acc", types.EventDeals, 5))); len(got) != 1 || got[0] != 5 {
		t.Errorf("released %v after gap, want [5]", got)
	}
}

func TestReleaseExpiredHonorsTimeout(t *testing.T) {
	t.Parallel()
	o := newOrderer(time.Minute, zap.NewNop().Sugar())

	o.process(seqPacket("acc", types.EventDeals, 3))
	released, gaps := o.releaseExpired(time.Now())
	if len(released) != 0 || len(gaps) != 0 {
		t.Errorf("young gap skipped early: released %v gaps %v", releasedSeqs(released), gaps)
	}
}

func TestOrdererBufferBounded(t *testing.T) {
	t.Parallel()
	o := newOrderer(time.Minute, zap.NewNop().Sugar())

	// Never deliver seq 1 so everything buffers.
	for seq := int64(2); seq < int64(maxBufferedPackets)+50; seq++ {
		o.process(seqPacket("acc", types.EventDeals, seq))
	}

	o.mu.Lock()
	buffered := len(o.states["acc"].buffer)
	o.mu.Unlock()
	if buffered > maxBufferedPackets {
		t.Errorf("buffer grew to %d, cap is %d", buffered, maxBufferedPackets)
	}
}

func TestResetForgetsAccountState(t *testing.T) {
	t.Parallel()
	o := newOrderer(time.Minute, zap.NewNop().Sugar())

	o.process(seqPacket("acc", types.EventDeals, 1))
	o.process(seqPacket("acc", types.EventDeals, 2))
	o.reset("acc")

	// After reset the stream starts over from 1.
	if got := releasedSeqs(o.process(seqPacket("acc", types.EventDeals, 1))); len(got) != 1 {
		t.Errorf("released %v after reset, want [1]", got)
	}
}
