package service

import (
	"context"
	"sync"
	"time"

	"github.com/raskyld/corelink/pkg/wire"
)

// CallStatus is the lifecycle state of a call.
type CallStatus = wire.CallStatus

// Reply is what a client receives for a call.
type Reply = wire.Reply

const (
	Suspended       = wire.StatusSuspended
	Running         = wire.StatusRunning
	CancelRequested = wire.StatusCancelRequested
	Succeeded       = wire.StatusSucceeded
	Failed          = wire.StatusFailed
	Aborted         = wire.StatusAborted
)

// slot holds the state of one client stream on a `Server`.
//
// Only the reactor changes which stream is attached and the reply queue,
// but handlers read and transition the status concurrently, hence the lock.
type slot struct {
	id uint32

	lk sync.RWMutex

	// gen is bumped every time a new stream attaches to the slot, events
	// tagged with another generation belong to a previous stream.
	gen     uint64
	conn    Conn
	status  CallStatus
	request []byte

	// replies awaiting a write completion, the head is being written.
	replies []*wire.Reply

	running bool
	cancel  context.CancelFunc
	started time.Time
}

// slotTable is owned by the reactor goroutine and is never shared.
type slotTable struct {
	slots []*slot
	free  []uint32
	next  uint32
}

// allocate returns a slot ready to be armed, recycling freed ids first.
func (st *slotTable) allocate() *slot {
	if n := len(st.free); n > 0 {
		id := st.free[n-1]
		st.free = st.free[:n-1]
		return st.slots[id]
	}

	s := &slot{id: st.next}
	st.next++
	st.slots = append(st.slots, s)
	return s
}

// release makes id reusable. The caller guarantees the teardown of the
// stream attached to it has been fully processed.
func (st *slotTable) release(id uint32) {
	st.free = append(st.free, id)
}

func (st *slotTable) get(id uint32) (*slot, bool) {
	if int(id) >= len(st.slots) {
		return nil, false
	}
	return st.slots[id], true
}

// size returns how many slots exist, whether they are in use or not.
func (st *slotTable) size() int {
	return len(st.slots)
}

// inUse returns how many slots are armed or attached.
func (st *slotTable) inUse() int {
	return len(st.slots) - len(st.free)
}
