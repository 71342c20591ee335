package tcb

import "github.com/soypat/tcbstack/internal"

// sendSpace holds the "send sequence space" fields of RFC 793 §3.3: sequence
// numbers that correspond to data originating locally.
type sendSpace struct {
	iss Value // initial send sequence number, chosen by Connect or on a SYN received in LISTEN
	una Value // oldest unacknowledged sequence number
	nxt Value // next sequence number to be sent
	wnd Size  // window most recently advertised by the peer
	wl1 Value // seg.seq of the segment used for the last window update
	wl2 Value // seg.ack of the segment used for the last window update
	up  Value // urgent pointer of outbound data (recorded only, not acted on)
}

// recvSpace holds the "receive sequence space" fields of RFC 793 §3.3:
// sequence numbers that correspond to data arriving from the peer. The
// receive window itself lives in recvBuf, which derives rcv.wnd from
// available buffer space rather than tracking it separately.
type recvSpace struct {
	irs Value // initial receive sequence number, learned from the peer's SYN
	nxt Value // next sequence number expected from the peer
	up  Value // highest urgent pointer seen so far
}

// TCB is a Transmission Control Block: the complete per-connection state
// record threaded through the state machine, transmit path and retransmit
// queue. All TCB methods assume the owning [Table]'s mutex is already held.
type TCB struct {
	handle int // index of this TCB within its Table; stable for its lifetime

	used  bool
	state State

	localAddr [4]byte
	localPort uint16
	peerAddr  [4]byte
	peerPort  uint16

	snd sendSpace
	rcv recvSpace
	buf recvBuf
	txq txQueue

	// parent is the table index of the listener this TCB was spawned from
	// during a passive open, or -1 if this TCB has no parent (active open,
	// or a listener itself). Cleared once accept() dequeues the child.
	parent int
	// backlog holds the table indices of child TCBs that completed their
	// handshake (reached ESTABLISHED) while still owned by this listener.
	backlog []int

	cond waiter

	// timeout is the absolute deadline (unix seconds) for USER_TIMEOUT or
	// TIME_WAIT expiry, whichever is currently armed; zero means disarmed.
	timeout int64

	logger
}

// waiter is the minimal condition-variable surface the state machine needs;
// satisfied by *sync.Cond. Abstracted so control.go does not need to import
// sync directly, mirroring how the table wires real condition variables in
// using the shared table mutex as L.
type waiter interface {
	Broadcast()
	Wait()
}

const (
	userTimeoutSeconds    = 20
	timeWaitTimeoutSeconds = 2 * msl
	msl                    = 30 // maximum segment lifetime, seconds (conservative for a user-space stack)
	retransmitSeconds      = 3
)

// resetTCB forces the TCB back to CLOSED and reclaims its slot, discarding
// all connection state. This is the single chokepoint every path that
// drives a TCB to CLOSED funnels through (timer expiry, RST, the LAST_ACK
// completion, Close's own synchronous paths), so clearing `used` here is
// what makes findFree able to reuse the slot once a connection is fully
// torn down. Callers must Broadcast after calling resetTCB so waiters
// observe the new state.
func (tcb *TCB) resetTCB() {
	tcb.state = StateClosed
	tcb.used = false
	tcb.txq.reset()
	tcb.timeout = 0
	tcb.parent = -1
	internal.SliceReuse(&tcb.backlog, 0)
}

func (tcb *TCB) armUserTimeout(now int64) {
	tcb.timeout = now + userTimeoutSeconds
}

func (tcb *TCB) armTimeWait(now int64) {
	tcb.timeout = now + timeWaitTimeoutSeconds
}

// acceptable implements the RFC 793 Table 23 sequence-number acceptability
// test: whether any part of an incoming segment's sequence space overlaps
// the currently advertised receive window.
func acceptable(seg Segment, rcvNxt Value, rcvWnd Size) bool {
	segLen := seg.LEN()
	if rcvWnd == 0 {
		return segLen == 0 && seg.SEQ == rcvNxt
	}
	if segLen == 0 {
		return seg.SEQ.InWindow(rcvNxt, rcvWnd) || seg.SEQ == rcvNxt
	}
	last := Add(seg.SEQ, segLen-1)
	return seg.SEQ.InWindow(rcvNxt, rcvWnd) || last.InWindow(rcvNxt, rcvWnd)
}
