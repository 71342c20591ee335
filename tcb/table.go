package tcb

import (
	"log/slog"
	"sync"

	"github.com/soypat/tcbstack/internal"
)

// TableSize is the fixed number of control blocks in a [Table], and so the
// upper bound on simultaneous connections (including listeners and
// not-yet-accepted children).
const TableSize = 128

// Endpoint is the IPv4 collaborator this engine depends on: a way to send a
// TCP segment to a peer and a way to pick the local address that would be
// used to reach one. Implementations live in package ipstack; a raw socket
// and an in-memory loopback are both provided there.
type Endpoint interface {
	// SendTCP transmits a fully-formed TCP segment (header+payload) to dst.
	SendTCP(dst [4]byte, segment []byte) error
	// RouteLocalAddr returns the local IPv4 address that would be used to
	// reach peer, for interface selection on an active open.
	RouteLocalAddr(peer [4]byte) ([4]byte, error)
}

// Clock abstracts wall-clock time so tests can drive the timer
// deterministically instead of sleeping in real time.
type Clock interface {
	NowUnix() int64
}

// Table is the fixed-size connection table (C1): a pool of [TCB] slots plus
// the application-facing socket surface (open/bind/listen/accept/connect/
// send/recv/close) and the RX entry point fed by the IP layer. A single
// mutex, per the concurrency model, serializes every access to every TCB.
type Table struct {
	mu   sync.Mutex
	tcbs [TableSize]TCB

	endpoint Endpoint
	clock    Clock
	rng      prng

	timerCond *sync.Cond
	logger
}

// NewTable constructs a connection table bound to the given IP collaborator.
// log may be nil.
func NewTable(ep Endpoint, clock Clock, log *slog.Logger) *Table {
	t := &Table{endpoint: ep, clock: clock, logger: logger{log: log}}
	t.rng.seed(uint32(clock.NowUnix()) ^ 0x9e3779b9)
	for i := range t.tcbs {
		t.tcbs[i].handle = i
		t.tcbs[i].parent = -1
		t.tcbs[i].cond = sync.NewCond(&t.mu)
	}
	t.timerCond = sync.NewCond(&t.mu)
	return t
}

func (t *Table) now() int64 { return t.clock.NowUnix() }

// SetEndpoint (re)binds the IP collaborator after construction, for callers
// that need a *Table's address before they can build the [Endpoint] that
// will deliver to it (e.g. two loopback-connected tables referencing each
// other).
func (t *Table) SetEndpoint(ep Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endpoint = ep
}

// Open allocates a free TCB and returns its handle, or -1 if the table is
// full.
func (t *Table) Open() (handle int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.findFree()
	if !ok {
		return -1, errNoFreeTCB
	}
	tcb := &t.tcbs[idx]
	*tcb = TCB{handle: idx, cond: tcb.cond, logger: t.logger, parent: -1}
	tcb.used = true
	tcb.state = StateClosed
	tcb.buf.reset()
	return idx, nil
}

func (t *Table) findFree() (int, bool) {
	for i := range t.tcbs {
		if !t.tcbs[i].used && t.tcbs[i].state == StateClosed {
			return i, true
		}
	}
	return 0, false
}

func (t *Table) tcb(handle int) (*TCB, error) {
	if handle < 0 || handle >= TableSize {
		return nil, errBadHandle
	}
	tcb := &t.tcbs[handle]
	if !tcb.used {
		return nil, errBadHandle
	}
	return tcb, nil
}

// isPortBound reports whether port is claimed by any allocated or
// listening TCB other than skip. This fixes the bind duplicate-port check
// noted in DESIGN.md: a free slot whose port field happens to be zero (or
// stale) must never count as a collision.
func (t *Table) isPortBound(port uint16, skip int) bool {
	for i := range t.tcbs {
		if i == skip {
			continue
		}
		tcb := &t.tcbs[i]
		if !tcb.used {
			continue
		}
		if tcb.localPort == port {
			return true
		}
	}
	return false
}

// Bind assigns a local port to handle. port is a host-byte-order port
// number; 0 requests automatic ephemeral allocation.
func (t *Table) Bind(handle int, port uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tcb, err := t.tcb(handle)
	if err != nil {
		return err
	}
	if tcb.state != StateClosed {
		return errInvalidState
	}
	if port == 0 {
		p, ok := t.pickEphemeralPort()
		if !ok {
			return errNoFreeEphemeralPort
		}
		port = p
	} else if t.isPortBound(port, handle) {
		return errPortInUse
	}
	tcb.localPort = port
	return nil
}

// pickEphemeralPort scans starting at 49152+(now mod 1024) through 65535,
// per the connection table's ephemeral port policy, skipping ports bound
// by any non-free TCB.
func (t *Table) pickEphemeralPort() (uint16, bool) {
	start := 49152 + uint16(t.now()%1024)
	for p := uint32(start); p <= 65535; p++ {
		port := uint16(p)
		if !t.isPortBound(port, -1) {
			return port, true
		}
	}
	for p := uint32(49152); p < uint32(start); p++ {
		port := uint16(p)
		if !t.isPortBound(port, -1) {
			return port, true
		}
	}
	return 0, false
}

// Listen transitions handle into LISTEN. Only one listener may exist per
// local port at a time.
func (t *Table) Listen(handle int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tcb, err := t.tcb(handle)
	if err != nil {
		return err
	}
	if tcb.state != StateClosed || tcb.localPort == 0 {
		return errInvalidState
	}
	for i := range t.tcbs {
		if i == handle {
			continue
		}
		other := &t.tcbs[i]
		if other.used && other.state == StateListen && other.localPort == tcb.localPort {
			return errPortInUse
		}
	}
	tcb.state = StateListen
	internal.SliceReuse(&tcb.backlog, 0)
	return nil
}

// Accept blocks until a child of the listener at handle has reached
// ESTABLISHED, then returns its handle with `used` now set.
func (t *Table) Accept(handle int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tcb, err := t.tcb(handle)
	if err != nil {
		return -1, err
	}
	if tcb.state != StateListen {
		return -1, errNotListener
	}
	for len(tcb.backlog) == 0 {
		if tcb.state != StateListen {
			return -1, errConnectionClosing
		}
		tcb.cond.Wait()
	}
	childIdx := tcb.backlog[0]
	tcb.backlog = tcb.backlog[1:]
	child := &t.tcbs[childIdx]
	child.used = true
	child.parent = -1
	return childIdx, nil
}

// Connect performs an active open: binds an ephemeral port if needed, sends
// the initial SYN, and blocks until the connection reaches ESTABLISHED or
// is refused/reset.
func (t *Table) Connect(handle int, peer [4]byte, peerPort uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tcb, err := t.tcb(handle)
	if err != nil {
		return err
	}
	if tcb.state != StateClosed {
		return errInvalidState
	}
	if tcb.localPort == 0 {
		p, ok := t.pickEphemeralPort()
		if !ok {
			return errNoFreeEphemeralPort
		}
		tcb.localPort = p
	}
	local, err := t.endpoint.RouteLocalAddr(peer)
	if err != nil {
		return err
	}
	tcb.localAddr = local
	tcb.peerAddr = peer
	tcb.peerPort = peerPort
	tcb.snd.iss = t.rng.next32AsValue()
	tcb.snd.una = tcb.snd.iss
	tcb.snd.nxt = Add(tcb.snd.iss, 1)
	tcb.buf.reset()
	tcb.state = StateSynSent
	tcb.armUserTimeout(t.now())
	t.sendControl(tcb, Segment{SEQ: tcb.snd.iss, Flags: FlagSYN, WND: Size(tcb.buf.wnd)})

	for tcb.state == StateSynSent {
		tcb.cond.Wait()
	}
	if tcb.state != StateEstablished {
		return errConnReset
	}
	return nil
}

// Send chunks buf into segments bounded by the maximum segment size and the
// local send-buffer window, blocking while that window is exhausted. The
// peer's advertised window does not block Send: segments that do not fit in
// it are queued by the transmit path and released later by the timer.
func (t *Table) Send(handle int, buf []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tcb, err := t.tcb(handle)
	if err != nil {
		return 0, err
	}
	if tcb.state != StateEstablished && tcb.state != StateCloseWait {
		return 0, errInvalidState
	}
	sent := 0
	for sent < len(buf) {
		for {
			if tcb.state.IsClosing() && tcb.state != StateCloseWait {
				return sent, errConnectionClosing
			}
			inFlight := Sizeof(tcb.snd.una, tcb.snd.nxt)
			room := Size(sendBufferSize) - inFlight
			if room > 0 {
				break
			}
			tcb.cond.Wait()
		}
		inFlight := Sizeof(tcb.snd.una, tcb.snd.nxt)
		room := int(Size(sendBufferSize) - inFlight)
		chunk := maxSegmentData
		if chunk > room {
			chunk = room
		}
		if chunk > len(buf)-sent {
			chunk = len(buf) - sent
		}
		if chunk <= 0 {
			continue
		}
		payload := buf[sent : sent+chunk]
		seg := Segment{SEQ: tcb.snd.nxt, ACK: tcb.rcv.nxt, Flags: FlagPSH | FlagACK, WND: Size(tcb.buf.wnd), DATALEN: Size(chunk)}
		t.enqueueData(tcb, seg, payload)
		tcb.snd.nxt = Add(tcb.snd.nxt, Size(chunk))
		tcb.armUserTimeout(t.now())
		sent += chunk
	}
	return sent, nil
}

const (
	sendBufferSize = 65535
	maxSegmentData = 1460 // mtu - ip hdr - tcp hdr, conservative Ethernet default
)

// Recv copies up to len(buf) available bytes into buf, blocking while the
// receive buffer is empty and the connection is still open.
func (t *Table) Recv(handle int, buf []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tcb, err := t.tcb(handle)
	if err != nil {
		return 0, err
	}
	for tcb.buf.available() == 0 {
		switch tcb.state {
		case StateEstablished, StateFinWait1, StateFinWait2:
			tcb.cond.Wait()
			continue
		case StateCloseWait:
			return 0, errConnectionClosing
		default:
			return 0, errConnectionClosing
		}
	}
	n := tcb.buf.drain(buf)
	return n, nil
}

// Close implements the RFC 793 close semantics of §4.7.
func (t *Table) Close(handle int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tcb, err := t.tcb(handle)
	if err != nil {
		return err
	}
	defer func() {
		if tcb.state == StateClosed {
			tcb.used = false
		}
	}()

	switch tcb.state {
	case StateClosed:
		return nil
	case StateListen:
		for _, childIdx := range tcb.backlog {
			child := &t.tcbs[childIdx]
			child.used = true
			t.closeLocked(child)
		}
		tcb.backlog = nil
		tcb.state = StateClosed
		return nil
	case StateSynSent:
		tcb.resetTCB()
		tcb.cond.Broadcast()
		return nil
	case StateSynRcvd, StateEstablished:
		t.sendControl(tcb, Segment{SEQ: tcb.snd.nxt, ACK: tcb.rcv.nxt, Flags: FlagFIN | FlagACK, WND: Size(tcb.buf.wnd)})
		tcb.snd.nxt = Add(tcb.snd.nxt, 1)
		tcb.state = StateFinWait1
		return nil
	case StateCloseWait:
		t.sendControl(tcb, Segment{SEQ: tcb.snd.nxt, ACK: tcb.rcv.nxt, Flags: FlagFIN | FlagACK, WND: Size(tcb.buf.wnd)})
		tcb.snd.nxt = Add(tcb.snd.nxt, 1)
		// The source this engine is ported from transitions here to CLOSING
		// rather than the RFC 793-prescribed LAST_ACK; see DESIGN.md's
		// open-question log for why that behavior is kept rather than fixed.
		tcb.state = StateClosing
		return nil
	default: // FIN_WAIT1, FIN_WAIT2, CLOSING, TIME_WAIT, LAST_ACK
		return errConnectionClosing
	}
}

// closeLocked recursively closes a backlog child without re-acquiring the
// table mutex (already held by the caller).
func (t *Table) closeLocked(tcb *TCB) {
	switch tcb.state {
	case StateClosed:
	case StateSynRcvd, StateEstablished:
		t.sendControl(tcb, Segment{SEQ: tcb.snd.nxt, ACK: tcb.rcv.nxt, Flags: FlagFIN | FlagACK, WND: Size(tcb.buf.wnd)})
		tcb.snd.nxt = Add(tcb.snd.nxt, 1)
		tcb.state = StateFinWait1
	default:
		tcb.resetTCB()
	}
}
