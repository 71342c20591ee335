package tcb_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/soypat/tcbstack/ipstack"
	"github.com/soypat/tcbstack/tcb"
)

// fakeClock lets tests advance the timer driver deterministically instead of
// sleeping in real time, mirroring how the corpus this engine is built from
// drives its own handshake fixtures with explicit sequence numbers rather
// than wall-clock waits.
type fakeClock struct{ unix atomic.Int64 }

func newFakeClock(start int64) *fakeClock {
	c := &fakeClock{}
	c.unix.Store(start)
	return c
}
func (c *fakeClock) NowUnix() int64 { return c.unix.Load() }
func (c *fakeClock) advance(seconds int64) { c.unix.Add(seconds) }

var (
	addrA = ipstack.ParseIPv4("10.1.0.1")
	addrB = ipstack.ParseIPv4("10.1.0.2")
)

// harness wires two tcb.Tables back to back over an in-memory Loopback and
// runs both timer drivers for the duration of the test.
type harness struct {
	clockA, clockB *fakeClock
	a, b           *tcb.Table
	stop           chan struct{}
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		clockA: newFakeClock(1000),
		clockB: newFakeClock(1000),
		stop:   make(chan struct{}),
	}
	h.a = tcb.NewTable(nil, h.clockA, nil)
	h.b = tcb.NewTable(nil, h.clockB, nil)
	h.a.SetEndpoint(&ipstack.Loopback{LocalAddr: addrA, PeerAddr: addrB, Peer: h.b})
	h.b.SetEndpoint(&ipstack.Loopback{LocalAddr: addrB, PeerAddr: addrA, Peer: h.a})
	go h.a.RunTimer(h.stop)
	go h.b.RunTimer(h.stop)
	t.Cleanup(func() { close(h.stop) })
	return h
}

func (h *harness) listen(t *testing.T, port uint16) int {
	t.Helper()
	handle, err := h.b.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := h.b.Bind(handle, port); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := h.b.Listen(handle); err != nil {
		t.Fatalf("listen: %v", err)
	}
	return handle
}

func (h *harness) connect(t *testing.T, port uint16) int {
	t.Helper()
	handle, err := h.a.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := h.a.Connect(handle, addrB, port); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return handle
}

func TestThreeWayHandshake(t *testing.T) {
	h := newHarness(t)
	listener := h.listen(t, 7000)

	accepted := make(chan int, 1)
	go func() {
		conn, err := h.b.Accept(listener)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		accepted <- conn
	}()

	client := h.connect(t, 7000)

	select {
	case server := <-accepted:
		_ = server
	case <-time.After(2 * time.Second):
		t.Fatal("accept never completed")
	}
	_ = client
}

func TestEchoOneKilobyte(t *testing.T) {
	h := newHarness(t)
	listener := h.listen(t, 7001)

	accepted := make(chan int, 1)
	go func() {
		conn, err := h.b.Accept(listener)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		accepted <- conn
	}()

	client := h.connect(t, 7001)
	var server int
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("accept never completed")
	}

	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	sent := make(chan error, 1)
	go func() {
		_, err := h.a.Send(client, payload)
		sent <- err
	}()

	buf := make([]byte, 0, 1024)
	for len(buf) < 1024 {
		chunk := make([]byte, 1024-len(buf))
		n, err := h.b.Recv(server, chunk)
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		buf = append(buf, chunk[:n]...)
	}
	if err := <-sent; err != nil {
		t.Fatalf("send: %v", err)
	}
	for i, b := range buf {
		if b != payload[i] {
			t.Fatalf("byte %d: got %d want %d", i, b, payload[i])
		}
	}
}

func TestGracefulCloseInitiatedByA(t *testing.T) {
	h := newHarness(t)
	listener := h.listen(t, 7002)
	accepted := make(chan int, 1)
	go func() {
		conn, _ := h.b.Accept(listener)
		accepted <- conn
	}()
	client := h.connect(t, 7002)
	server := <-accepted

	if err := h.a.Close(client); err != nil {
		t.Fatalf("client close: %v", err)
	}

	// Server's next Recv observes the peer's FIN as a closed connection
	// once it has drained any data (here, none).
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, err := h.b.Recv(server, make([]byte, 1))
		if err != nil {
			break
		}
	}
	if err := h.b.Close(server); err != nil {
		t.Fatalf("server close: %v", err)
	}
}

func TestSimultaneousClose(t *testing.T) {
	h := newHarness(t)
	listener := h.listen(t, 7003)
	accepted := make(chan int, 1)
	go func() {
		conn, _ := h.b.Accept(listener)
		accepted <- conn
	}()
	client := h.connect(t, 7003)
	server := <-accepted

	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() { errA <- h.a.Close(client) }()
	go func() { errB <- h.b.Close(server) }()

	if err := <-errA; err != nil {
		t.Fatalf("a close: %v", err)
	}
	if err := <-errB; err != nil {
		t.Fatalf("b close: %v", err)
	}
}

func TestRetransmissionAfterDrop(t *testing.T) {
	clockA := newFakeClock(1000)
	clockB := newFakeClock(1000)
	stop := make(chan struct{})
	defer close(stop)

	a := tcb.NewTable(nil, clockA, nil)
	b := tcb.NewTable(nil, clockB, nil)
	lbA := &ipstack.Loopback{LocalAddr: addrA, PeerAddr: addrB, Peer: b}
	lbB := &ipstack.DroppingLoopback{Loopback: ipstack.Loopback{LocalAddr: addrB, PeerAddr: addrA, Peer: a}}
	a.SetEndpoint(lbA)
	b.SetEndpoint(lbB)
	go a.RunTimer(stop)
	go b.RunTimer(stop)

	listener, err := b.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := b.Bind(listener, 7004); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := b.Listen(listener); err != nil {
		t.Fatalf("listen: %v", err)
	}

	// Drop the server's first SYN|ACK; the client's user timeout is long
	// enough for the retransmit timer to recover the connection once the
	// fake clock advances past the 3-second retransmit threshold.
	lbB.Drop = 1

	accepted := make(chan int, 1)
	go func() {
		conn, err := b.Accept(listener)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		accepted <- conn
	}()

	client, err := a.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	connectDone := make(chan error, 1)
	go func() { connectDone <- a.Connect(client, addrB, 7004) }()

	// Tick the clocks past the retransmit threshold a few times; the
	// dropped SYN|ACK should be resent and the handshake should complete.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		clockA.advance(1)
		clockB.advance(1)
		select {
		case err := <-connectDone:
			if err != nil {
				t.Fatalf("connect: %v", err)
			}
			select {
			case <-accepted:
			case <-time.After(time.Second):
				t.Fatal("accept never completed after retransmit")
			}
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
	t.Fatal("connection never recovered from the dropped segment")
}

func TestUserTimeoutUnresponsivePeer(t *testing.T) {
	clockA := newFakeClock(1000)
	stop := make(chan struct{})
	defer close(stop)

	a := tcb.NewTable(nil, clockA, nil)
	// blackhole never calls back into a, so a's SYN is never answered.
	a.SetEndpoint(blackhole{})
	go a.RunTimer(stop)

	client, err := a.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	connectDone := make(chan error, 1)
	go func() { connectDone <- a.Connect(client, addrB, 7005) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		clockA.advance(5)
		select {
		case err := <-connectDone:
			if err == nil {
				t.Fatal("expected connect to fail after user timeout")
			}
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
	t.Fatal("connect never timed out")
}

type blackhole struct{}

func (blackhole) SendTCP(dst [4]byte, segment []byte) error        { return nil }
func (blackhole) RouteLocalAddr(peer [4]byte) ([4]byte, error) { return addrA, nil }

// TestCloseReclaimsTCBSlot drives more full connect/close cycles than the
// table has slots for. A table that leaked a slot on every graceful close
// (used never cleared once a TCB completes TIME_WAIT asynchronously, rather
// than synchronously inside Close) would exhaust its 128 slots well before
// this loop finishes and Open would start returning an error.
func TestCloseReclaimsTCBSlot(t *testing.T) {
	h := newHarness(t)
	listener := h.listen(t, 7006)

	go func() {
		for {
			conn, err := h.b.Accept(listener)
			if err != nil {
				return
			}
			go func(server int) {
				buf := make([]byte, 1)
				for {
					if _, err := h.b.Recv(server, buf); err != nil {
						break
					}
				}
				h.b.Close(server)
			}(conn)
		}
	}()

	const rounds = tcb.TableSize + 5
	for i := 0; i < rounds; i++ {
		client, err := h.a.Open()
		if err != nil {
			t.Fatalf("round %d: open: %v", i, err)
		}
		if err := h.a.Connect(client, addrB, 7006); err != nil {
			t.Fatalf("round %d: connect: %v", i, err)
		}
		if err := h.a.Close(client); err != nil {
			t.Fatalf("round %d: close: %v", i, err)
		}
		// Let the FIN/ACK exchange settle, then move both fake clocks past
		// the 60-second TIME_WAIT and give the timer driver a couple of
		// ticks to reclaim the closed TCBs before the next round.
		time.Sleep(timerTickForTests)
		h.clockA.advance(61)
		h.clockB.advance(61)
		time.Sleep(2 * timerTickForTests)
	}
}

const timerTickForTests = 100 * time.Millisecond
