package tcb

// WindowBufferSize is the fixed size of each TCB's receive buffer, per the
// data model's "window_buffer — a 65535-byte contiguous receive buffer".
const WindowBufferSize = 65535

// recvBuf is the contiguous receive buffer of a TCB. Valid (unread) bytes
// occupy [0, len(buf)-wnd); the remaining [len(buf)-wnd, len(buf)) is free
// space available to incoming in-order segments. rcv.wnd is always
// len(buf)-available, so the two stay in lockstep by construction.
type recvBuf struct {
	buf [WindowBufferSize]byte
	// wnd is the currently advertised receive window: the number of free
	// bytes at the tail of buf. available = len(buf) - wnd.
	wnd Size
}

func (r *recvBuf) reset() {
	r.wnd = WindowBufferSize
}

// available returns the number of unread bytes currently queued.
func (r *recvBuf) available() int {
	return len(r.buf) - int(r.wnd)
}

// append writes p at the tail of the valid region and shrinks rcv.wnd by
// len(p). Callers must ensure len(p) <= int(r.wnd).
func (r *recvBuf) append(p []byte) {
	off := r.available()
	n := copy(r.buf[off:], p)
	r.wnd -= Size(n)
}

// drain copies up to len(dst) unread bytes into dst, shifts the remaining
// unread bytes to the front of the buffer, and grows rcv.wnd by the amount
// consumed. It returns the number of bytes copied.
func (r *recvBuf) drain(dst []byte) int {
	avail := r.available()
	n := copy(dst, r.buf[:avail])
	if n == 0 {
		return 0
	}
	remaining := avail - n
	copy(r.buf[:remaining], r.buf[n:avail])
	r.wnd += Size(n)
	return n
}
