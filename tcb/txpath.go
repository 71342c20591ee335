package tcb

import "log/slog"

// transmit implements the transmit path (C3): it builds the wire frame for
// seg+payload, decides whether the segment must be deferred (window
// exhausted, or an unsent segment is already queued ahead of it), and
// either hands it to the IP layer now or leaves it in the retransmit queue
// for the timer driver to release later. Control-bearing segments (SYN,
// FIN, or any payload) are always queued so they can be retransmitted;
// pure ACK/RST segments are sent once and forgotten.
func (t *Table) transmit(tcb *TCB, seg Segment, payload []byte) {
	frame := t.buildFrame(tcb, seg, payload)
	isControl := seg.Flags.HasAny(FlagSYN|FlagFIN) || len(payload) > 0
	if !isControl {
		t.transmitFrame(tcb, frame)
		return
	}

	entry := &txEntry{
		seq:     seg.SEQ,
		datalen: Size(len(payload)),
		seglen:  seg.LEN(),
		flags:   seg.Flags,
		frame:   frame,
	}
	deferred := tcb.txq.hasUnsentTail() ||
		(!seg.Flags.HasAny(FlagSYN) && tcb.txq.snt+entry.datalen > tcb.snd.wnd)
	if !deferred {
		t.transmitFrame(tcb, frame)
		entry.sent = t.now()
		tcb.txq.snt += entry.datalen
	}
	tcb.txq.push(entry)
}

// sendControl is a convenience wrapper for transmit with no payload, used
// throughout the state machine for SYN, SYN|ACK, ACK, FIN|ACK and RST replies.
func (t *Table) sendControl(tcb *TCB, seg Segment) {
	t.transmit(tcb, seg, nil)
}

// enqueueData is the data-carrying counterpart of sendControl, used by Send.
func (t *Table) enqueueData(tcb *TCB, seg Segment, payload []byte) {
	t.transmit(tcb, seg, payload)
}

// buildFrame allocates and fills a complete TCP segment (header+payload)
// addressed between tcb's local and peer endpoints, including the checksum.
func (t *Table) buildFrame(tcb *TCB, seg Segment, payload []byte) []byte {
	raw := make([]byte, HeaderSize+len(payload))
	frm, _ := NewFrame(raw)
	frm.ClearHeader()
	frm.SetSourcePort(tcb.localPort)
	frm.SetDestinationPort(tcb.peerPort)
	frm.SetSegment(seg)
	copy(frm.Payload(), payload)
	setChecksum(frm, tcb.localAddr, tcb.peerAddr)
	return raw
}

func (t *Table) transmitFrame(tcb *TCB, frame []byte) {
	err := t.endpoint.SendTCP(tcb.peerAddr, frame)
	if err != nil {
		t.logerr("tx failed", slog.Int("handle", tcb.handle), slog.String("err", err.Error()))
	}
}

// replyDirect builds and sends a standalone control segment addressed
// using raw endpoint data rather than a table-owned TCB; used for the
// degenerate CLOSED-state RST reply, where no persistent connection state
// exists or is wanted.
func (t *Table) replyDirect(local, peer [4]byte, localPort, peerPort uint16, seg Segment) {
	raw := make([]byte, HeaderSize)
	frm, _ := NewFrame(raw)
	frm.ClearHeader()
	frm.SetSourcePort(localPort)
	frm.SetDestinationPort(peerPort)
	frm.SetSegment(seg)
	setChecksum(frm, local, peer)
	_ = t.endpoint.SendTCP(peer, raw)
}
