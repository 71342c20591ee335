package tcb

// Deliver is the RX entry point fed by the IP layer: dst and src are the
// IPv4 addresses from the datagram header, segment is the raw TCP header
// plus payload. Deliver validates the checksum, looks up (or promotes) the
// matching TCB per the connection table's matching rules (§4.1), and runs
// the segment-arrives state machine (§4.4) against it.
func (t *Table) Deliver(src, dst [4]byte, segment []byte) error {
	frm, err := NewFrame(segment)
	if err != nil {
		return err
	}
	if err := frm.ValidateSize(); err != nil {
		return err
	}
	payload := frm.Payload()
	seg := frm.Segment(len(payload))
	srcPort := frm.SourcePort()
	dstPort := frm.DestinationPort()

	t.mu.Lock()
	defer t.mu.Unlock()

	if !verifyChecksum(frm, src, dst) {
		return errBadCRC
	}

	now := t.now()
	tcb, isListenerMatch, ok := t.lookup(dst, src, dstPort, srcPort)
	if !ok {
		t.replyClosed(dst, src, dstPort, srcPort, seg)
		return nil
	}
	if isListenerMatch {
		tcb.localAddr = dst
		tcb.peerAddr = src
		tcb.peerPort = srcPort
	}
	t.segmentArrives(tcb, seg, payload, now)
	return nil
}

// lookup finds the best-matching TCB for an incoming segment: an exact
// four-tuple match takes priority; failing that, a listener on the
// destination port causes a free slot to be promoted into a child TCB that
// inherits the listener's port and parent back-reference. The second
// return value reports whether the returned TCB was just promoted from a
// listener match (and so still needs its peer fields filled in by the
// caller, which holds the freshly parsed segment).
func (t *Table) lookup(dst, src [4]byte, dstPort, srcPort uint16) (tcb *TCB, viaListener bool, ok bool) {
	var listener *TCB
	freeIdx := -1
	for i := range t.tcbs {
		c := &t.tcbs[i]
		if !c.used && c.state == StateClosed && freeIdx == -1 {
			freeIdx = i
		}
		if c.state == StateClosed {
			continue
		}
		if c.state == StateListen {
			if c.localPort == dstPort {
				listener = c
			}
			continue
		}
		if c.localPort == dstPort && c.peerPort == srcPort && c.peerAddr == src {
			return c, false, true
		}
	}
	if listener != nil && freeIdx != -1 {
		child := &t.tcbs[freeIdx]
		child.used = false
		child.state = StateListen
		child.localPort = listener.localPort
		child.parent = listener.handle
		child.buf.reset()
		return child, true, true
	}
	return nil, false, false
}

// replyClosed implements RFC 793 §3.9's CLOSED-state handling: any segment
// addressed to a port with neither a connection nor a listener draws a RST
// reply (unless it is itself a RST), then is dropped.
func (t *Table) replyClosed(local, peer [4]byte, localPort, peerPort uint16, seg Segment) {
	if seg.Flags.HasAny(FlagRST) {
		return
	}
	var reply Segment
	if seg.Flags.HasAny(FlagACK) {
		reply = Segment{SEQ: seg.ACK, Flags: FlagRST}
	} else {
		reply = Segment{SEQ: 0, ACK: Add(seg.SEQ, seg.LEN()), Flags: FlagRST | FlagACK}
	}
	t.replyDirect(local, peer, localPort, peerPort, reply)
}

// segmentArrives is the state-machine entry point for a TCB that already
// exists (possibly freshly promoted from a listener match): it implements
// RFC 793 §3.9 as laid out in the ten ordered steps of the state-machine
// design.
func (t *Table) segmentArrives(tcb *TCB, seg Segment, payload []byte, now int64) {
	tcb.traceSeg("segment-arrives", seg)
	switch tcb.state {
	case StateListen:
		t.rcvListen(tcb, seg, now)
	case StateSynSent:
		t.rcvSynSent(tcb, seg, now)
	default:
		t.rcvSynchronized(tcb, seg, payload, now)
	}
}

func (t *Table) rcvListen(tcb *TCB, seg Segment, now int64) {
	if seg.Flags.HasAny(FlagRST) {
		return
	}
	if seg.Flags.HasAny(FlagACK) {
		t.sendControl(tcb, Segment{SEQ: seg.ACK, Flags: FlagRST})
		return
	}
	if !seg.Flags.HasAny(FlagSYN) {
		// A promoted child that never received a SYN has no reason to
		// exist; reclaim the slot.
		tcb.resetTCB()
		return
	}
	tcb.rcv.irs = seg.SEQ
	tcb.rcv.nxt = Add(seg.SEQ, 1)
	tcb.buf.reset()
	tcb.snd.iss = t.rng.next32AsValue()
	tcb.snd.una = tcb.snd.iss
	tcb.snd.nxt = Add(tcb.snd.iss, 1)
	tcb.snd.wnd = seg.WND
	tcb.state = StateSynRcvd
	tcb.armUserTimeout(now)
	t.sendControl(tcb, Segment{SEQ: tcb.snd.iss, ACK: tcb.rcv.nxt, Flags: flagSynAck, WND: Size(tcb.buf.wnd)})
}

func (t *Table) rcvSynSent(tcb *TCB, seg Segment, now int64) {
	hasAck := seg.Flags.HasAny(FlagACK)
	acceptableAck := false
	if hasAck {
		if seg.ACK.LessThanEq(tcb.snd.iss) || tcb.snd.nxt.LessThan(seg.ACK) {
			t.sendControl(tcb, Segment{SEQ: seg.ACK, Flags: FlagRST})
			return
		}
		acceptableAck = tcb.snd.una.LessThanEq(seg.ACK) && seg.ACK.LessThanEq(tcb.snd.nxt)
	}
	if seg.Flags.HasAny(FlagRST) {
		if hasAck && acceptableAck {
			tcb.resetTCB()
			tcb.cond.Broadcast()
		}
		return
	}
	if !seg.Flags.HasAny(FlagSYN) {
		return
	}
	tcb.rcv.irs = seg.SEQ
	tcb.rcv.nxt = Add(seg.SEQ, 1)
	tcb.buf.reset()
	if hasAck && acceptableAck {
		tcb.snd.una = seg.ACK
		tcb.snd.wnd = seg.WND
		tcb.snd.wl1 = seg.SEQ
		tcb.snd.wl2 = seg.ACK
		tcb.txq.vacuum(tcb.snd.una)
		tcb.state = StateEstablished
		tcb.armUserTimeout(now)
		t.sendControl(tcb, Segment{SEQ: tcb.snd.nxt, ACK: tcb.rcv.nxt, Flags: FlagACK, WND: Size(tcb.buf.wnd)})
	} else {
		tcb.state = StateSynRcvd
		tcb.snd.wnd = seg.WND
		t.sendControl(tcb, Segment{SEQ: tcb.snd.iss, ACK: tcb.rcv.nxt, Flags: flagSynAck, WND: Size(tcb.buf.wnd)})
	}
	tcb.cond.Broadcast()
}

func (t *Table) rcvSynchronized(tcb *TCB, seg Segment, payload []byte, now int64) {
	if !acceptable(seg, tcb.rcv.nxt, tcb.buf.wnd) {
		if !seg.Flags.HasAny(FlagRST) {
			t.sendControl(tcb, Segment{SEQ: tcb.snd.nxt, ACK: tcb.rcv.nxt, Flags: FlagACK, WND: Size(tcb.buf.wnd)})
		}
		return
	}
	if seg.Flags.HasAny(FlagRST) {
		tcb.resetTCB()
		tcb.cond.Broadcast()
		return
	}
	if seg.Flags.HasAny(FlagSYN) {
		t.sendControl(tcb, Segment{SEQ: tcb.snd.nxt, ACK: tcb.rcv.nxt, Flags: FlagRST})
		tcb.resetTCB()
		tcb.cond.Broadcast()
		return
	}
	if !seg.Flags.HasAny(FlagACK) {
		return
	}

	if tcb.state == StateSynRcvd {
		if !(tcb.snd.una.LessThanEq(seg.ACK) && seg.ACK.LessThanEq(tcb.snd.nxt)) {
			t.sendControl(tcb, Segment{SEQ: seg.ACK, Flags: FlagRST})
			return
		}
		tcb.state = StateEstablished
		if tcb.parent >= 0 {
			t.pushBacklog(tcb)
		} else {
			tcb.cond.Broadcast()
		}
	}

	if tcb.snd.una.LessThan(seg.ACK) {
		tcb.snd.una = seg.ACK
		tcb.txq.vacuum(tcb.snd.una)
		tcb.armUserTimeout(now)
		tcb.cond.Broadcast()
		t.timerCond.Broadcast() // early wakeup: txq vacuumed, deferred sends may now fit in window
	}
	if tcb.snd.wl1.LessThan(seg.SEQ) || (tcb.snd.wl1 == seg.SEQ && tcb.snd.wl2.LessThanEq(seg.ACK)) {
		tcb.snd.wnd = seg.WND
		tcb.snd.wl1 = seg.SEQ
		tcb.snd.wl2 = seg.ACK
	}
	if tcb.snd.nxt.LessThan(seg.ACK) {
		t.sendControl(tcb, Segment{SEQ: tcb.snd.nxt, ACK: tcb.rcv.nxt, Flags: FlagACK, WND: Size(tcb.buf.wnd)})
		return
	}

	switch tcb.state {
	case StateFinWait1:
		if seg.ACK == tcb.snd.nxt {
			tcb.state = StateFinWait2
		}
	case StateClosing:
		if seg.ACK == tcb.snd.nxt {
			tcb.state = StateTimeWait
			tcb.armTimeWait(now)
		}
	case StateLastAck:
		if seg.ACK == tcb.snd.nxt {
			tcb.resetTCB()
			tcb.cond.Broadcast()
			return
		}
	}

	if seg.Flags.HasAny(FlagURG) && (tcb.state == StateEstablished || tcb.state == StateFinWait1 || tcb.state == StateFinWait2) {
		if tcb.rcv.up.LessThan(seg.URG) {
			tcb.rcv.up = seg.URG
		}
	}

	acceptedData := false
	if len(payload) > 0 && tcb.rcv.nxt == seg.SEQ &&
		(tcb.state == StateEstablished || tcb.state == StateFinWait1 || tcb.state == StateFinWait2) {
		tcb.buf.append(payload)
		tcb.rcv.nxt = Add(tcb.rcv.nxt, Size(len(payload)))
		acceptedData = true
	}
	if acceptedData || (seg.Flags.HasAny(FlagPSH) && !acceptedData) {
		t.sendControl(tcb, Segment{SEQ: tcb.snd.nxt, ACK: tcb.rcv.nxt, Flags: FlagACK, WND: Size(tcb.buf.wnd)})
		tcb.cond.Broadcast()
	}

	if seg.Flags.HasAny(FlagFIN) {
		tcb.rcv.nxt = Add(tcb.rcv.nxt, 1)
		t.sendControl(tcb, Segment{SEQ: tcb.snd.nxt, ACK: tcb.rcv.nxt, Flags: FlagACK, WND: Size(tcb.buf.wnd)})
		switch tcb.state {
		case StateSynRcvd, StateEstablished:
			tcb.state = StateCloseWait
		case StateFinWait1:
			tcb.state = StateClosing
		case StateFinWait2:
			tcb.state = StateTimeWait
			tcb.armTimeWait(now)
		case StateTimeWait:
			tcb.armTimeWait(now)
		}
		tcb.cond.Broadcast()
	}
}

// pushBacklog enqueues a child TCB that just reached ESTABLISHED onto its
// listener's backlog, waking up any blocked Accept call.
func (t *Table) pushBacklog(child *TCB) {
	parent := &t.tcbs[child.parent]
	if parent.state != StateListen {
		// Listener went away (closed) while the handshake was completing.
		child.resetTCB()
		return
	}
	parent.backlog = append(parent.backlog, child.handle)
	parent.cond.Broadcast()
}
