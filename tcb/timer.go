package tcb

import "time"

const timerPeriod = 100 * time.Millisecond

// RunTimer is the timer driver (C6): it runs until stop is closed, waking
// every 100ms (or earlier, if the RX path signals the timer condition
// variable after advancing snd.una) to expire timed-out connections and
// service the retransmit queue. Callers are expected to run it in its own
// goroutine for the lifetime of the Table.
func (t *Table) RunTimer(stop <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		deadline := time.Now().Add(timerPeriod)
		for {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			wake := time.AfterFunc(remaining, func() {
				t.mu.Lock()
				t.timerCond.Broadcast()
				t.mu.Unlock()
			})
			t.timerCond.Wait()
			wake.Stop()
			select {
			case <-stop:
				return
			default:
			}
			break // deadline reached or early wakeup: service the table now
		}
		select {
		case <-stop:
			return
		default:
		}
		t.tick(t.now())
	}
}

// tick performs one timer sweep across every TCB: expiring USER_TIMEOUT
// and TIME_WAIT deadlines, then servicing each connection's retransmit
// queue.
func (t *Table) tick(now int64) {
	for i := range t.tcbs {
		tcb := &t.tcbs[i]
		if tcb.state == StateClosed {
			continue
		}
		if tcb.timeout != 0 && now >= tcb.timeout &&
			(tcb.snd.una != tcb.snd.nxt || tcb.state == StateTimeWait) {
			tcb.resetTCB()
			tcb.cond.Broadcast()
			continue
		}
		t.serviceRetransmitQueue(tcb, now)
	}
}

// serviceRetransmitQueue walks a TCB's txq: unsent entries (deferred
// because the window was exhausted, or because an earlier unsent entry was
// queued ahead of them) are sent if there is now room; entries sent more
// than 3 seconds ago are retransmitted with a refreshed ack field and
// checksum. The in-window accumulator never exceeds snd.wnd.
func (t *Table) serviceRetransmitQueue(tcb *TCB, now int64) {
	var inWindow Size
	tcb.txq.forEach(func(e *txEntry) {
		if e.sent != 0 && now-e.sent < retransmitSeconds {
			inWindow += e.datalen
			return
		}
		isSyn := e.flags.HasAny(FlagSYN)
		if !isSyn && inWindow+e.datalen > tcb.snd.wnd {
			return // still doesn't fit in the peer's advertised window
		}
		t.refreshAndResend(tcb, e, now)
		inWindow += e.datalen
	})
}

// refreshAndResend rewrites the ack field and checksum of a queued entry
// (the peer's rcv.nxt may have advanced since the entry was first built)
// and hands it to the IP layer again.
func (t *Table) refreshAndResend(tcb *TCB, e *txEntry, now int64) {
	frm, err := NewFrame(e.frame)
	if err != nil {
		return
	}
	frm.SetAck(tcb.rcv.nxt)
	frm.SetWindowSize(uint16(tcb.buf.wnd))
	setChecksum(frm, tcb.localAddr, tcb.peerAddr)
	if e.sent == 0 {
		tcb.txq.snt += e.datalen
	}
	e.sent = now
	t.transmitFrame(tcb, e.frame)
}
