package tcb

import (
	"log/slog"

	"github.com/soypat/tcbstack/internal"
)

// logger embeds an optional *slog.Logger and offers trace/debug/error
// helpers that route through [internal.LogAttrs], which is swapped for a
// non-allocating variant under the debugheaplog build tag.
type logger struct {
	log *slog.Logger
}

func (l *logger) enabled(lvl slog.Level) bool {
	return internal.HeapAllocDebugging || internal.LogEnabled(l.log, lvl)
}

func (l *logger) logattrs(lvl slog.Level, msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, lvl, msg, attrs...)
}

func (l *logger) debug(msg string, attrs ...slog.Attr) { l.logattrs(slog.LevelDebug, msg, attrs...) }
func (l *logger) trace(msg string, attrs ...slog.Attr) { l.logattrs(internal.LevelTrace, msg, attrs...) }
func (l *logger) logerr(msg string, attrs ...slog.Attr) { l.logattrs(slog.LevelError, msg, attrs...) }

func (tcb *TCB) traceSeg(msg string, seg Segment) {
	if !tcb.logger.enabled(internal.LevelTrace) {
		return
	}
	tcb.trace(msg,
		slog.Int("handle", tcb.handle),
		slog.String("state", tcb.state.String()),
		slog.Uint64("seg.seq", uint64(seg.SEQ)),
		slog.Uint64("seg.ack", uint64(seg.ACK)),
		slog.Uint64("seg.wnd", uint64(seg.WND)),
		slog.String("seg.flags", seg.Flags.String()),
		slog.Uint64("seg.data", uint64(seg.DATALEN)),
	)
}

func (tcb *TCB) traceState(msg string) {
	if !tcb.logger.enabled(internal.LevelTrace) {
		return
	}
	tcb.trace(msg,
		slog.Int("handle", tcb.handle),
		slog.String("state", tcb.state.String()),
		slog.Uint64("snd.una", uint64(tcb.snd.una)),
		slog.Uint64("snd.nxt", uint64(tcb.snd.nxt)),
		slog.Uint64("rcv.nxt", uint64(tcb.rcv.nxt)),
	)
}
