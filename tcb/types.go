// Package tcb implements a user-space Transmission Control Protocol engine
// per RFC 793: a fixed-size connection table, the segment-arrives state
// machine, a retransmission queue, and a timer driver, all serialized under
// a single global mutex. The package offers a blocking socket-style
// application surface (Open/Bind/Listen/Accept/Connect/Send/Recv/Close) on
// top of that engine; an [Endpoint] supplies the underlying IPv4 datagram
// service.
package tcb

import "math/bits"

// Value is a TCP sequence number. Arithmetic on Value wraps modulo 2**32
// per RFC 793 §3.3; comparisons must use [Value.LessThan] and
// [Value.LessThanEq] rather than the native < and <= operators, which do
// not account for wraparound.
type Value uint32

// Size is a byte count bounded to what fits in a TCP segment or window field.
type Size uint32

// Add returns the sequence number v+n, wrapping modulo 2**32.
func Add(v Value, n Size) Value { return v + Value(n) }

// Sizeof returns the number of bytes between a (inclusive) and b (exclusive)
// in sequence-number space, i.e. b-a performed with wraparound.
func Sizeof(a, b Value) Size { return Size(b - a) }

// LessThan implements modular "before" comparison: a is ordered before b if
// the signed difference b-a is positive. This is the standard RFC 1982-style
// serial number comparison used throughout RFC 793 for wraparound-safe
// sequence arithmetic.
func (a Value) LessThan(b Value) bool {
	return int32(a-b) < 0
}

// LessThanEq is LessThan or equal.
func (a Value) LessThanEq(b Value) bool {
	return a == b || a.LessThan(b)
}

// InWindow reports whether v falls in [start, start+size) modulo 2**32.
func (v Value) InWindow(start Value, size Size) bool {
	if size == 0 {
		return false
	}
	return Sizeof(start, v) < size
}

// Flags is the set of TCP control bits carried in the 6 low bits of the
// flags/offset byte (URG/ECE/CWR and NS are accepted on the wire but never
// produced by this implementation).
type Flags uint16

const (
	FlagFIN Flags = 1 << iota // no more data from sender
	FlagSYN                   // synchronize sequence numbers
	FlagRST                   // reset the connection
	FlagPSH                   // push function
	FlagACK                   // acknowledgment field significant
	FlagURG                   // urgent pointer field significant
	FlagECE
	FlagCWR
	FlagNS
)

const flagMask = 0x01ff

const (
	flagSynAck = FlagSYN | FlagACK
	flagFinAck = FlagFIN | FlagACK
	flagPshAck = FlagPSH | FlagACK
)

// HasAll reports whether every bit in mask is set in flags.
func (f Flags) HasAll(mask Flags) bool { return f&mask == mask }

// HasAny reports whether any bit in mask is set in flags.
func (f Flags) HasAny(mask Flags) bool { return f&mask != 0 }

// Mask clears any bits outside the defined flag range.
func (f Flags) Mask() Flags { return f & flagMask }

func (f Flags) String() string {
	switch f {
	case 0:
		return "[]"
	case flagSynAck:
		return "[SYN,ACK]"
	case flagFinAck:
		return "[FIN,ACK]"
	case flagPshAck:
		return "[PSH,ACK]"
	case FlagACK:
		return "[ACK]"
	case FlagSYN:
		return "[SYN]"
	case FlagFIN:
		return "[FIN]"
	case FlagRST:
		return "[RST]"
	}
	buf := make([]byte, 0, 2+4*bits.OnesCount16(uint16(f)))
	buf = append(buf, '[')
	buf = f.AppendFormat(buf)
	buf = append(buf, ']')
	return string(buf)
}

// AppendFormat appends a human readable comma-separated flag list to b.
func (f Flags) AppendFormat(b []byte) []byte {
	if f == 0 {
		return b
	}
	const width = 3
	const names = "FINSYNRSTPSHACKURGECECWRNS "
	comma := false
	for f != 0 {
		i := bits.TrailingZeros16(uint16(f))
		if comma {
			b = append(b, ',')
		}
		comma = true
		b = append(b, names[i*width:i*width+width]...)
		f &= ^(1 << i)
	}
	return b
}

// Segment is a TCP segment reduced to the fields the state machine needs to
// reason about sequence-number accounting; it carries no payload bytes
// itself (see [Frame] for the wire encoding).
type Segment struct {
	SEQ     Value
	ACK     Value
	DATALEN Size
	WND     Size
	Flags   Flags
	// URG is the urgent pointer field, meaningful only when Flags has
	// FlagURG set. Urgent data delivery semantics are out of scope; the
	// pointer is recorded on the TCB but never acted upon.
	URG Value
}

// LEN returns the number of sequence numbers the segment occupies,
// including the synthetic octets contributed by SYN and FIN.
func (seg *Segment) LEN() Size {
	add := Size(seg.Flags>>0) & 1 // FIN bit
	add += Size(seg.Flags>>1) & 1 // SYN bit
	return seg.DATALEN + add
}

// Last returns the sequence number of the final octet occupied by seg.
func (seg *Segment) Last() Value {
	n := seg.LEN()
	if n == 0 {
		return seg.SEQ
	}
	return Add(seg.SEQ, n) - 1
}

// State enumerates the states of the RFC 793 TCP finite-state machine.
type State uint8

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateClosing
	StateTimeWait
	StateCloseWait
	StateLastAck
)

// IsPreestablished reports whether s precedes ESTABLISHED in a connection's
// normal lifecycle (LISTEN and both SYN states).
func (s State) IsPreestablished() bool {
	return s == StateListen || s == StateSynSent || s == StateSynRcvd
}

// IsClosing reports whether s is a post-ESTABLISHED teardown state.
func (s State) IsClosing() bool { return s > StateEstablished }

// IsSynchronized reports whether the connection has completed its handshake.
func (s State) IsSynchronized() bool { return s >= StateEstablished }

// HasIRS reports whether the state implies a peer initial sequence number
// has already been recorded.
func (s State) HasIRS() bool {
	return s != StateClosed && s != StateListen && s != StateSynSent
}
