package tcb

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed TCP header length used throughout this
// implementation; options negotiation is out of scope, so the header never
// carries a variable-length options section.
const HeaderSize = 20

// NewFrame wraps buf as a TCP segment view. buf must be at least
// [HeaderSize] bytes; the remainder, if any, is the payload.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < HeaderSize {
		return Frame{}, errShortBuffer
	}
	return Frame{buf: buf}, nil
}

// Frame is a read/write view over a 20-byte TCP header plus payload,
// addressing fields directly in the backing buffer.
type Frame struct {
	buf []byte
}

// RawData returns the full backing buffer, header and payload included.
func (f Frame) RawData() []byte { return f.buf }

func (f Frame) SourcePort() uint16      { return binary.BigEndian.Uint16(f.buf[0:2]) }
func (f Frame) SetSourcePort(p uint16)  { binary.BigEndian.PutUint16(f.buf[0:2], p) }
func (f Frame) DestinationPort() uint16 { return binary.BigEndian.Uint16(f.buf[2:4]) }
func (f Frame) SetDestinationPort(p uint16) {
	binary.BigEndian.PutUint16(f.buf[2:4], p)
}

func (f Frame) Seq() Value     { return Value(binary.BigEndian.Uint32(f.buf[4:8])) }
func (f Frame) SetSeq(v Value) { binary.BigEndian.PutUint32(f.buf[4:8], uint32(v)) }
func (f Frame) Ack() Value     { return Value(binary.BigEndian.Uint32(f.buf[8:12])) }
func (f Frame) SetAck(v Value) { binary.BigEndian.PutUint32(f.buf[8:12], uint32(v)) }

// OffsetAndFlags returns the data offset (in 32-bit words) and the flag bits.
func (f Frame) OffsetAndFlags() (offset uint8, flags Flags) {
	v := binary.BigEndian.Uint16(f.buf[12:14])
	return uint8(v >> 12), Flags(v).Mask()
}

func (f Frame) SetOffsetAndFlags(offset uint8, flags Flags) {
	v := uint16(offset)<<12 | uint16(flags.Mask())
	binary.BigEndian.PutUint16(f.buf[12:14], v)
}

// HeaderLength returns the header length in bytes as encoded in the offset
// field; this implementation always writes 5 (20 bytes, no options) but
// parses whatever a peer sends to stay honest about incoming segments.
func (f Frame) HeaderLength() int {
	offset, _ := f.OffsetAndFlags()
	return 4 * int(offset)
}

func (f Frame) WindowSize() uint16     { return binary.BigEndian.Uint16(f.buf[14:16]) }
func (f Frame) SetWindowSize(w uint16) { binary.BigEndian.PutUint16(f.buf[14:16], w) }
func (f Frame) CRC() uint16            { return binary.BigEndian.Uint16(f.buf[16:18]) }
func (f Frame) SetCRC(sum uint16)      { binary.BigEndian.PutUint16(f.buf[16:18], sum) }
func (f Frame) UrgentPtr() uint16      { return binary.BigEndian.Uint16(f.buf[18:20]) }
func (f Frame) SetUrgentPtr(up uint16) { binary.BigEndian.PutUint16(f.buf[18:20], up) }

// Payload returns the segment's data section, i.e. everything past the
// header. Call [Frame.ValidateSize] first on untrusted input.
func (f Frame) Payload() []byte { return f.buf[f.HeaderLength():] }

// Segment builds the [Segment] view of the frame's header fields given the
// already-known payload size.
func (f Frame) Segment(payloadSize int) Segment {
	return Segment{
		SEQ:     f.Seq(),
		ACK:     f.Ack(),
		WND:     Size(f.WindowSize()),
		DATALEN: Size(payloadSize),
		Flags:   Flags(binary.BigEndian.Uint16(f.buf[12:14])).Mask(),
		URG:     Value(f.UrgentPtr()),
	}
}

// SetSegment writes seg's sequence, ack, flags and window fields into the
// header; offset is always [HeaderSize]/4 since no options are emitted.
func (f Frame) SetSegment(seg Segment) {
	f.SetSeq(seg.SEQ)
	f.SetAck(seg.ACK)
	f.SetOffsetAndFlags(HeaderSize/4, seg.Flags)
	f.SetWindowSize(uint16(seg.WND))
	f.SetUrgentPtr(uint16(seg.URG))
}

// ClearHeader zeros the fixed header portion of the frame.
func (f Frame) ClearHeader() {
	for i := range f.buf[:HeaderSize] {
		f.buf[i] = 0
	}
}

// ValidateSize reports whether the frame's declared header length is
// consistent with RFC 793 (no smaller than 20 bytes) and with the size of
// the backing buffer.
func (f Frame) ValidateSize() error {
	off := f.HeaderLength()
	if off < HeaderSize {
		return errShortBuffer
	}
	if off > len(f.buf) {
		return errShortBuffer
	}
	return nil
}

func (f Frame) String() string {
	seg := f.Segment(len(f.Payload()))
	return fmt.Sprintf("TCP :%d -> :%d %s", f.SourcePort(), f.DestinationPort(), seg.String())
}

func (seg Segment) String() string {
	b := make([]byte, 0, 48)
	b = append(b, "<SEQ="...)
	b = appendUint(b, uint64(seg.SEQ))
	b = append(b, ">"...)
	if seg.Flags.HasAny(FlagACK) {
		b = append(b, "<ACK="...)
		b = appendUint(b, uint64(seg.ACK))
		b = append(b, ">"...)
	}
	if seg.DATALEN > 0 {
		b = append(b, "<DATA="...)
		b = appendUint(b, uint64(seg.DATALEN))
		b = append(b, ">"...)
	}
	b = append(b, seg.Flags.String()...)
	return string(b)
}

func appendUint(b []byte, v uint64) []byte {
	var tmp [20]byte
	i := len(tmp)
	if v == 0 {
		return append(b, '0')
	}
	for v > 0 {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
	}
	return append(b, tmp[i:]...)
}
