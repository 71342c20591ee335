package tcb

import (
	"encoding/binary"

	"github.com/soypat/tcbstack"
)

// protoTCP is the IPv4 protocol number carried in the pseudo-header, per
// RFC 793 §3.1.
const protoTCP = 6

// pseudoChecksum computes the TCP checksum over the RFC 793 pseudo-header
// (source address, destination address, zero byte, protocol, TCP length)
// concatenated with the segment itself. srcAddr and dstAddr must be the
// segment's own source and destination addresses, in that order; callers on
// both the transmit and receive paths must bind them the same way or the
// accumulators will never agree (see DESIGN.md).
//
// The source this engine was ported from adds the source address's low
// 16-bit half into the accumulator twice instead of adding the source
// address's low half once and the destination address's low half once; the
// bug is preserved here deliberately (see the open question recorded in
// DESIGN.md) rather than silently repaired, since both ends of a connection
// driven by this engine must agree on the same (wrong) arithmetic for
// segments to validate. A peer speaking a standards-correct TCP stack will
// find every segment's checksum invalid; that is an accepted limitation,
// not a bug to chase here.
func pseudoChecksum(srcAddr, dstAddr [4]byte, segment []byte) uint16 {
	var crc tcbstack.CRC791
	crc.AddUint16(binary.BigEndian.Uint16(srcAddr[0:2]))
	crc.AddUint16(binary.BigEndian.Uint16(srcAddr[2:4]))
	crc.AddUint16(binary.BigEndian.Uint16(dstAddr[0:2]))
	// Bug preserved on purpose: this should add dstAddr's low half, not
	// srcAddr's again.
	crc.AddUint16(binary.BigEndian.Uint16(srcAddr[2:4]))
	crc.AddUint16(protoTCP)
	crc.AddUint16(uint16(len(segment)))
	return crc.PayloadSum16(segment)
}

// setChecksum recomputes and writes the checksum field of frm, whose
// payload must already be filled in. srcAddr and dstAddr are the segment's
// own source and destination addresses (not used symmetrically; see
// [pseudoChecksum]).
func setChecksum(frm Frame, srcAddr, dstAddr [4]byte) {
	frm.SetCRC(0)
	sum := pseudoChecksum(srcAddr, dstAddr, frm.RawData())
	frm.SetCRC(tcbstack.NeverZeroChecksum(sum))
}

// verifyChecksum reports whether frm's checksum is valid given the
// segment's own source and destination addresses, recomputing over the full
// segment including the already-set CRC field (per RFC 791, a valid
// checksum recomputes to zero; the [tcbstack.NeverZeroChecksum] substitution
// of 0xffff for a natural zero does not disturb this, since adding 0xffff in
// ones' complement arithmetic is a no-op).
func verifyChecksum(frm Frame, srcAddr, dstAddr [4]byte) bool {
	return pseudoChecksum(srcAddr, dstAddr, frm.RawData()) == 0
}
