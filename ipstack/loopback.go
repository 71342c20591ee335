// Package ipstack provides the IPv4 datagram collaborators the tcb engine
// treats as external: a Linux raw-socket transport for talking to real
// peers, and an in-memory loopback transport for driving two tcb.Tables
// against each other in tests without touching the network.
package ipstack

import "net"

// Deliverer is satisfied by *tcb.Table; kept as a narrow interface here so
// this package does not need to import tcb, whose Endpoint interface the
// types in this package implement.
type Deliverer interface {
	Deliver(src, dst [4]byte, segment []byte) error
}

// Loopback is an in-memory IPv4 collaborator connecting exactly two
// tcb.Tables without any socket or goroutine of its own: SendTCP delivers
// synchronously to the peer's Table.Deliver. It is intended for tests and
// same-process client/server scenarios, mirroring the two-instance test
// harnesses used throughout the corpus this engine was built from.
type Loopback struct {
	LocalAddr [4]byte
	PeerAddr  [4]byte
	Peer      Deliverer
}

// SendTCP hands segment directly to the peer Table's RX entry point.
func (l *Loopback) SendTCP(dst [4]byte, segment []byte) error {
	return l.Peer.Deliver(l.LocalAddr, dst, segment)
}

// RouteLocalAddr always returns the fixed LocalAddr: a loopback transport
// connects exactly one pair of endpoints, so there is no real routing
// decision to make.
func (l *Loopback) RouteLocalAddr(peer [4]byte) ([4]byte, error) {
	return l.LocalAddr, nil
}

// DroppingLoopback wraps a Loopback and silently discards the next N
// segments sent, used to exercise the retransmission scenario (segment
// dropped at the IP layer, recovered 3 seconds later by the timer).
type DroppingLoopback struct {
	Loopback
	Drop int
}

func (l *DroppingLoopback) SendTCP(dst [4]byte, segment []byte) error {
	if l.Drop > 0 {
		l.Drop--
		return nil
	}
	return l.Loopback.SendTCP(dst, segment)
}

// ParseIPv4 parses a dotted-quad string into the [4]byte form used
// throughout this package. It panics on malformed input, so it is meant for
// tests and static configuration, not for parsing untrusted input.
func ParseIPv4(s string) [4]byte {
	ip := net.ParseIP(s).To4()
	if ip == nil {
		panic("ipstack: invalid IPv4 address " + s)
	}
	var out [4]byte
	copy(out[:], ip)
	return out
}
