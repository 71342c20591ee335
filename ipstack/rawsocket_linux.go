//go:build linux

package ipstack

import (
	"encoding/binary"
	"errors"
	"net"

	"golang.org/x/sys/unix"

	"github.com/soypat/tcbstack/internal"
)

const ipProtoTCP = 6

// RawSocket is the production IPv4 collaborator: an IPPROTO_TCP raw socket
// bound to a single local address, with IP_HDRINCL set so this package
// controls the IPv4 header on send and can recover the real source/
// destination addresses on receive.
type RawSocket struct {
	fd   int
	addr [4]byte
}

// NewRawSocket opens a raw IPPROTO_TCP socket bound to local. Requires
// CAP_NET_RAW (or root) like any raw socket.
func NewRawSocket(local [4]byte) (*RawSocket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, ipProtoTCP)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		unix.Close(fd)
		return nil, err
	}
	sa := &unix.SockaddrInet4{Addr: local}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &RawSocket{fd: fd, addr: local}, nil
}

// Close releases the underlying file descriptor.
func (r *RawSocket) Close() error { return unix.Close(r.fd) }

// SendTCP wraps segment in a minimal IPv4 header and writes it to the raw
// socket addressed at dst.
func (r *RawSocket) SendTCP(dst [4]byte, segment []byte) error {
	pkt := make([]byte, 20+len(segment))
	writeIPv4Header(pkt, r.addr, dst, len(segment))
	copy(pkt[20:], segment)
	sa := &unix.SockaddrInet4{Addr: dst}
	return unix.Sendto(r.fd, pkt, 0, sa)
}

// RouteLocalAddr returns the bound local address; this stack does not
// consult the kernel routing table, so every active open uses the address
// the socket was opened with regardless of peer.
func (r *RawSocket) RouteLocalAddr(peer [4]byte) ([4]byte, error) {
	return r.addr, nil
}

// ReadLoop blocks reading datagrams off the raw socket and calls deliver
// for each one with the parsed source/destination addresses and the TCP
// segment bytes, until stop is closed. Transient read errors (EAGAIN,
// EINTR) are retried with an exponential backoff rather than propagated.
func (r *RawSocket) ReadLoop(stop <-chan struct{}, deliver func(src, dst [4]byte, segment []byte) error) error {
	buf := make([]byte, 65535)
	backoff := internal.NewBackoff(internal.BackoffCriticalPath)
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		n, _, err := unix.Recvfrom(r.fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				backoff.Miss()
				continue
			}
			return err
		}
		backoff.Hit()
		src, dst, _, ipEndOff, err := internal.GetIPAddr(buf[:n])
		if err != nil || len(src) != 4 || len(dst) != 4 {
			continue
		}
		var srcAddr, dstAddr [4]byte
		copy(srcAddr[:], src)
		copy(dstAddr[:], dst)
		_ = deliver(srcAddr, dstAddr, buf[int(ipEndOff):n])
	}
}

func writeIPv4Header(buf []byte, src, dst [4]byte, payloadLen int) {
	buf[0] = 0x45 // version 4, IHL 5 words
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[2:4], uint16(20+payloadLen))
	binary.BigEndian.PutUint16(buf[4:6], 0) // identification: left to the kernel/fragmentation layer
	buf[6], buf[7] = 0x40, 0x00              // don't fragment
	buf[8] = 64                              // TTL
	buf[9] = ipProtoTCP
	copy(buf[12:16], src[:])
	copy(buf[16:20], dst[:])
}

// LookupInterfaceAddr returns the first IPv4 address bound to the named
// network interface, used to configure a [RawSocket] at startup.
func LookupInterfaceAddr(name string) ([4]byte, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return [4]byte{}, err
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return [4]byte{}, err
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipnet.IP.To4()
		if ip4 == nil {
			continue
		}
		var out [4]byte
		copy(out[:], ip4)
		return out, nil
	}
	return [4]byte{}, errors.New("ipstack: no IPv4 address on interface " + name)
}
