// Package conn provides raw non-blocking UDP sockets for the resolver and
// server ports.
package conn

import (
	"errors"
	"net/netip"

	"golang.org/x/sys/unix"
)

// DNSPort is the well-known DNS port.
const DNSPort = 53

// IsEAGAIN returns whether err is the non-blocking-socket "try again" error.
// Such errors are backpressure, not failure.
func IsEAGAIN(err error) bool {
	return errors.Is(err, unix.EAGAIN)
}

func sockaddrFromAddrPort(addrPort netip.AddrPort) (unix.Sockaddr, error) {
	addr := addrPort.Addr()
	switch {
	case addr.Is4() || addr.Is4In6():
		return &unix.SockaddrInet4{
			Port: int(addrPort.Port()),
			Addr: addr.As4(),
		}, nil
	case addr.Is6():
		return &unix.SockaddrInet6{
			Port: int(addrPort.Port()),
			Addr: addr.As16(),
		}, nil
	default:
		return nil, errors.New("invalid address")
	}
}

func addrPortFromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}
