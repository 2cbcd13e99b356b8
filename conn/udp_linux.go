package conn

import (
	"net/netip"
	"os"

	"golang.org/x/sys/unix"
)

// UDPSock is a non-blocking UDP socket identified by its raw fd, suitable
// for registration with the reactor.
type UDPSock struct {
	fd int
}

func newUDPSock(domain int) (*UDPSock, error) {
	fd, err := unix.Socket(domain, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	return &UDPSock{fd: fd}, nil
}

func domainForAddr(addr netip.Addr) int {
	if addr.Is4() || addr.Is4In6() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// DialUDP creates a connected non-blocking UDP socket to raddr.
func DialUDP(raddr netip.AddrPort) (*UDPSock, error) {
	s, err := newUDPSock(domainForAddr(raddr.Addr()))
	if err != nil {
		return nil, err
	}
	rsa, err := sockaddrFromAddrPort(raddr)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	if err = unix.Connect(s.fd, rsa); err != nil {
		_ = s.Close()
		return nil, os.NewSyscallError("connect", err)
	}
	return s, nil
}

// ListenUDP creates a bound non-blocking UDP socket on laddr.
func ListenUDP(laddr netip.AddrPort) (*UDPSock, error) {
	s, err := newUDPSock(domainForAddr(laddr.Addr()))
	if err != nil {
		return nil, err
	}
	if err = unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = s.Close()
		return nil, os.NewSyscallError("setsockopt", err)
	}
	lsa, err := sockaddrFromAddrPort(laddr)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	if err = unix.Bind(s.fd, lsa); err != nil {
		_ = s.Close()
		return nil, os.NewSyscallError("bind", err)
	}
	return s, nil
}

// WrapUDPFd adopts an existing UDP socket fd and switches it to
// non-blocking mode.
func WrapUDPFd(fd int) (*UDPSock, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, os.NewSyscallError("fcntl", err)
	}
	return &UDPSock{fd: fd}, nil
}

// Fd returns the raw file descriptor.
func (s *UDPSock) Fd() int {
	return s.fd
}

// LocalAddrPort returns the socket's bound address.
func (s *UDPSock) LocalAddrPort() (netip.AddrPort, error) {
	lsa, err := unix.Getsockname(s.fd)
	if err != nil {
		return netip.AddrPort{}, os.NewSyscallError("getsockname", err)
	}
	return addrPortFromSockaddr(lsa), nil
}

// Send writes one datagram on a connected socket.
func (s *UDPSock) Send(b []byte) (int, error) {
	n, err := unix.Write(s.fd, b)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Recv reads one datagram on a connected socket.
func (s *UDPSock) Recv(b []byte) (int, error) {
	return unix.Read(s.fd, b)
}

// SendTo writes one datagram to the given destination.
func (s *UDPSock) SendTo(b []byte, to netip.AddrPort) error {
	rsa, err := sockaddrFromAddrPort(to)
	if err != nil {
		return err
	}
	return unix.Sendto(s.fd, b, 0, rsa)
}

// RecvFrom reads one datagram and its source address.
func (s *UDPSock) RecvFrom(b []byte) (int, netip.AddrPort, error) {
	n, rsa, err := unix.Recvfrom(s.fd, b, 0)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	return n, addrPortFromSockaddr(rsa), nil
}

// Close closes the socket.
func (s *UDPSock) Close() error {
	return os.NewSyscallError("close", unix.Close(s.fd))
}
