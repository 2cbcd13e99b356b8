// Package dnsserver implements a lightweight authoritative responder: a
// bound UDP socket accepting DNS queries, an answer-assembly API, and a
// backpressured reply flush, all sharing the dnswire codec.
//
// Like the resolver, a Port is single-threaded: every method must be
// called on the reactor loop goroutine.
package dnsserver

import (
	"errors"
	"net/netip"

	"github.com/database64128/stubdns-go/conn"
	"github.com/database64128/stubdns-go/dnswire"
	"github.com/database64128/stubdns-go/metrics"
	"github.com/database64128/stubdns-go/reactor"
	"go.uber.org/zap"
	"go4.org/netipx"
)

// ErrResponseBuilt is returned when records are attached to a request
// whose response has already been serialized.
var ErrResponseBuilt = errors.New("response already built")

// Callback handles one incoming query. It runs on the reactor loop
// goroutine and must either attach records and call
// [ServerRequest.Respond], or call [ServerRequest.Drop].
type Callback func(req *ServerRequest)

// packetConn is the bound-socket surface a port drives. It is satisfied
// by [conn.UDPSock].
type packetConn interface {
	SendTo(b []byte, to netip.AddrPort) error
	RecvFrom(b []byte) (int, netip.AddrPort, error)
	Fd() int
	Close() error
}

// Port is a bound UDP socket hosting a query callback.
type Port struct {
	logger   *zap.Logger
	sock     packetConn
	source   reactor.Source
	callback Callback
	metrics  *metrics.ServerMetrics

	// acl, when non-nil, limits which client addresses are answered.
	acl *netipx.IPSet

	// choked marks a socket that returned EAGAIN on sendto; replies
	// queue on pendingHead until the reactor reports writability.
	choked      bool
	pendingHead *ServerRequest
	numPending  int
}

// NewPort registers a bound UDP socket with the reactor and starts
// accepting queries. acl and m may be nil. The port takes ownership of
// the socket; [Port.Close] closes it.
func NewPort(re reactor.Reactor, sock *conn.UDPSock, callback Callback, acl *netipx.IPSet, logger *zap.Logger, m *metrics.ServerMetrics) (*Port, error) {
	return newPort(re, sock, callback, acl, logger, m)
}

// NewPortFromFd adopts an existing UDP socket fd, switches it to
// non-blocking mode, and accepts queries on it.
func NewPortFromFd(re reactor.Reactor, fd int, callback Callback, logger *zap.Logger) (*Port, error) {
	sock, err := conn.WrapUDPFd(fd)
	if err != nil {
		return nil, err
	}
	return newPort(re, sock, callback, nil, logger, nil)
}

func newPort(re reactor.Reactor, sock packetConn, callback Callback, acl *netipx.IPSet, logger *zap.Logger, m *metrics.ServerMetrics) (*Port, error) {
	p := &Port{
		logger:   logger,
		sock:     sock,
		callback: callback,
		metrics:  m,
		acl:      acl,
	}
	source, err := re.OnReady(sock.Fd(),
		p.read,
		p.flushPending,
	)
	if err != nil {
		return nil, err
	}
	p.source = source
	return p, nil
}

// Close unregisters and closes the port's socket. Pending replies are
// discarded.
func (p *Port) Close() error {
	p.pendingHead = nil
	p.numPending = 0
	if err := p.source.Close(); err != nil {
		_ = p.sock.Close()
		return err
	}
	return p.sock.Close()
}

// read drains the socket and hands each parsed query to the callback.
func (p *Port) read() {
	var packet [dnswire.MaxPacketSize]byte
	for {
		n, peer, err := p.sock.RecvFrom(packet[:])
		if err != nil {
			if conn.IsEAGAIN(err) {
				return
			}
			p.logger.Warn("Failed to read from server port", zap.Error(err))
			return
		}
		p.handlePacket(packet[:n], peer)
	}
}

func (p *Port) handlePacket(pkt []byte, peer netip.AddrPort) {
	if p.acl != nil && !p.acl.Contains(peer.Addr().Unmap()) {
		p.metrics.Dropped()
		if ce := p.logger.Check(zap.DebugLevel, "Dropping query from disallowed client"); ce != nil {
			ce.Write(zap.Stringer("peer", peer))
		}
		return
	}

	hdr, err := dnswire.ParseHeader(pkt)
	if err != nil {
		return
	}
	// Must not be an answer.
	if hdr.IsResponse() {
		return
	}
	questions, err := dnswire.ParseQuestions(pkt, hdr)
	if err != nil {
		return
	}

	p.metrics.Query()
	p.callback(&ServerRequest{
		port:      p,
		transID:   hdr.TransID,
		flags:     hdr.Flags,
		peer:      peer,
		Questions: questions,
	})
}

// flushPending sends queued replies in order once the socket is writable
// again, then drops the write subscription.
func (p *Port) flushPending() {
	for p.pendingHead != nil {
		req := p.pendingHead
		if err := p.sock.SendTo(req.response, req.peer); err != nil {
			if conn.IsEAGAIN(err) {
				return
			}
			p.logger.Warn("Failed to flush pending reply",
				zap.Stringer("peer", req.peer),
				zap.Error(err),
			)
			return
		}
		p.metrics.Reply()
		p.unlinkPending(req)
	}

	p.choked = false
	if err := p.source.SetWriteInterest(false); err != nil {
		p.logger.Warn("Failed to update write interest", zap.Error(err))
	}
	p.metrics.SetPendingReplies(0)
}

func (p *Port) linkPending(req *ServerRequest) {
	if p.pendingHead == nil {
		req.prevPending = req
		req.nextPending = req
		p.pendingHead = req
	} else {
		req.prevPending = p.pendingHead.prevPending
		req.nextPending = p.pendingHead
		req.prevPending.nextPending = req
		req.nextPending.prevPending = req
	}
	p.numPending++
	p.metrics.SetPendingReplies(p.numPending)
}

func (p *Port) unlinkPending(req *ServerRequest) {
	if req.nextPending == nil {
		return
	}
	if req.nextPending == req {
		p.pendingHead = nil
	} else {
		req.nextPending.prevPending = req.prevPending
		req.prevPending.nextPending = req.nextPending
		if p.pendingHead == req {
			p.pendingHead = req.nextPending
		}
	}
	req.nextPending = nil
	req.prevPending = nil
	p.numPending--
	p.metrics.SetPendingReplies(p.numPending)
}
