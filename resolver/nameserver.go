package resolver

import (
	"errors"
	"net/netip"
	"time"

	"github.com/database64128/stubdns-go/conn"
	"github.com/database64128/stubdns-go/dnswire"
	"github.com/database64128/stubdns-go/reactor"
	"go.uber.org/zap"
)

// ErrDuplicateNameserver is returned when an address is already in the
// pool.
var ErrDuplicateNameserver = errors.New("nameserver already configured")

// probeBackoff is the retry schedule for DOWN nameservers, indexed by
// min(failedTimes, len-1).
var probeBackoff = [...]time.Duration{
	10 * time.Second,
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
	3600 * time.Second,
}

func probeBackoffDuration(failedTimes int) time.Duration {
	if failedTimes >= len(probeBackoff) {
		failedTimes = len(probeBackoff) - 1
	}
	return probeBackoff[failedTimes]
}

// packetConn is the connected-socket surface the resolver drives. It is
// satisfied by [conn.UDPSock].
type packetConn interface {
	Send(b []byte) (int, error)
	Recv(b []byte) (int, error)
	Fd() int
	Close() error
}

func isEAGAIN(err error) bool {
	return conn.IsEAGAIN(err)
}

// nameserver is one configured recursive resolver, a member of the pool's
// circular doubly-linked ring.
type nameserver struct {
	addr netip.Addr
	sock packetConn

	up          bool
	failedTimes int // consecutive failed probes, DOWN only
	timedout    int // consecutive request timeouts, UP only

	// choked marks a socket that returned EAGAIN; writes are deferred
	// until the reactor reports writability.
	choked       bool
	writeWaiting bool

	source     reactor.Source
	probeTimer reactor.Timer // armed iff DOWN

	prev, next *nameserver
}

// NameserverAdd adds an IPv4 recursive nameserver to the pool.
func (r *Resolver) NameserverAdd(addr netip.Addr) error {
	if !addr.Is4() && !addr.Is4In6() {
		return errors.New("nameserver address is not IPv4")
	}
	addr = addr.Unmap()

	if server := r.serverHead; server != nil {
		for {
			if server.addr == addr {
				return ErrDuplicateNameserver
			}
			server = server.next
			if server == r.serverHead {
				break
			}
		}
	}

	sock, err := r.dial(addr)
	if err != nil {
		return err
	}

	ns := &nameserver{
		addr: addr,
		sock: sock,
		up:   true,
	}
	ns.source, err = r.reactor.OnReady(sock.Fd(),
		func() { r.nameserverRead(ns) },
		func() { r.nameserverWritable(ns) },
	)
	if err != nil {
		_ = sock.Close()
		return err
	}

	if r.serverHead == nil {
		ns.next = ns
		ns.prev = ns
		r.serverHead = ns
	} else {
		ns.next = r.serverHead.next
		ns.prev = r.serverHead
		ns.next.prev = ns
		r.serverHead.next = ns
	}

	r.goodNameservers++
	r.metrics.SetGoodNameservers(r.goodNameservers)
	r.logger.Debug("Added nameserver", zap.Stringer("nameserver", addr))
	return nil
}

// NameserverIPAdd parses a dotted-quad address and adds it to the pool.
func (r *Resolver) NameserverIPAdd(s string) error {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return err
	}
	return r.NameserverAdd(addr)
}

// CountNameservers returns the pool size, UP and DOWN alike.
func (r *Resolver) CountNameservers() int {
	n := 0
	if server := r.serverHead; server != nil {
		for {
			n++
			server = server.next
			if server == r.serverHead {
				break
			}
		}
	}
	return n
}

// pickNameserver selects the next nameserver round-robin, skipping DOWN
// servers while any UP server remains. The ring head doubles as the
// rotating cursor.
func (r *Resolver) pickNameserver() *nameserver {
	if r.serverHead == nil {
		return nil
	}

	if r.goodNameservers == 0 {
		// Everything is down; still return something to attempt.
		r.serverHead = r.serverHead.next
		return r.serverHead
	}

	startedAt := r.serverHead
	for {
		if r.serverHead.up {
			picked := r.serverHead
			r.serverHead = r.serverHead.next
			return picked
		}
		r.serverHead = r.serverHead.next
		if r.serverHead == startedAt {
			picked := r.serverHead
			r.serverHead = r.serverHead.next
			return picked
		}
	}
}

// nameserverFailed marks ns DOWN, arms its probe timer, and reassigns any
// inflight requests that have not yet hit the wire.
func (r *Resolver) nameserverFailed(ns *nameserver, reason string) {
	// Already marked as failed, nothing to do.
	if !ns.up {
		return
	}

	r.logger.Warn("Nameserver has failed",
		zap.Stringer("nameserver", ns.addr),
		zap.String("reason", reason),
	)

	r.goodNameservers--
	r.metrics.SetGoodNameservers(r.goodNameservers)
	r.metrics.NameserverFailed()
	if r.goodNameservers == 0 {
		r.logger.Warn("All nameservers have failed")
	}

	ns.up = false
	ns.failedTimes = 1

	if ns.probeTimer == nil {
		ns.probeTimer = r.reactor.AfterFunc(probeBackoffDuration(0), func() {
			r.sendProbe(ns)
		})
	} else {
		ns.probeTimer.Reset(probeBackoffDuration(0))
	}

	// Requests that are still waiting to hit the wire can be moved to
	// another server. There's no point if nothing is up.
	if r.goodNameservers == 0 {
		return
	}
	if req := r.reqHead; req != nil {
		for {
			if req.txCount == 0 && req.ns == ns {
				req.ns = r.pickNameserver()
			}
			req = req.next
			if req == r.reqHead {
				break
			}
		}
	}
}

// nameserverUp returns ns to the rotation.
func (r *Resolver) nameserverUp(ns *nameserver) {
	if ns.up {
		return
	}
	r.logger.Warn("Nameserver is back up", zap.Stringer("nameserver", ns.addr))
	if ns.probeTimer != nil {
		ns.probeTimer.Stop()
	}
	ns.up = true
	ns.failedTimes = 0
	ns.timedout = 0
	r.goodNameservers++
	r.metrics.SetGoodNameservers(r.goodNameservers)
}

// nameserverProbeFailed backs off the probe timer after an unanswered or
// bad probe.
func (r *Resolver) nameserverProbeFailed(ns *nameserver) {
	if ns.up {
		// The nameserver can act in a way which makes us mark it as bad
		// and then start sending good replies.
		return
	}
	backoff := probeBackoffDuration(ns.failedTimes)
	ns.failedTimes++
	ns.probeTimer.Reset(backoff)
}

// sendProbe issues a canary query directly into the inflight queue,
// bypassing the capacity check.
func (r *Resolver) sendProbe(ns *nameserver) {
	r.logger.Debug("Sending probe", zap.Stringer("nameserver", ns.addr))

	req, err := r.newRequest(dnswire.TypeA, r.cfg.ProbeName, func(reply Reply, _ any) {
		if reply.Errcode == ErrcodeNone || reply.Errcode == ErrcodeNotExist {
			r.metrics.Probe("ok")
			r.nameserverUp(ns)
		} else {
			r.metrics.Probe("failed")
			r.nameserverProbeFailed(ns)
		}
	}, nil)
	if err != nil {
		r.logger.Warn("Failed to build probe request",
			zap.Stringer("nameserver", ns.addr),
			zap.Error(err),
		)
		return
	}

	r.setRequestTransID(req, r.pickTransID())
	req.ns = ns
	r.submitRequest(req)
}

// nameserverRead drains the server's socket and dispatches each datagram.
func (r *Resolver) nameserverRead(ns *nameserver) {
	var packet [dnswire.MaxPacketSize]byte
	for {
		n, err := ns.sock.Recv(packet[:])
		if err != nil {
			if isEAGAIN(err) {
				return
			}
			r.nameserverFailed(ns, err.Error())
			return
		}
		// Any valid datagram is evidence of liveness.
		ns.timedout = 0
		r.processReply(packet[:n])
	}
}

// nameserverWriteWaiting subscribes or unsubscribes ns from write-ready
// events.
func (r *Resolver) nameserverWriteWaiting(ns *nameserver, waiting bool) {
	if ns.writeWaiting == waiting {
		return
	}
	ns.writeWaiting = waiting
	if err := ns.source.SetWriteInterest(waiting); err != nil {
		r.logger.Warn("Failed to update write interest",
			zap.Stringer("nameserver", ns.addr),
			zap.Error(err),
		)
	}
}

// nameserverWritable handles a write-ready event on the server's socket.
func (r *Resolver) nameserverWritable(ns *nameserver) {
	ns.choked = false
	if !r.transmitSweep() {
		r.nameserverWriteWaiting(ns, false)
	}
}
