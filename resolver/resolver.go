// Package resolver implements the asynchronous DNS stub resolver engine:
// request queues, nameserver pool with probe-based recovery, reply
// dispatch, search-list expansion, and resolv.conf configuration.
//
// A Resolver is single-threaded: every method must be called on the
// reactor loop goroutine, or before the loop starts running. User
// callbacks are invoked on the loop goroutine and may re-enter the API,
// but must not block.
package resolver

import (
	"errors"
	"net/netip"
	"time"

	"github.com/database64128/stubdns-go/conn"
	"github.com/database64128/stubdns-go/dnswire"
	"github.com/database64128/stubdns-go/metrics"
	"github.com/database64128/stubdns-go/reactor"
	"go.uber.org/zap"
)

// Reply carries the outcome of one lookup to the user callback.
type Reply struct {
	// Errcode is [ErrcodeNone] on success.
	Errcode Errcode

	// Type is the answered question type, [dnswire.TypeA] or
	// [dnswire.TypePTR]. Zero on error.
	Type uint16

	// Count is the number of answers delivered.
	Count int

	// TTL is the minimum TTL of the delivered records.
	TTL uint32

	// Addrs holds up to 4 addresses for A lookups. The slice aliases
	// request-owned storage and is only valid for the duration of the
	// callback.
	Addrs []netip.Addr

	// Hostname is the decoded name for PTR lookups.
	Hostname string
}

// Callback receives the result of a lookup. It runs on the reactor loop
// goroutine and fires exactly once per top-level resolve call.
type Callback func(reply Reply, arg any)

// Config holds the resolver tunables. Zero fields take defaults.
type Config struct {
	// MaxInflight caps concurrently transmitted requests. Default 64.
	MaxInflight int `json:"maxInflight"`

	// Timeout is the per-request retransmit timeout. Default 5s.
	Timeout time.Duration `json:"-"`

	// MaxReissues caps moves to a different nameserver after
	// server-attributable errors. Default 1.
	MaxReissues int `json:"maxReissues"`

	// MaxRetransmits caps transmissions of one request. Default 3.
	MaxRetransmits int `json:"maxRetransmits"`

	// MaxNameserverTimeouts is the number of consecutive request
	// timeouts a nameserver survives before it is marked DOWN.
	// Default 3.
	MaxNameserverTimeouts int `json:"maxNameserverTimeouts"`

	// ProbeName is the name queried to test whether a DOWN nameserver
	// has recovered. Default "www.google.com".
	ProbeName string `json:"probeName"`
}

func (c *Config) setDefaults() {
	if c.MaxInflight == 0 {
		c.MaxInflight = 64
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxReissues == 0 {
		c.MaxReissues = 1
	}
	if c.MaxRetransmits == 0 {
		c.MaxRetransmits = 3
	}
	if c.MaxNameserverTimeouts == 0 {
		c.MaxNameserverTimeouts = 3
	}
	if c.ProbeName == "" {
		c.ProbeName = "www.google.com"
	}
}

// Resolver is an asynchronous DNS stub resolver.
type Resolver struct {
	logger  *zap.Logger
	reactor reactor.Reactor
	cfg     Config
	metrics *metrics.ResolverMetrics

	dial func(addr netip.Addr) (packetConn, error)

	reqHead        *request // inflight ring
	reqWaitingHead *request // waiting ring
	serverHead     *nameserver

	goodNameservers  int
	requestsInflight int
	requestsWaiting  int

	searchState *searchState
}

// New creates a resolver driven by the given reactor. m may be nil to
// disable metrics.
func New(cfg Config, re reactor.Reactor, logger *zap.Logger, m *metrics.ResolverMetrics) *Resolver {
	cfg.setDefaults()
	return &Resolver{
		logger:  logger,
		reactor: re,
		cfg:     cfg,
		metrics: m,
		dial: func(addr netip.Addr) (packetConn, error) {
			return conn.DialUDP(netip.AddrPortFrom(addr, conn.DNSPort))
		},
	}
}

// ResolveIPv4 looks up the A records of name. Unless flags contains
// [QueryNoSearch], the configured search list may expand the lookup into
// several candidate names; the callback still fires exactly once.
func (r *Resolver) ResolveIPv4(name string, flags QueryFlags, callback Callback, arg any) error {
	r.logger.Debug("Resolve requested", zap.String("name", name))
	if flags&QueryNoSearch != 0 {
		req, err := r.newRequest(dnswire.TypeA, name, callback, arg)
		if err != nil {
			return err
		}
		r.submitRequest(req)
		return nil
	}
	return r.searchRequestNew(dnswire.TypeA, name, flags, callback, arg)
}

// ResolveReverse looks up the PTR record of an IPv4 address. The search
// list never applies to reverse lookups.
func (r *Resolver) ResolveReverse(addr netip.Addr, flags QueryFlags, callback Callback, arg any) error {
	if !addr.Is4() && !addr.Is4In6() {
		return errors.New("reverse lookup address is not IPv4")
	}
	name := dnswire.ReverseName(addr)
	r.logger.Debug("Resolve requested", zap.String("name", name), zap.Bool("reverse", true))
	req, err := r.newRequest(dnswire.TypePTR, name, callback, arg)
	if err != nil {
		return err
	}
	r.submitRequest(req)
	return nil
}

// ClearAndSuspend tears down every nameserver and its socket, and moves
// all inflight requests back to the waiting queue with their counters
// zeroed. The suspended requests keep their FIFO order and precede any
// requests that were already waiting. Lookups resume after nameservers
// are added again and [Resolver.Resume] is called.
func (r *Resolver) ClearAndSuspend() {
	if server := r.serverHead; server != nil {
		for {
			next := server.next
			r.releaseNameserver(server)
			if next == r.serverHead {
				break
			}
			server = next
		}
	}
	r.serverHead = nil
	r.goodNameservers = 0
	r.metrics.SetGoodNameservers(0)

	if r.reqHead != nil {
		// Walk the inflight ring from the tail so that inserting each
		// request at the front of the waiting queue leaves the batch in
		// its original FIFO order, ahead of the prior waiters.
		req := r.reqHead.prev
		for {
			prev := req.prev
			req.txCount = 0
			req.reissueCount = 0
			req.ns = nil
			req.transmitMe = false
			if req.timeout != nil {
				req.timeout.Stop()
			}
			r.setRequestTransID(req, transIDUnassigned)

			r.requestsWaiting++
			insertRequest(&r.reqWaitingHead, req)
			// Inserting at the tail of a circular list and shifting the
			// head back one puts the request in front.
			r.reqWaitingHead = r.reqWaitingHead.prev

			if req == r.reqHead {
				break
			}
			req = prev
		}
	}
	r.reqHead = nil
	r.requestsInflight = 0
	r.metrics.SetQueueSizes(0, r.requestsWaiting)
}

// Resume pumps the waiting queue after [Resolver.ClearAndSuspend].
func (r *Resolver) Resume() {
	r.pumpWaitingQueue()
}

// releaseNameserver drops a server's reactor registrations and closes its
// socket.
func (r *Resolver) releaseNameserver(ns *nameserver) {
	if ns.source != nil {
		_ = ns.source.Close()
	}
	if ns.probeTimer != nil {
		ns.probeTimer.Stop()
	}
	_ = ns.sock.Close()
}

// Shutdown releases all resolver state. If failRequests is set, every
// pending request's callback is invoked synchronously with
// [ErrcodeShutdown]; otherwise pending requests are silently discarded.
func (r *Resolver) Shutdown(failRequests bool) {
	for _, head := range []**request{&r.reqHead, &r.reqWaitingHead} {
		if req := *head; req != nil {
			for {
				next := req.next
				if req.timeout != nil {
					req.timeout.Stop()
				}
				if failRequests {
					r.deliver(req, 0, ErrcodeShutdown, nil)
				}
				if next == *head {
					break
				}
				req = next
			}
		}
		*head = nil
	}
	r.requestsInflight = 0
	r.requestsWaiting = 0

	if server := r.serverHead; server != nil {
		for {
			next := server.next
			r.releaseNameserver(server)
			if next == r.serverHead {
				break
			}
			server = next
		}
	}
	r.serverHead = nil
	r.goodNameservers = 0
	r.searchState = nil

	r.metrics.SetQueueSizes(0, 0)
	r.metrics.SetGoodNameservers(0)
}

// NameserverStatus describes one pool member in a [Status] snapshot.
type NameserverStatus struct {
	Addr        netip.Addr `json:"addr"`
	Up          bool       `json:"up"`
	FailedTimes int        `json:"failedTimes"`
	Timedout    int        `json:"timedout"`
}

// Status is a point-in-time snapshot of the resolver.
type Status struct {
	Inflight        int                `json:"inflight"`
	Waiting         int                `json:"waiting"`
	GoodNameservers int                `json:"goodNameservers"`
	Nameservers     []NameserverStatus `json:"nameservers"`
	SearchDomains   []string           `json:"searchDomains,omitempty"`
	Ndots           int                `json:"ndots"`
}

// Snapshot collects the resolver's current state. Like every other
// method, it must run on the loop goroutine.
func (r *Resolver) Snapshot() Status {
	s := Status{
		Inflight:        r.requestsInflight,
		Waiting:         r.requestsWaiting,
		GoodNameservers: r.goodNameservers,
		Ndots:           1,
	}
	if r.searchState != nil {
		s.SearchDomains = append([]string(nil), r.searchState.domains...)
		s.Ndots = r.searchState.ndots
	}
	if server := r.serverHead; server != nil {
		for {
			s.Nameservers = append(s.Nameservers, NameserverStatus{
				Addr:        server.addr,
				Up:          server.up,
				FailedTimes: server.failedTimes,
				Timedout:    server.timedout,
			})
			server = server.next
			if server == r.serverHead {
				break
			}
		}
	}
	return s
}
