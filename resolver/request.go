package resolver

import (
	"net/netip"

	"github.com/database64128/stubdns-go/dnswire"
	"github.com/database64128/stubdns-go/reactor"
	"go.uber.org/zap"
)

// transIDUnassigned is the reserved transaction id of requests sitting in
// the waiting queue.
const transIDUnassigned = 0xffff

// request is one outstanding question. It lives in exactly one of the
// resolver's two circular doubly-linked queues: waiting (transID is
// [transIDUnassigned], ns is nil) or inflight.
type request struct {
	packet  []byte // header + one question
	transID uint16
	qtype   uint16

	txCount      int
	reissueCount int
	transmitMe   bool

	callback Callback
	arg      any

	ns *nameserver

	search         *searchState
	searchOrigname string
	searchIndex    int
	searchFlags    QueryFlags

	timeout reactor.Timer

	// addrs backs the Addrs slice handed to the callback. It is reused
	// across retransmits, so callback slices are only valid during the
	// callback.
	addrs [dnswire.MaxAddrs]netip.Addr

	prev, next *request
}

// insertRequest appends req at the tail of the circular list, so iteration
// from the head yields FIFO order.
func insertRequest(head **request, req *request) {
	if *head == nil {
		*head = req
		req.next = req
		req.prev = req
		return
	}
	req.prev = (*head).prev
	req.prev.next = req
	req.next = *head
	(*head).prev = req
}

// removeRequest unlinks req from the circular list.
func removeRequest(head **request, req *request) {
	if req.next == req {
		*head = nil
	} else {
		req.next.prev = req.prev
		req.prev.next = req.next
		if *head == req {
			*head = req.next
		}
	}
	req.next = nil
	req.prev = nil
}

// findRequest scans the inflight list for a transaction id.
func (r *Resolver) findRequest(transID uint16) *request {
	req := r.reqHead
	if req == nil {
		return nil
	}
	for {
		if req.transID == transID {
			return req
		}
		req = req.next
		if req == r.reqHead {
			return nil
		}
	}
}

func (r *Resolver) setRequestTransID(req *request, transID uint16) {
	req.transID = transID
	dnswire.SetTransID(req.packet, transID)
}

// newRequest builds a request for one candidate name. If inflight capacity
// exists right now, the request is assigned an id and a nameserver;
// otherwise it is left unassigned for the waiting queue.
func (r *Resolver) newRequest(qtype uint16, name string, callback Callback, arg any) (*request, error) {
	issuingNow := r.requestsInflight < r.cfg.MaxInflight

	transID := uint16(transIDUnassigned)
	if issuingNow {
		transID = r.pickTransID()
	}

	packet, err := dnswire.AppendQuery(make([]byte, 0, dnswire.QuerySize(len(name))), transID, name, qtype)
	if err != nil {
		return nil, err
	}

	req := &request{
		packet:      packet,
		transID:     transID,
		qtype:       qtype,
		callback:    callback,
		arg:         arg,
		searchIndex: -1,
	}
	if issuingNow {
		req.ns = r.pickNameserver()
	}
	return req, nil
}

// submitRequest places req on the inflight queue and transmits it, or
// parks it on the waiting queue when it has no nameserver assigned.
func (r *Resolver) submitRequest(req *request) {
	if req.ns != nil {
		insertRequest(&r.reqHead, req)
		r.requestsInflight++
		r.transmitRequest(req)
	} else {
		// No nameserver could be assigned (no capacity, or an empty
		// pool): park the request unassigned.
		if req.transID != transIDUnassigned {
			r.setRequestTransID(req, transIDUnassigned)
		}
		insertRequest(&r.reqWaitingHead, req)
		r.requestsWaiting++
	}
	r.metrics.SetQueueSizes(r.requestsInflight, r.requestsWaiting)
}

// transmitRequestTo sends one datagram on the server's connected socket.
//
// Returns 0 on success, 1 on backpressure (EAGAIN or short write), 2 on
// any other send error.
func (r *Resolver) transmitRequestTo(req *request, ns *nameserver) int {
	n, err := ns.sock.Send(req.packet)
	switch {
	case err != nil:
		if isEAGAIN(err) {
			return 1
		}
		r.nameserverFailed(req.ns, err.Error())
		return 2
	case n != len(req.packet):
		return 1 // short write
	default:
		return 0
	}
}

// transmitRequest tries to send req to its assigned nameserver, arming the
// per-request timeout on anything but backpressure. Returns false when the
// send was deferred or failed: a deferred send is retried by the transmit
// sweep once the socket is writable, a failed one by the timeout path.
func (r *Resolver) transmitRequest(req *request) bool {
	// If the send fails, this flag marks the request for the next
	// transmit sweep.
	req.transmitMe = true
	if req.transID == transIDUnassigned {
		panic("resolver: transmitting a request with no transaction id")
	}

	if req.ns.choked {
		// Don't bother writing to a socket which gave us EAGAIN.
		return false
	}

	switch r.transmitRequestTo(req, req.ns) {
	case 1:
		// Temporary failure.
		req.ns.choked = true
		r.nameserverWriteWaiting(req.ns, true)
		return false
	case 2:
		// Failed in some other way. Arm the timeout anyway so the retry
		// path eventually picks the request up again.
		r.armRequestTimeout(req)
		req.txCount++
		req.transmitMe = false
		return false
	default:
		if ce := r.logger.Check(zap.DebugLevel, "Transmitted request"); ce != nil {
			ce.Write(
				zap.Uint16("transID", req.transID),
				zap.Stringer("nameserver", req.ns.addr),
				zap.Int("txCount", req.txCount+1),
			)
		}
		r.armRequestTimeout(req)
		req.txCount++
		req.transmitMe = false
		r.metrics.Transmission()
		return true
	}
}

func (r *Resolver) armRequestTimeout(req *request) {
	if req.timeout == nil {
		req.timeout = r.reactor.AfterFunc(r.cfg.Timeout, func() {
			r.requestTimedOut(req)
		})
		return
	}
	req.timeout.Reset(r.cfg.Timeout)
}

// requestTimedOut handles expiry of the per-request timer.
func (r *Resolver) requestTimedOut(req *request) {
	if ce := r.logger.Check(zap.DebugLevel, "Request timed out"); ce != nil {
		ce.Write(zap.Uint16("transID", req.transID), zap.Stringer("nameserver", req.ns.addr))
	}

	req.ns.timedout++
	if req.ns.timedout > r.cfg.MaxNameserverTimeouts {
		req.ns.timedout = 0
		r.nameserverFailed(req.ns, "request timed out")
	}

	if req.txCount >= r.cfg.MaxRetransmits {
		r.deliver(req, 0, ErrcodeTimeout, nil)
		r.finishRequest(req)
		return
	}
	r.transmitRequest(req)
}

// reissueRequest moves req to a different nameserver after a
// server-attributable error. Returns false when no other server is
// available and the reissue is pointless.
func (r *Resolver) reissueRequest(req *request) bool {
	// The caller has already marked the last nameserver as failed, so
	// pick will try not to return it.
	lastNS := req.ns
	req.ns = r.pickNameserver()
	if req.ns == lastNS {
		// ... but pick did return it.
		return false
	}

	req.reissueCount++
	req.txCount = 0
	req.transmitMe = true
	r.metrics.Reissue()
	return true
}

// pumpWaitingQueue promotes waiting requests while inflight capacity
// exists.
func (r *Resolver) pumpWaitingQueue() {
	for r.requestsInflight < r.cfg.MaxInflight && r.requestsWaiting > 0 && r.serverHead != nil {
		req := r.reqWaitingHead
		removeRequest(&r.reqWaitingHead, req)
		r.requestsWaiting--
		r.requestsInflight++

		req.ns = r.pickNameserver()
		r.setRequestTransID(req, r.pickTransID())

		insertRequest(&r.reqHead, req)
		r.transmitRequest(req)
		r.transmitSweep()
	}
	r.metrics.SetQueueSizes(r.requestsInflight, r.requestsWaiting)
}

// transmitSweep re-sends every inflight request still marked for
// transmission. Returns whether anything was attempted.
func (r *Resolver) transmitSweep() bool {
	didTry := false
	if req := r.reqHead; req != nil {
		for {
			if req.transmitMe {
				didTry = true
				r.transmitRequest(req)
			}
			req = req.next
			if req == r.reqHead {
				break
			}
		}
	}
	return didTry
}

// finishRequest removes req from the inflight queue, releases its timer and
// search reference, and pumps the waiting queue.
func (r *Resolver) finishRequest(req *request) {
	removeRequest(&r.reqHead, req)
	if req.timeout != nil {
		req.timeout.Stop()
	}
	r.searchRequestFinished(req)
	r.requestsInflight--
	r.pumpWaitingQueue()
}

// deliver invokes the user callback exactly once for this request.
func (r *Resolver) deliver(req *request, ttl uint32, errcode Errcode, ans *dnswire.Answer) {
	if errcode != ErrcodeNone || ans == nil {
		r.metrics.LookupDone(qtypeString(req.qtype), errcode.String())
		req.callback(Reply{Errcode: errcode}, req.arg)
		return
	}

	r.metrics.LookupDone(qtypeString(req.qtype), "ok")
	switch req.qtype {
	case dnswire.TypeA:
		req.callback(Reply{
			Type:  dnswire.TypeA,
			Count: len(ans.Addrs),
			TTL:   ttl,
			Addrs: ans.Addrs,
		}, req.arg)
	case dnswire.TypePTR:
		req.callback(Reply{
			Type:     dnswire.TypePTR,
			Count:    1,
			TTL:      ttl,
			Hostname: ans.Hostname,
		}, req.arg)
	default:
		panic("resolver: delivering a reply for an unexpected question type")
	}
}

// handleReply processes a parsed reply for an inflight request.
func (r *Resolver) handleReply(req *request, flags uint16, ttl uint32, ans *dnswire.Answer) {
	if flags&dnswire.ErrorFlagsMask != 0 || ans == nil || !ans.HaveAnswer {
		var errcode Errcode
		if flags&dnswire.FlagTruncated != 0 {
			errcode = ErrcodeTruncated
		} else if rcode := flags & dnswire.RCodeMask; rcode >= 1 && rcode <= 5 {
			errcode = Errcode(rcode)
		} else {
			errcode = ErrcodeUnknown
		}

		switch errcode {
		case ErrcodeServerFailed, ErrcodeNotImpl, ErrcodeRefused:
			// These errors mark a bad nameserver.
			if req.reissueCount < r.cfg.MaxReissues {
				r.nameserverFailed(req.ns, "bad response: "+errcode.String())
				if r.reissueRequest(req) {
					return
				}
			}
		default:
			// The nameserver did its job.
			r.nameserverUp(req.ns)
		}

		if req.search != nil && req.qtype != dnswire.TypePTR {
			if r.searchTryNext(req) {
				// A new candidate was issued; the user callback fires
				// when that request (or a child of it) finishes.
				r.finishRequest(req)
				return
			}
		}

		r.deliver(req, 0, errcode, nil)
		r.finishRequest(req)
		return
	}

	r.deliver(req, ttl, ErrcodeNone, ans)
	r.nameserverUp(req.ns)
	r.finishRequest(req)
}

// processReply matches one received datagram to an inflight request.
func (r *Resolver) processReply(pkt []byte) {
	hdr, err := dnswire.ParseHeader(pkt)
	if err != nil {
		return
	}

	req := r.findRequest(hdr.TransID)
	if req == nil {
		return
	}
	if !hdr.IsResponse() {
		return
	}

	if hdr.Flags&dnswire.ErrorFlagsMask != 0 {
		r.handleReply(req, hdr.Flags, 0, nil)
		return
	}

	ans, err := dnswire.ParseAnswer(pkt, hdr, req.qtype, req.addrs[:0])
	if err != nil {
		return
	}
	r.handleReply(req, hdr.Flags, ans.TTL, &ans)
}

func qtypeString(qtype uint16) string {
	switch qtype {
	case dnswire.TypeA:
		return "A"
	case dnswire.TypePTR:
		return "PTR"
	case dnswire.TypeAAAA:
		return "AAAA"
	default:
		return "other"
	}
}
