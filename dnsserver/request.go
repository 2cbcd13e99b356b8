package dnsserver

import (
	"errors"
	"net/netip"

	"github.com/database64128/stubdns-go/conn"
	"github.com/database64128/stubdns-go/dnswire"
	"go.uber.org/zap"
)

// ServerRequest is one incoming query being processed. The callback
// attaches answer records and then calls [ServerRequest.Respond], or
// discards the query with [ServerRequest.Drop].
type ServerRequest struct {
	port    *Port
	transID uint16
	flags   uint16
	peer    netip.AddrPort

	// Questions are the parsed entries of the query's question section.
	Questions []dnswire.Question

	answer     []dnswire.Record
	authority  []dnswire.Record
	additional []dnswire.Record

	response []byte

	// Linkage in the port's pending-reply ring while backpressured.
	prevPending, nextPending *ServerRequest
}

// Peer returns the query's source address.
func (sr *ServerRequest) Peer() netip.AddrPort {
	return sr.peer
}

// Record sections.
const (
	AnswerSection = iota
	AuthoritySection
	AdditionalSection
)

// AddRecord attaches a resource record to the given section.
func (sr *ServerRequest) AddRecord(section int, rec dnswire.Record) error {
	if sr.response != nil {
		// Already answered.
		return ErrResponseBuilt
	}
	switch section {
	case AnswerSection:
		sr.answer = append(sr.answer, rec)
	case AuthoritySection:
		sr.authority = append(sr.authority, rec)
	case AdditionalSection:
		sr.additional = append(sr.additional, rec)
	default:
		return errors.New("unknown record section")
	}
	return nil
}

// AddAReply attaches an A answer record carrying the given addresses.
func (sr *ServerRequest) AddAReply(name string, addrs []netip.Addr, ttl uint32) error {
	data := make([]byte, 0, 4*len(addrs))
	for _, addr := range addrs {
		a4 := addr.As4()
		data = append(data, a4[:]...)
	}
	return sr.AddRecord(AnswerSection, dnswire.Record{
		Name:  name,
		Type:  dnswire.TypeA,
		Class: dnswire.ClassIN,
		TTL:   ttl,
		Data:  data,
	})
}

// AddAAAAReply attaches an AAAA answer record carrying the given
// addresses.
func (sr *ServerRequest) AddAAAAReply(name string, addrs []netip.Addr, ttl uint32) error {
	data := make([]byte, 0, 16*len(addrs))
	for _, addr := range addrs {
		a16 := addr.As16()
		data = append(data, a16[:]...)
	}
	return sr.AddRecord(AnswerSection, dnswire.Record{
		Name:  name,
		Type:  dnswire.TypeAAAA,
		Class: dnswire.ClassIN,
		TTL:   ttl,
		Data:  data,
	})
}

// AddPTRReply attaches a PTR answer record mapping inaddrName to
// hostname.
func (sr *ServerRequest) AddPTRReply(inaddrName, hostname string, ttl uint32) error {
	return sr.AddRecord(AnswerSection, dnswire.Record{
		Name:     inaddrName,
		Type:     dnswire.TypePTR,
		Class:    dnswire.ClassIN,
		TTL:      ttl,
		NameData: hostname,
	})
}

// AddPTRReplyAddr is [ServerRequest.AddPTRReply] with the in-addr.arpa
// name synthesized from an IPv4 address.
func (sr *ServerRequest) AddPTRReplyAddr(addr netip.Addr, hostname string, ttl uint32) error {
	return sr.AddPTRReply(dnswire.ReverseName(addr), hostname, ttl)
}

// AddCNAMEReply attaches a CNAME answer record.
func (sr *ServerRequest) AddCNAMEReply(name, cname string, ttl uint32) error {
	return sr.AddRecord(AnswerSection, dnswire.Record{
		Name:     name,
		Type:     dnswire.TypeCNAME,
		Class:    dnswire.ClassIN,
		TTL:      ttl,
		NameData: cname,
	})
}

// Respond serializes the response if it hasn't been built yet and
// attempts to send it. On backpressure the reply is queued on the port
// and flushed, in order, when the socket becomes writable again.
func (sr *ServerRequest) Respond(flags uint16) error {
	p := sr.port

	if sr.response == nil {
		response, err := dnswire.AppendResponse(
			make([]byte, 0, dnswire.MaxPacketSize),
			sr.transID, flags, sr.Questions,
			sr.answer, sr.authority, sr.additional,
		)
		if err != nil {
			return err
		}
		sr.response = response
		sr.answer = nil
		sr.authority = nil
		sr.additional = nil
	}

	if err := p.sock.SendTo(sr.response, sr.peer); err != nil {
		if !conn.IsEAGAIN(err) {
			return err
		}

		p.linkPending(sr)
		if !p.choked {
			p.choked = true
			if err := p.source.SetWriteInterest(true); err != nil {
				p.logger.Warn("Failed to update write interest", zap.Error(err))
			}
		}
		return nil
	}
	p.metrics.Reply()

	if p.pendingHead != nil {
		p.flushPending()
	}
	return nil
}

// Drop discards the query without replying.
func (sr *ServerRequest) Drop() {
	sr.port.unlinkPending(sr)
	sr.port.metrics.Dropped()
}
