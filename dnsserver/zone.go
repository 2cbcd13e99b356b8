package dnsserver

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/database64128/stubdns-go/dnswire"
	"go.uber.org/zap"
)

// RecordConfig declares one static record served by a port.
type RecordConfig struct {
	// Name is the owner name. For PTR records it may be either an IPv4
	// address or a full in-addr.arpa name.
	Name string `json:"name"`

	// Type is one of "A", "AAAA", "PTR", "CNAME".
	Type string `json:"type"`

	// Value is the record payload: an address for A and AAAA, a
	// hostname for PTR, a target name for CNAME.
	Value string `json:"value"`

	// TTL defaults to 300 seconds.
	TTL uint32 `json:"ttl"`
}

type addrEntry struct {
	addrs []netip.Addr
	ttl   uint32
}

type nameEntry struct {
	target string
	ttl    uint32
}

// Zone answers queries from a static record set. Owner names are matched
// case-insensitively.
type Zone struct {
	a     map[string]addrEntry
	aaaa  map[string]addrEntry
	ptr   map[string]nameEntry
	cname map[string]nameEntry
}

// NewZone builds a zone from configured records.
func NewZone(records []RecordConfig) (*Zone, error) {
	z := &Zone{
		a:     make(map[string]addrEntry),
		aaaa:  make(map[string]addrEntry),
		ptr:   make(map[string]nameEntry),
		cname: make(map[string]nameEntry),
	}

	for i := range records {
		rc := &records[i]
		name := strings.ToLower(strings.TrimSuffix(rc.Name, "."))
		ttl := rc.TTL
		if ttl == 0 {
			ttl = 300
		}

		switch strings.ToUpper(rc.Type) {
		case "A":
			addr, err := netip.ParseAddr(rc.Value)
			if err != nil || !addr.Is4() && !addr.Is4In6() {
				return nil, fmt.Errorf("bad A record value %q for %q", rc.Value, rc.Name)
			}
			e := z.a[name]
			e.addrs = append(e.addrs, addr.Unmap())
			e.ttl = ttl
			z.a[name] = e

		case "AAAA":
			addr, err := netip.ParseAddr(rc.Value)
			if err != nil || !addr.Is6() || addr.Is4In6() {
				return nil, fmt.Errorf("bad AAAA record value %q for %q", rc.Value, rc.Name)
			}
			e := z.aaaa[name]
			e.addrs = append(e.addrs, addr)
			e.ttl = ttl
			z.aaaa[name] = e

		case "PTR":
			if addr, err := netip.ParseAddr(name); err == nil {
				name = dnswire.ReverseName(addr)
			}
			z.ptr[name] = nameEntry{
				target: strings.TrimSuffix(rc.Value, "."),
				ttl:    ttl,
			}

		case "CNAME":
			z.cname[name] = nameEntry{
				target: strings.ToLower(strings.TrimSuffix(rc.Value, ".")),
				ttl:    ttl,
			}

		default:
			return nil, fmt.Errorf("unknown record type %q for %q", rc.Type, rc.Name)
		}
	}

	return z, nil
}

// Handle is the port [Callback]: it answers each question from the record
// set and responds NXDOMAIN when nothing matches.
func (z *Zone) Handle(req *ServerRequest) {
	answered := false

	for i := range req.Questions {
		q := &req.Questions[i]
		if q.Class != dnswire.ClassIN {
			continue
		}
		name := strings.ToLower(q.Name)

		// A CNAME alias answers A, AAAA and CNAME questions for its
		// owner name, followed by the target's records if known.
		target := name
		var chasedCNAME bool
		if e, ok := z.cname[name]; ok {
			switch q.Type {
			case dnswire.TypeA, dnswire.TypeAAAA, dnswire.TypeCNAME:
				_ = req.AddCNAMEReply(q.Name, e.target, e.ttl)
				answered = true
				chasedCNAME = true
				target = e.target
			}
		}
		if q.Type == dnswire.TypeCNAME {
			continue
		}

		switch q.Type {
		case dnswire.TypeA:
			if e, ok := z.a[target]; ok {
				owner := q.Name
				if chasedCNAME {
					owner = target
				}
				_ = req.AddAReply(owner, e.addrs, e.ttl)
				answered = true
			}
		case dnswire.TypeAAAA:
			if e, ok := z.aaaa[target]; ok {
				owner := q.Name
				if chasedCNAME {
					owner = target
				}
				_ = req.AddAAAAReply(owner, e.addrs, e.ttl)
				answered = true
			}
		case dnswire.TypePTR:
			if e, ok := z.ptr[name]; ok {
				_ = req.AddPTRReply(q.Name, e.target, e.ttl)
				answered = true
			}
		}
	}

	flags := uint16(dnswire.FlagResponse | dnswire.FlagAuthoritative)
	if !answered {
		flags |= dnswire.RCodeNotExist
	}
	if err := req.Respond(flags); err != nil {
		req.port.logger.Warn("Failed to respond to query", zap.Error(err))
		req.Drop()
	}
}
