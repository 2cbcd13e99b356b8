package dnswire

import (
	"encoding/binary"
	"net/netip"
)

// MaxAddrs is the maximum number of addresses copied out of a reply's A
// records.
const MaxAddrs = 4

// QuerySize returns an upper bound on the encoded size of a query for a
// name of the given length.
func QuerySize(nameLen int) int {
	return 96 + nameLen + 6
}

// AppendQuery appends a standard query (recursion desired, one question,
// class IN) to b.
func AppendQuery(b []byte, transID uint16, name string, qtype uint16) ([]byte, error) {
	b = binary.BigEndian.AppendUint16(b, transID)
	b = binary.BigEndian.AppendUint16(b, FlagsStandardQuery)
	b = binary.BigEndian.AppendUint16(b, 1)
	b = binary.BigEndian.AppendUint16(b, 0)
	b = binary.BigEndian.AppendUint16(b, 0)
	b = binary.BigEndian.AppendUint16(b, 0)

	b, err := AppendName(b, name, nil)
	if err != nil {
		return nil, err
	}

	b = binary.BigEndian.AppendUint16(b, qtype)
	b = binary.BigEndian.AppendUint16(b, ClassIN)
	return b, nil
}

// SetTransID patches the transaction id of an already-encoded message.
func SetTransID(pkt []byte, transID uint16) {
	binary.BigEndian.PutUint16(pkt, transID)
}

// Answer holds the records selected from a reply for one request.
type Answer struct {
	// Addrs is filled for A requests, up to [MaxAddrs] addresses across
	// all A records. It aliases the slice passed to [ParseAnswer].
	Addrs []netip.Addr

	// Hostname is filled for PTR requests from the first PTR record.
	Hostname string

	// TTL is the minimum TTL of the selected records.
	TTL uint32

	// HaveAnswer reports whether any record matched the request type.
	HaveAnswer bool
}

// ParseAnswer scans the answer section of a reply for records matching
// qtype. The caller must have already parsed the header and established
// that the reply carries no error flags. Selected addresses are appended
// to addrs, which may be nil.
func ParseAnswer(pkt []byte, hdr Header, qtype uint16, addrs []netip.Addr) (Answer, error) {
	ans := Answer{
		Addrs: addrs,
		TTL:   0xffffffff,
	}
	j := HeaderLen

	// Each question is <name><u16 type><u16 class>.
	for i := 0; i < int(hdr.QDCount); i++ {
		end, err := skipName(pkt, j)
		if err != nil {
			return Answer{}, err
		}
		j = end + 4
		if j > len(pkt) {
			return Answer{}, ErrMalformed
		}
	}

	// Each answer is <name><u16 type><u16 class><u32 ttl><u16 rdlength><rdata>.
	for i := 0; i < int(hdr.ANCount); i++ {
		end, err := skipName(pkt, j)
		if err != nil {
			return Answer{}, err
		}
		j = end
		if j+10 > len(pkt) {
			return Answer{}, ErrMalformed
		}
		rtype := binary.BigEndian.Uint16(pkt[j:])
		class := binary.BigEndian.Uint16(pkt[j+2:])
		ttl := binary.BigEndian.Uint32(pkt[j+4:])
		rdlength := int(binary.BigEndian.Uint16(pkt[j+8:]))
		j += 10
		if j+rdlength > len(pkt) {
			return Answer{}, ErrMalformed
		}

		switch {
		case rtype == TypeA && class == ClassIN && qtype == TypeA:
			addrcount := rdlength >> 2
			addrtocopy := MaxAddrs - len(ans.Addrs)
			if addrcount < addrtocopy {
				addrtocopy = addrcount
			}
			if ttl < ans.TTL {
				ans.TTL = ttl
			}
			for k := 0; k < addrtocopy; k++ {
				ans.Addrs = append(ans.Addrs, netip.AddrFrom4([4]byte(pkt[j+4*k:j+4*k+4])))
			}
			ans.HaveAnswer = true
			if len(ans.Addrs) == MaxAddrs {
				return ans, nil
			}

		case rtype == TypePTR && class == ClassIN && qtype == TypePTR:
			hostname, _, err := ParseName(pkt, j)
			if err != nil {
				return Answer{}, err
			}
			ans.Hostname = hostname
			if ttl < ans.TTL {
				ans.TTL = ttl
			}
			ans.HaveAnswer = true
			return ans, nil

		default:
			// AAAA answers are recognized but not decoded. Everything
			// else is skipped by rdlength.
		}

		j += rdlength
	}

	return ans, nil
}

// ParseQuestions parses the question section of an incoming query.
func ParseQuestions(pkt []byte, hdr Header) ([]Question, error) {
	questions := make([]Question, 0, hdr.QDCount)
	j := HeaderLen
	for i := 0; i < int(hdr.QDCount); i++ {
		name, end, err := ParseName(pkt, j)
		if err != nil {
			return nil, err
		}
		j = end
		if j+4 > len(pkt) {
			return nil, ErrMalformed
		}
		questions = append(questions, Question{
			Name:  name,
			Type:  binary.BigEndian.Uint16(pkt[j:]),
			Class: binary.BigEndian.Uint16(pkt[j+2:]),
		})
		j += 4
	}
	return questions, nil
}

// Record is one resource record of a response's answer, authority or
// additional section. If NameData is non-empty, the record's payload is a
// DNS name compressed at emit time and Data is ignored; otherwise Data is
// emitted verbatim.
type Record struct {
	Name     string
	Type     uint16
	Class    uint16
	TTL      uint32
	Data     []byte
	NameData string
}

// AppendResponse appends a full response message to b, compressing all
// names through one shared table. The encoded message must not exceed
// [MaxPacketSize].
func AppendResponse(b []byte, transID, flags uint16, questions []Question, answer, authority, additional []Record) ([]byte, error) {
	var table LabelTable
	start := len(b)

	b = binary.BigEndian.AppendUint16(b, transID)
	b = binary.BigEndian.AppendUint16(b, flags)
	b = binary.BigEndian.AppendUint16(b, uint16(len(questions)))
	b = binary.BigEndian.AppendUint16(b, uint16(len(answer)))
	b = binary.BigEndian.AppendUint16(b, uint16(len(authority)))
	b = binary.BigEndian.AppendUint16(b, uint16(len(additional)))

	var err error
	for i := range questions {
		q := &questions[i]
		if b, err = AppendName(b, q.Name, &table); err != nil {
			return nil, err
		}
		b = binary.BigEndian.AppendUint16(b, q.Type)
		b = binary.BigEndian.AppendUint16(b, q.Class)
	}

	for _, section := range [3][]Record{answer, authority, additional} {
		for i := range section {
			r := &section[i]
			if b, err = AppendName(b, r.Name, &table); err != nil {
				return nil, err
			}
			b = binary.BigEndian.AppendUint16(b, r.Type)
			b = binary.BigEndian.AppendUint16(b, r.Class)
			b = binary.BigEndian.AppendUint32(b, r.TTL)
			if r.NameData != "" {
				// RDLENGTH is patched once the compressed name's actual
				// size is known.
				lenIdx := len(b)
				b = append(b, 0, 0)
				nameStart := len(b)
				if b, err = AppendName(b, r.NameData, &table); err != nil {
					return nil, err
				}
				binary.BigEndian.PutUint16(b[lenIdx:], uint16(len(b)-nameStart))
			} else {
				b = binary.BigEndian.AppendUint16(b, uint16(len(r.Data)))
				b = append(b, r.Data...)
			}
		}
	}

	if len(b)-start > MaxPacketSize {
		return nil, ErrNoSpace
	}
	return b, nil
}
