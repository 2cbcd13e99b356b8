package dnswire

import (
	"encoding/binary"
	"net/netip"
	"strconv"
	"strings"
)

// LabelTable records name suffixes already emitted into a message so later
// occurrences can be replaced by 2-byte compression pointers. The zero value
// is an empty table.
type LabelTable struct {
	entries []labelEntry
}

type labelEntry struct {
	suffix string
	pos    int
}

func (t *LabelTable) lookup(suffix string) (int, bool) {
	for i := range t.entries {
		if t.entries[i].suffix == suffix {
			return t.entries[i].pos, true
		}
	}
	return 0, false
}

func (t *LabelTable) add(suffix string, pos int) {
	if len(t.entries) == maxTableEntries || pos >= 0x4000 {
		return
	}
	t.entries = append(t.entries, labelEntry{suffix: suffix, pos: pos})
}

// AppendName appends the wire encoding of name to b, which must hold the
// message from its first header byte so that recorded offsets are absolute.
// If table is non-nil, suffixes already in the table are emitted as
// compression pointers and new suffixes are recorded.
func AppendName(b []byte, name string, table *LabelTable) ([]byte, error) {
	if len(name) > MaxNameLen {
		return nil, ErrNameTooLong
	}

	for {
		if table != nil {
			if pos, ok := table.lookup(name); ok {
				return binary.BigEndian.AppendUint16(b, 0xc000|uint16(pos)), nil
			}
		}

		i := strings.IndexByte(name, '.')
		label := name
		if i >= 0 {
			label = name[:i]
		}
		if len(label) > maxLabelLen {
			return nil, ErrLabelTooLong
		}
		if table != nil {
			table.add(name, len(b))
		}
		b = append(b, byte(len(label)))
		b = append(b, label...)
		if i < 0 {
			break
		}
		name = name[i+1:]
	}

	// A name ending in '.' has already produced its terminating zero.
	if n := len(b); n == 0 || b[n-1] != 0 {
		b = append(b, 0)
	}
	return b, nil
}

// ParseName decodes a possibly-compressed name starting at off. It returns
// the name in presentation format without a trailing dot, and the offset of
// the first byte past the name's in-place encoding: a compression pointer
// advances the caller by two bytes only, regardless of where it leads.
func ParseName(pkt []byte, off int) (string, int, error) {
	var name [MaxNameLen]byte
	n := 0
	nameEnd := -1
	j := off

	// Cyclic pointer chains never terminate and may stay within the output
	// bound, so cap the number of pointer hops at the packet length.
	hops := 0

	for {
		if j >= len(pkt) {
			return "", 0, ErrMalformed
		}
		labelLen := int(pkt[j])
		j++
		if labelLen == 0 {
			break
		}
		if labelLen&0xc0 != 0 {
			if labelLen&0xc0 != 0xc0 {
				return "", 0, ErrMalformed
			}
			if j >= len(pkt) {
				return "", 0, ErrMalformed
			}
			if hops++; hops > len(pkt) {
				return "", 0, ErrMalformed
			}
			if nameEnd < 0 {
				nameEnd = j + 1
			}
			j = (labelLen&0x3f)<<8 | int(pkt[j])
			if j >= len(pkt) {
				return "", 0, ErrMalformed
			}
			continue
		}
		if j+labelLen > len(pkt) {
			return "", 0, ErrMalformed
		}
		if n > 0 {
			if n >= len(name) {
				return "", 0, ErrMalformed
			}
			name[n] = '.'
			n++
		}
		if n+labelLen > len(name) {
			return "", 0, ErrMalformed
		}
		copy(name[n:], pkt[j:j+labelLen])
		n += labelLen
		j += labelLen
	}

	if nameEnd < 0 {
		nameEnd = j
	}
	return string(name[:n]), nameEnd, nil
}

// skipName advances past a name without decoding it.
func skipName(pkt []byte, off int) (int, error) {
	_, end, err := ParseName(pkt, off)
	return end, err
}

// ReverseName synthesizes the in-addr.arpa name for an IPv4 address:
// 10.0.0.1 becomes "1.0.0.10.in-addr.arpa".
func ReverseName(addr netip.Addr) string {
	a := addr.As4()
	b := make([]byte, 0, 32)
	for i := 3; i >= 0; i-- {
		b = strconv.AppendUint(b, uint64(a[i]), 10)
		b = append(b, '.')
	}
	b = append(b, "in-addr.arpa"...)
	return string(b)
}
