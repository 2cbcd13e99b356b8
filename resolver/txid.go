package resolver

import (
	"crypto/rand"
	"encoding/binary"
)

// pickTransID returns a transaction id that is unpredictable, distinct
// from the [transIDUnassigned] sentinel, and not currently inflight.
//
// DNS spoofing resistance depends on the unpredictability of these ids,
// so they always come from the CSPRNG. The uniqueness scan is O(inflight)
// with inflight bounded, so the loop terminates quickly.
func (r *Resolver) pickTransID() uint16 {
	var b [2]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			panic("resolver: crypto/rand failed: " + err.Error())
		}
		transID := binary.BigEndian.Uint16(b[:])
		if transID == transIDUnassigned {
			continue
		}
		if r.findRequest(transID) != nil {
			continue
		}
		return transID
	}
}
