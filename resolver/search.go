package resolver

import (
	"strings"

	"go.uber.org/zap"
)

// searchState holds the postfix domains appended to short names and the
// ndots threshold deciding when a name is tried verbatim first. It is
// shared between the resolver and every request spawned from one lookup.
type searchState struct {
	ndots int

	// domains is ordered: it is the order tried.
	domains []string
}

func newSearchState() *searchState {
	return &searchState{ndots: 1}
}

// SearchClear empties the search list.
func (r *Resolver) SearchClear() {
	r.searchState = newSearchState()
}

// SearchAdd prepends a postfix domain to the search list.
func (r *Resolver) SearchAdd(domain string) {
	domain = strings.TrimLeft(domain, ".")
	if r.searchState == nil {
		r.searchState = newSearchState()
	}
	r.searchState.domains = append([]string{domain}, r.searchState.domains...)
}

// SearchNdotsSet sets the ndots threshold.
func (r *Resolver) SearchNdotsSet(ndots int) {
	if r.searchState == nil {
		r.searchState = newSearchState()
	}
	r.searchState.ndots = ndots
}

func numDots(s string) int {
	return strings.Count(s, ".")
}

// searchMakeNew returns base with the n-th postfix appended.
func searchMakeNew(state *searchState, n int, base string) string {
	if !strings.HasSuffix(base, ".") {
		return base + "." + state.domains[n]
	}
	return base + state.domains[n]
}

// searchRequestNew begins a lookup subject to search-list expansion.
func (r *Resolver) searchRequestNew(qtype uint16, name string, flags QueryFlags, callback Callback, arg any) error {
	state := r.searchState
	if flags&QueryNoSearch == 0 && state != nil && len(state.domains) > 0 {
		var (
			req *request
			err error
		)
		if numDots(name) >= state.ndots {
			if req, err = r.newRequest(qtype, name, callback, arg); err != nil {
				return err
			}
			req.searchIndex = -1
		} else {
			if req, err = r.newRequest(qtype, searchMakeNew(state, 0, name), callback, arg); err != nil {
				return err
			}
			req.searchIndex = 0
		}
		req.search = state
		req.searchOrigname = name
		req.searchFlags = flags
		r.submitRequest(req)
		return nil
	}

	req, err := r.newRequest(qtype, name, callback, arg)
	if err != nil {
		return err
	}
	r.submitRequest(req)
	return nil
}

// searchTryNext issues the next candidate after a failed one. Returns
// whether a new request was submitted; if not, the caller delivers the
// failure.
func (r *Resolver) searchTryNext(req *request) bool {
	if req.search == nil {
		return false
	}

	req.searchIndex++
	if req.searchIndex >= len(req.search.domains) {
		// No more postfixes to try; we may still need to try the name
		// without a postfix.
		if numDots(req.searchOrigname) < req.search.ndots {
			newreq, err := r.newRequest(req.qtype, req.searchOrigname, req.callback, req.arg)
			if err != nil {
				return false
			}
			r.logger.Debug("Search: trying raw query", zap.String("name", req.searchOrigname))
			r.submitRequest(newreq)
			return true
		}
		return false
	}

	newName := searchMakeNew(req.search, req.searchIndex, req.searchOrigname)
	newreq, err := r.newRequest(req.qtype, newName, req.callback, req.arg)
	if err != nil {
		return false
	}
	if ce := r.logger.Check(zap.DebugLevel, "Search: trying next postfix"); ce != nil {
		ce.Write(zap.String("name", newName), zap.Int("searchIndex", req.searchIndex))
	}
	newreq.search = req.search
	newreq.searchOrigname = req.searchOrigname
	newreq.searchFlags = req.searchFlags
	newreq.searchIndex = req.searchIndex
	r.submitRequest(newreq)
	return true
}

// searchRequestFinished drops the request's search references.
func (r *Resolver) searchRequestFinished(req *request) {
	req.search = nil
	req.searchOrigname = ""
}
