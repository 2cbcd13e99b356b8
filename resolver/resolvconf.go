package resolver

import (
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/database64128/stubdns-go/bytestrings"
	"go.uber.org/zap"
)

// ParseOptions gate which resolv.conf directives are applied.
type ParseOptions int

const (
	// OptionSearch applies the domain, search and ndots directives.
	OptionSearch ParseOptions = 1 << iota

	// OptionNameservers applies nameserver directives.
	OptionNameservers

	// OptionMisc applies the timeout and attempts options.
	OptionMisc

	// OptionsAll applies everything.
	OptionsAll = OptionSearch | OptionNameservers | OptionMisc
)

// ResolvConfError reports a resolv.conf parse failure. The codes are a
// published contract: 1 open failed, 2 stat failed, 3 file too large,
// 4 out of memory, 5 short read.
type ResolvConfError struct {
	Code int
	Err  error
}

func (e *ResolvConfError) Error() string {
	switch e.Code {
	case 1:
		return "failed to open file"
	case 2:
		return "failed to stat file"
	case 3:
		return "file too large"
	case 4:
		return "out of memory"
	case 5:
		return "short read from file"
	default:
		return "[unknown error code]"
	}
}

func (e *ResolvConfError) Unwrap() error {
	return e.Err
}

// maxResolvConfSize bounds resolv.conf files; none should be any bigger.
const maxResolvConfSize = 65535

// ResolvConfParse loads nameservers, search domains and options from a
// resolv.conf-style file. A missing or empty file applies the platform
// defaults: nameserver 127.0.0.1 and a search list derived from the local
// hostname, each gated by the corresponding option flag.
func (r *Resolver) ResolvConfParse(opts ParseOptions, path string) error {
	r.logger.Debug("Parsing resolv.conf file", zap.String("path", path))

	f, err := os.Open(path)
	if err != nil {
		r.resolvConfSetDefaults(opts)
		return nil
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return &ResolvConfError{Code: 2, Err: err}
	}
	if st.Size() == 0 {
		r.resolvConfSetDefaults(opts)
		return nil
	}
	if st.Size() > maxResolvConfSize {
		return &ResolvConfError{Code: 3}
	}

	data := make([]byte, st.Size())
	if _, err = io.ReadFull(f, data); err != nil {
		return &ResolvConfError{Code: 5, Err: err}
	}

	text := string(data)
	for len(text) > 0 {
		var line string
		line, text = bytestrings.NextNonEmptyLine(text)
		if len(line) == 0 {
			break
		}
		r.resolvConfParseLine(line, opts)
	}

	if r.serverHead == nil && opts&OptionNameservers != 0 {
		// No nameservers were configured.
		_ = r.NameserverIPAdd("127.0.0.1")
	}
	if opts&OptionSearch != 0 && (r.searchState == nil || len(r.searchState.domains) == 0) {
		r.searchSetFromHostname()
	}
	return nil
}

func (r *Resolver) resolvConfSetDefaults(opts ParseOptions) {
	// If the file isn't found we assume a local resolver.
	if opts&OptionSearch != 0 {
		r.searchSetFromHostname()
	}
	if opts&OptionNameservers != 0 {
		_ = r.NameserverIPAdd("127.0.0.1")
	}
}

func (r *Resolver) resolvConfParseLine(line string, opts ParseOptions) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return
	}

	switch tokens[0] {
	case "nameserver":
		if opts&OptionNameservers == 0 || len(tokens) < 2 {
			return
		}
		if addr, err := netip.ParseAddr(tokens[1]); err == nil {
			_ = r.NameserverAdd(addr)
		}

	case "domain":
		if opts&OptionSearch == 0 || len(tokens) < 2 {
			return
		}
		r.SearchClear()
		r.SearchAdd(tokens[1])

	case "search":
		if opts&OptionSearch == 0 {
			return
		}
		r.SearchClear()
		// Postfixes are tried in source order.
		for _, domain := range tokens[1:] {
			r.searchState.domains = append(r.searchState.domains, strings.TrimLeft(domain, "."))
		}

	case "options":
		for _, option := range tokens[1:] {
			switch {
			case strings.HasPrefix(option, "ndots:"):
				ndots, err := strconv.Atoi(option[6:])
				if err != nil || opts&OptionSearch == 0 {
					continue
				}
				r.logger.Debug("Setting ndots", zap.Int("ndots", ndots))
				r.SearchNdotsSet(ndots)
			case strings.HasPrefix(option, "timeout:"):
				timeout, err := strconv.Atoi(option[8:])
				if err != nil || opts&OptionMisc == 0 {
					continue
				}
				r.logger.Debug("Setting timeout", zap.Int("seconds", timeout))
				r.cfg.Timeout = time.Duration(timeout) * time.Second
			case strings.HasPrefix(option, "attempts:"):
				retries, err := strconv.Atoi(option[9:])
				if err != nil || opts&OptionMisc == 0 {
					continue
				}
				if retries > 255 {
					retries = 255
				}
				r.logger.Debug("Setting retries", zap.Int("attempts", retries))
				r.cfg.MaxRetransmits = retries
			}
		}
	}
}

func (r *Resolver) searchSetFromHostname() {
	r.SearchClear()
	hostname, err := os.Hostname()
	if err != nil {
		return
	}
	if i := strings.IndexByte(hostname, '.'); i >= 0 && i+1 < len(hostname) {
		r.SearchAdd(hostname[i+1:])
	}
}
