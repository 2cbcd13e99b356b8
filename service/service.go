// Package service wires the JSON configuration into running components:
// the reactor loop, the resolver, server ports, and the API server.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/database64128/stubdns-go/api"
	"github.com/database64128/stubdns-go/conn"
	"github.com/database64128/stubdns-go/dnsserver"
	"github.com/database64128/stubdns-go/jsonhelper"
	"github.com/database64128/stubdns-go/metrics"
	"github.com/database64128/stubdns-go/prefixset"
	"github.com/database64128/stubdns-go/reactor"
	"github.com/database64128/stubdns-go/resolver"
	"go.uber.org/zap"
	"go4.org/netipx"
)

// ResolverConfig configures the stub resolver.
type ResolverConfig struct {
	resolver.Config

	// Timeout is the per-request retransmit timeout. Default 5s.
	Timeout jsonhelper.Duration `json:"timeout,omitempty"`

	// Nameservers are the upstream recursive resolvers, tried
	// round-robin.
	Nameservers []netip.Addr `json:"nameservers,omitempty"`

	// Search is the postfix domain list, in the order tried.
	Search []string `json:"search,omitempty"`

	// Ndots is the dot threshold for trying a name verbatim first.
	Ndots int `json:"ndots,omitempty"`

	// ResolvConfPath, when set, loads a resolv.conf-style file before
	// the explicit settings above are applied.
	ResolvConfPath string `json:"resolvConfPath,omitempty"`

	// ResolvConfNameservers applies nameserver directives.
	ResolvConfNameservers bool `json:"resolvConfNameservers,omitempty"`

	// ResolvConfSearch applies domain, search and ndots directives.
	ResolvConfSearch bool `json:"resolvConfSearch,omitempty"`

	// ResolvConfMisc applies the timeout and attempts options.
	ResolvConfMisc bool `json:"resolvConfMisc,omitempty"`
}

// ServerConfig configures one authoritative server port.
type ServerConfig struct {
	// Name identifies the server in logs.
	Name string `json:"name"`

	// Listen is the address and port to bind.
	Listen netip.AddrPort `json:"listen"`

	// ACL optionally restricts which clients are answered.
	ACL *prefixset.Config `json:"acl,omitempty"`

	// Records is the static record set served on this port.
	Records []dnsserver.RecordConfig `json:"records,omitempty"`
}

// Config is the main configuration structure.
// It may be marshaled as or unmarshaled from JSON.
type Config struct {
	Resolver ResolverConfig `json:"resolver"`
	Servers  []ServerConfig `json:"servers,omitempty"`
	API      api.Config     `json:"api,omitempty"`
}

// Manager owns the running components.
type Manager struct {
	logger    *zap.Logger
	loop      *reactor.Loop
	resolver  *resolver.Resolver
	ports     []*dnsserver.Port
	apiServer *api.Server
	loopDone  chan struct{}
}

// Manager initializes the service manager.
//
// Initialization order: reactor -> resolver -> server ports -> API.
func (cfg *Config) Manager(logger *zap.Logger) (*Manager, error) {
	loop, err := reactor.NewLoop(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create event loop: %w", err)
	}

	registry := prometheus.NewRegistry()
	resolverMetrics := metrics.NewResolverMetrics(registry)

	rcfg := cfg.Resolver.Config
	rcfg.Timeout = time.Duration(cfg.Resolver.Timeout)
	r := resolver.New(rcfg, loop, logger, resolverMetrics)

	if cfg.Resolver.ResolvConfPath != "" {
		var opts resolver.ParseOptions
		if cfg.Resolver.ResolvConfNameservers {
			opts |= resolver.OptionNameservers
		}
		if cfg.Resolver.ResolvConfSearch {
			opts |= resolver.OptionSearch
		}
		if cfg.Resolver.ResolvConfMisc {
			opts |= resolver.OptionMisc
		}
		if err = r.ResolvConfParse(opts, cfg.Resolver.ResolvConfPath); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", cfg.Resolver.ResolvConfPath, err)
		}
	}

	for _, addr := range cfg.Resolver.Nameservers {
		if err = r.NameserverAdd(addr); err != nil && !errors.Is(err, resolver.ErrDuplicateNameserver) {
			return nil, fmt.Errorf("failed to add nameserver %s: %w", addr, err)
		}
	}

	if len(cfg.Resolver.Search) > 0 {
		r.SearchClear()
		// SearchAdd prepends, so walk backwards to keep source order.
		for i := len(cfg.Resolver.Search) - 1; i >= 0; i-- {
			r.SearchAdd(cfg.Resolver.Search[i])
		}
	}
	if cfg.Resolver.Ndots > 0 {
		r.SearchNdotsSet(cfg.Resolver.Ndots)
	}

	m := &Manager{
		logger:   logger,
		loop:     loop,
		resolver: r,
		loopDone: make(chan struct{}),
	}

	var serverMetrics *metrics.ServerMetrics
	if len(cfg.Servers) > 0 {
		serverMetrics = metrics.NewServerMetrics(registry)
	}

	serverIndexByName := make(map[string]int, len(cfg.Servers))
	for i := range cfg.Servers {
		sc := &cfg.Servers[i]

		if dupIndex, ok := serverIndexByName[sc.Name]; ok {
			return nil, fmt.Errorf("duplicate server name: %q (index %d and %d)", sc.Name, dupIndex, i)
		}
		serverIndexByName[sc.Name] = i

		var acl *netipx.IPSet
		if sc.ACL != nil {
			if acl, err = sc.ACL.IPSet(); err != nil {
				return nil, fmt.Errorf("failed to load ACL for server %q: %w", sc.Name, err)
			}
		}

		zone, err := dnsserver.NewZone(sc.Records)
		if err != nil {
			return nil, fmt.Errorf("failed to build zone for server %q: %w", sc.Name, err)
		}

		sock, err := conn.ListenUDP(sc.Listen)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s for server %q: %w", sc.Listen, sc.Name, err)
		}

		port, err := dnsserver.NewPort(loop, sock, zone.Handle, acl, logger, serverMetrics)
		if err != nil {
			_ = sock.Close()
			return nil, fmt.Errorf("failed to create server port %q: %w", sc.Name, err)
		}
		m.ports = append(m.ports, port)

		logger.Info("Added server port",
			zap.String("server", sc.Name),
			zap.Stringer("listen", sc.Listen),
		)
	}

	if cfg.API.Enabled {
		statusFn := func() resolver.Status {
			ch := make(chan resolver.Status, 1)
			loop.Submit(func() {
				ch <- r.Snapshot()
			})
			return <-ch
		}
		if m.apiServer, err = cfg.API.NewServer(logger, statusFn, registry); err != nil {
			return nil, fmt.Errorf("failed to create API server: %w", err)
		}
	}

	return m, nil
}

// Resolver returns the managed resolver. Its methods must only be called
// on the loop goroutine, via [Manager.Submit].
func (m *Manager) Resolver() *resolver.Resolver {
	return m.resolver
}

// Submit schedules fn to run on the loop goroutine.
func (m *Manager) Submit(fn func()) {
	m.loop.Submit(fn)
}

// Start runs the event loop and the API server.
func (m *Manager) Start(ctx context.Context) error {
	go func() {
		defer close(m.loopDone)
		if err := m.loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("Event loop failed", zap.Error(err))
		}
	}()

	if m.apiServer != nil {
		if err := m.apiServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}
	return nil
}

// Stop shuts everything down: pending lookups fail with the shutdown
// error code, server ports close, the loop drains and exits.
func (m *Manager) Stop() {
	if m.apiServer != nil {
		if err := m.apiServer.Stop(); err != nil {
			m.logger.Warn("Failed to stop API server", zap.Error(err))
		}
	}

	m.loop.Submit(func() {
		for _, port := range m.ports {
			if err := port.Close(); err != nil {
				m.logger.Warn("Failed to close server port", zap.Error(err))
			}
		}
		m.resolver.Shutdown(true)
	})
	m.loop.Stop()
	<-m.loopDone

	if err := m.loop.Close(); err != nil {
		m.logger.Warn("Failed to close event loop", zap.Error(err))
	}
}
