// Package metrics provides Prometheus collectors for the resolver engine
// and server ports. All methods are safe to call on a nil receiver, so
// instrumentation points never have to check whether metrics are enabled.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// ResolverMetrics instruments one resolver.
type ResolverMetrics struct {
	lookups       *prometheus.CounterVec
	transmissions prometheus.Counter
	reissues      prometheus.Counter
	probes        *prometheus.CounterVec
	serverFailups prometheus.Counter
	inflight      prometheus.Gauge
	waiting       prometheus.Gauge
	goodServers   prometheus.Gauge
}

// NewResolverMetrics creates and registers resolver collectors.
func NewResolverMetrics(reg prometheus.Registerer) *ResolverMetrics {
	m := &ResolverMetrics{
		lookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stubdns_resolver_lookups_total",
				Help: "Completed lookups by question type and outcome",
			},
			[]string{"type", "outcome"},
		),
		transmissions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stubdns_resolver_transmissions_total",
				Help: "Query datagrams sent, including retransmits",
			},
		),
		reissues: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stubdns_resolver_reissues_total",
				Help: "Requests reissued to a different nameserver",
			},
		),
		probes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stubdns_resolver_probes_total",
				Help: "Probes sent to DOWN nameservers by result",
			},
			[]string{"result"},
		),
		serverFailups: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stubdns_resolver_nameserver_failures_total",
				Help: "Times a nameserver was marked DOWN",
			},
		),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "stubdns_resolver_inflight_requests",
				Help: "Requests currently inflight",
			},
		),
		waiting: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "stubdns_resolver_waiting_requests",
				Help: "Requests queued for inflight capacity",
			},
		),
		goodServers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "stubdns_resolver_good_nameservers",
				Help: "Nameservers currently UP",
			},
		),
	}
	reg.MustRegister(
		m.lookups,
		m.transmissions,
		m.reissues,
		m.probes,
		m.serverFailups,
		m.inflight,
		m.waiting,
		m.goodServers,
	)
	return m
}

// LookupDone counts one completed lookup.
func (m *ResolverMetrics) LookupDone(qtype, outcome string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(qtype, outcome).Inc()
}

// Transmission counts one sent query datagram.
func (m *ResolverMetrics) Transmission() {
	if m == nil {
		return
	}
	m.transmissions.Inc()
}

// Reissue counts one request moved to a different nameserver.
func (m *ResolverMetrics) Reissue() {
	if m == nil {
		return
	}
	m.reissues.Inc()
}

// Probe counts one probe result.
func (m *ResolverMetrics) Probe(result string) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(result).Inc()
}

// NameserverFailed counts one UP to DOWN transition.
func (m *ResolverMetrics) NameserverFailed() {
	if m == nil {
		return
	}
	m.serverFailups.Inc()
}

// SetQueueSizes updates the inflight and waiting gauges.
func (m *ResolverMetrics) SetQueueSizes(inflight, waiting int) {
	if m == nil {
		return
	}
	m.inflight.Set(float64(inflight))
	m.waiting.Set(float64(waiting))
}

// SetGoodNameservers updates the UP-nameserver gauge.
func (m *ResolverMetrics) SetGoodNameservers(n int) {
	if m == nil {
		return
	}
	m.goodServers.Set(float64(n))
}

// ServerMetrics instruments one server port.
type ServerMetrics struct {
	queries prometheus.Counter
	replies prometheus.Counter
	dropped prometheus.Counter
	pending prometheus.Gauge
}

// NewServerMetrics creates and registers server port collectors.
func NewServerMetrics(reg prometheus.Registerer) *ServerMetrics {
	m := &ServerMetrics{
		queries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stubdns_server_queries_total",
				Help: "Queries accepted on server ports",
			},
		),
		replies: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stubdns_server_replies_total",
				Help: "Replies sent from server ports",
			},
		),
		dropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stubdns_server_dropped_total",
				Help: "Queries dropped without a reply",
			},
		),
		pending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "stubdns_server_pending_replies",
				Help: "Replies queued behind a full send buffer",
			},
		),
	}
	reg.MustRegister(m.queries, m.replies, m.dropped, m.pending)
	return m
}

// Query counts one accepted query.
func (m *ServerMetrics) Query() {
	if m == nil {
		return
	}
	m.queries.Inc()
}

// Reply counts one sent reply.
func (m *ServerMetrics) Reply() {
	if m == nil {
		return
	}
	m.replies.Inc()
}

// Dropped counts one dropped query.
func (m *ServerMetrics) Dropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

// SetPendingReplies updates the backpressure gauge.
func (m *ServerMetrics) SetPendingReplies(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}
