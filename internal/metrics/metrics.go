// Package metrics exposes component counters as prometheus collectors.
// Components keep their own atomic counters off the hot path; collectors
// read point-in-time snapshots at scrape.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tradewire/fixengine/internal/compliance"
	"github.com/tradewire/fixengine/internal/fix"
	"github.com/tradewire/fixengine/internal/order"
	"github.com/tradewire/fixengine/internal/pool"
	"github.com/tradewire/fixengine/internal/session"
)

// Metrics owns the registry so tests can build isolated instances.
type Metrics struct {
	registry *prometheus.Registry
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &Metrics{registry: reg}
}

// Handler serves the registry for the observability HTTP server.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) counterFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "fixgate", Name: name, Help: help,
	}, fn))
}

func (m *Metrics) gaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "fixgate", Name: name, Help: help,
	}, fn))
}

func (m *Metrics) RegisterPool(p *pool.Pool) {
	m.gaugeFunc("pool_available", "Messages currently available for checkout.",
		func() float64 { return float64(p.Available()) })
	m.counterFunc("pool_exhausted_total", "Checkout attempts refused on an empty pool.",
		func() float64 { return float64(p.Stats().Exhausted) })
}

func (m *Metrics) RegisterCodec(c *fix.Codec) {
	m.counterFunc("codec_decoded_total", "Messages decoded.",
		func() float64 { return float64(c.Stats().Decoded) })
	m.counterFunc("codec_encoded_total", "Messages encoded.",
		func() float64 { return float64(c.Stats().Encoded) })
	m.counterFunc("codec_delimiter_fixes_total", "Corrupted delimiters normalized.",
		func() float64 { return float64(c.Stats().DelimiterFixes) })
	m.counterFunc("codec_checksum_errors_total", "Messages rejected on checksum.",
		func() float64 { return float64(c.Stats().ChecksumErrors) })
	m.counterFunc("codec_malformed_total", "Messages rejected as malformed.",
		func() float64 { return float64(c.Stats().MalformedErrors) })
}

func (m *Metrics) RegisterSession(s *session.Session) {
	m.gaugeFunc("session_state", "Session state as an enum value.",
		func() float64 { return float64(s.State()) })
	m.gaugeFunc("session_next_out_seq", "Next outbound sequence number.",
		func() float64 { return float64(s.Stats().NextOut) })
	m.gaugeFunc("session_expected_in_seq", "Next expected inbound sequence number.",
		func() float64 { return float64(s.Stats().ExpectedIn) })
	m.counterFunc("session_inbound_drops_total", "Inbound messages refused on a full ring.",
		func() float64 { return float64(s.Stats().InboundDrops) })
	m.counterFunc("session_outbound_drops_total", "Outbound pushes refused on a full ring.",
		func() float64 { return float64(s.Stats().OutboundDrops) })
}

func (m *Metrics) RegisterOrders(om *order.Manager) {
	m.gaugeFunc("orders_live", "Orders currently in a non-terminal state.",
		func() float64 { return float64(om.Stats().Live) })
	m.counterFunc("orders_submitted_total", "Orders submitted.",
		func() float64 { return float64(om.Stats().Submitted) })
	m.counterFunc("orders_executions_total", "Execution reports applied.",
		func() float64 { return float64(om.Stats().Executed) })
	m.counterFunc("orders_anomalies_total", "Execution reports discarded as anomalous.",
		func() float64 { return float64(om.Stats().Anomalies) })
}

func (m *Metrics) RegisterTrail(t *compliance.Trail) {
	m.counterFunc("audit_recorded_total", "Wire messages captured by the audit trail.",
		func() float64 { return float64(t.Stats().Recorded) })
	m.counterFunc("audit_dropped_total", "Audit records lost to overflow or write failure.",
		func() float64 { return float64(t.Stats().Dropped) })
	m.counterFunc("audit_flushed_total", "Audit records persisted.",
		func() float64 { return float64(t.Stats().Flushed) })
	m.gaugeFunc("audit_buffered", "Audit records waiting for the writer.",
		func() float64 { return float64(t.Stats().Buffered) })
}

func (m *Metrics) RegisterInterceptor(ic *compliance.Interceptor) {
	m.counterFunc("compliance_injected_total", "Regulatory fields injected.",
		func() float64 { return float64(ic.Stats().Injected) })
	m.counterFunc("compliance_blocked_total", "Sends blocked on a missing regulatory field.",
		func() float64 { return float64(ic.Stats().Blocked) })
}
