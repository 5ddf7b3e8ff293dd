package proxy

import "github.com/docker/go-metrics"

var (
	listenersActive    metrics.LabeledGauge
	connectionsTotal   metrics.Counter
	dialFailures       metrics.LabeledCounter
	sessionsActive     metrics.Gauge
	sessionsEvicted    metrics.Counter
	datagramsForwarded metrics.LabeledCounter
	bytesRelayed       metrics.LabeledCounter
)

func init() {
	ns := metrics.NewNamespace("portforward", "proxy", nil)
	listenersActive = ns.NewLabeledGauge("listeners", "The number of bound forwarding listeners", metrics.Total, "proto")
	connectionsTotal = ns.NewCounter("tcp_connections", "The number of accepted TCP connections")
	dialFailures = ns.NewLabeledCounter("dial_failures", "The number of failures to open an outbound socket to the remote address", "proto")
	sessionsActive = ns.NewGauge("udp_sessions", "The number of live UDP sessions", metrics.Total)
	sessionsEvicted = ns.NewCounter("udp_sessions_evicted", "The number of UDP sessions closed by the idle reaper")
	datagramsForwarded = ns.NewLabeledCounter("udp_datagrams", "The number of forwarded UDP datagrams", "direction")
	bytesRelayed = ns.NewLabeledCounter("bytes", "The number of bytes relayed", "proto", "direction")
	metrics.Register(ns)
}
