// Package metrics exports transport activity to Prometheus.
//
// A Collector is both a transport.EventSink and a transport.RouteMounter:
// pass it in Config.Sinks to count requests, auth failures, rejections and
// stream churn, and in Config.Routes to serve GET /metrics from the same
// listener. Observe adds gauges that read live session and stream counts
// from the transport when scraped.
package metrics
