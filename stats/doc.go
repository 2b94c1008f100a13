// Package stats exports per-channel engine counters to Prometheus.
//
// A Collector pulls ChannelSnapshot values from a Source at scrape time
// and turns them into const metrics labelled by channel and SSRC. It
// keeps no state of its own.
package stats
