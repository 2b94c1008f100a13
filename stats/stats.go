package stats

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// ChannelSnapshot is a point-in-time view of one channel.
type ChannelSnapshot struct {
	Channel int
	SSRC    uint32

	PacketsSent     uint64
	BytesSent       uint64
	PacketsReceived uint64
	BytesReceived   uint64

	// FractionLost is the Q8 loss fraction of the last received report.
	FractionLost     uint8
	CumulativeLost   uint32
	JitterTicks      uint32
	RTTMs            int64
	KeyFrameRequests uint64
	DiscardedPackets uint64

	TotalKbps int
	VideoKbps int
	FECKbps   int
	NACKKbps  int

	FramesEncoded uint64
	FramesDecoded uint64
}

// Source produces snapshots at scrape time.
type Source interface {
	Snapshots() []ChannelSnapshot
}

// SourceFunc adapts a function to Source.
type SourceFunc func() []ChannelSnapshot

// Snapshots calls f.
func (f SourceFunc) Snapshots() []ChannelSnapshot { return f() }

type metric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	value     func(ChannelSnapshot) float64
}

// Collector is a prometheus.Collector over a Source.
type Collector struct {
	source  Source
	metrics []metric
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector whose metric names start with
// namespace.
func NewCollector(namespace string, source Source) *Collector {
	labels := []string{"channel", "ssrc"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "channel", name), help, labels, nil)
	}
	counter := func(name, help string, f func(ChannelSnapshot) float64) metric {
		return metric{desc: desc(name, help), valueType: prometheus.CounterValue, value: f}
	}
	gauge := func(name, help string, f func(ChannelSnapshot) float64) metric {
		return metric{desc: desc(name, help), valueType: prometheus.GaugeValue, value: f}
	}

	return &Collector{
		source: source,
		metrics: []metric{
			counter("rtp_packets_sent_total", "RTP packets sent.",
				func(s ChannelSnapshot) float64 { return float64(s.PacketsSent) }),
			counter("rtp_bytes_sent_total", "RTP payload bytes sent.",
				func(s ChannelSnapshot) float64 { return float64(s.BytesSent) }),
			counter("rtp_packets_received_total", "RTP packets received.",
				func(s ChannelSnapshot) float64 { return float64(s.PacketsReceived) }),
			counter("rtp_bytes_received_total", "RTP payload bytes received.",
				func(s ChannelSnapshot) float64 { return float64(s.BytesReceived) }),
			gauge("fraction_lost_ratio", "Loss fraction of the last receiver report.",
				func(s ChannelSnapshot) float64 { return float64(s.FractionLost) / 256 }),
			counter("packets_lost_total", "Cumulative packets lost.",
				func(s ChannelSnapshot) float64 { return float64(s.CumulativeLost) }),
			gauge("jitter_rtp_ticks", "Interarrival jitter in RTP timestamp units.",
				func(s ChannelSnapshot) float64 { return float64(s.JitterTicks) }),
			gauge("rtt_seconds", "Round-trip time from RTCP.",
				func(s ChannelSnapshot) float64 { return float64(s.RTTMs) / 1000 }),
			counter("key_frame_requests_total", "Key frame requests sent.",
				func(s ChannelSnapshot) float64 { return float64(s.KeyFrameRequests) }),
			counter("discarded_packets_total", "Received packets discarded before decode.",
				func(s ChannelSnapshot) float64 { return float64(s.DiscardedPackets) }),
			gauge("send_bitrate_kbps", "Total send bitrate.",
				func(s ChannelSnapshot) float64 { return float64(s.TotalKbps) }),
			gauge("video_bitrate_kbps", "Media send bitrate.",
				func(s ChannelSnapshot) float64 { return float64(s.VideoKbps) }),
			gauge("fec_bitrate_kbps", "FEC send bitrate.",
				func(s ChannelSnapshot) float64 { return float64(s.FECKbps) }),
			gauge("nack_bitrate_kbps", "Retransmission send bitrate.",
				func(s ChannelSnapshot) float64 { return float64(s.NACKKbps) }),
			counter("frames_encoded_total", "Frames encoded.",
				func(s ChannelSnapshot) float64 { return float64(s.FramesEncoded) }),
			counter("frames_decoded_total", "Frames decoded.",
				func(s ChannelSnapshot) float64 { return float64(s.FramesDecoded) }),
		},
	}
}

// Describe sends every metric descriptor.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

// Collect snapshots the source and sends one sample per metric and
// channel.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.source.Snapshots() {
		channel := strconv.Itoa(s.Channel)
		ssrc := strconv.FormatUint(uint64(s.SSRC), 10)
		for _, m := range c.metrics {
			ch <- prometheus.MustNewConstMetric(m.desc, m.valueType, m.value(s), channel, ssrc)
		}
	}
}
