// Package videoengine implements a real-time video engine: capture,
// encoding, RTP/RTCP transport with loss repair, optional SRTP or
// caller-supplied encryption, decoding and rendering, organized as a
// graph of channels.
//
// An Engine is created from a config.Config and exposes its API through
// lightweight facets: Base, Capture, Codec, RTPRTCP, Network,
// ImageProcess, Render and Encryption. Every facet method is safe for
// concurrent use, returns an error wrapping a sentinel, and records the
// outcome for Base().LastError.
//
// # Getting Started
//
// Create an engine, a channel and a send path:
//
//	cfg := config.Default()
//	eng, err := videoengine.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//
//	if err := eng.Base().Init(); err != nil {
//	    log.Fatal(err)
//	}
//	ch, _ := eng.Base().CreateChannel()
//
//	vp8, _ := codec.Lookup(codec.KindVP8)
//	vp8.Width, vp8.Height = 352, 288
//	_ = eng.Codec().SetSendCodec(ch, vp8)
//	_ = eng.Network().SetSendDestination(ch, "127.0.0.1", 11111, 0, 0, 0)
//	_ = eng.Base().StartSend(ch)
//
// Frames enter through a capture source connected to the channel:
//
//	id, push, _ := eng.Capture().AllocateExternalCaptureDevice()
//	_ = eng.Capture().ConnectCaptureDevice(id, ch)
//	_ = push.DeliverFrame(i420, len(i420), 352, 288, 0)
//
// # Channels
//
// A channel owns one outgoing and one incoming RTP stream. Child
// channels created with CreateChildChannel share their parent's encoder,
// receive codec table and payload-type registry, so one encoded frame
// can be sent to several destinations. A channel moves between idle,
// sending and receiving with StartSend, StopSend, StartReceive and
// StopReceive; the local SSRC and start sequence number are frozen while
// sending.
//
// # Transport
//
// Packets leave either through internal UDP sockets (SetLocalReceiver,
// SetSendDestination) or through a caller-supplied transport.Transport
// (RegisterSendTransport). With an external transport the caller feeds
// received packets back with ReceivedRTPPacket and ReceivedRTCPPacket.
//
// # Loss Repair
//
// NACK retransmits from a history sized from the send rate and round-trip
// time. FEC sends ULPFEC inside RED. Both may run together; the rate
// allocator keeps video, FEC and retransmissions within the target
// bitrate. Decoders that lose a reference ask the sender for a key frame
// over RTCP with PLI or FIR.
//
// # Observers
//
// Observer callbacks run on the engine's processing goroutine. State
// transitions on a channel wait for its in-flight callbacks to finish;
// a callback that calls StartSend, StopSend, StartReceive, StopReceive
// or DeleteChannel on its own channel gets ErrReentrantCall instead of a
// deadlock.
//
// # Deterministic Testing
//
// WithTimeProvider replaces the engine clock. Tests drive time with a
// ManualClock and step the engine with its processing loop:
//
//	clock := videoengine.NewManualClock(start)
//	eng, _ := videoengine.New(cfg, videoengine.WithTimeProvider(clock))
//
// # Metrics
//
// MetricsCollector returns a prometheus.Collector exporting per-channel
// packet, loss, bitrate and frame counters.
package videoengine
