package videoengine

import (
	"github.com/opd-ai/videoengine/codec"
)

// BaseObserver receives engine-wide notifications.
type BaseObserver interface {
	// PerformanceAlarm reports the encoder and decoder busy load each
	// time it crosses the configured threshold.
	PerformanceAlarm(cpuLoadPercent int)
}

// EncoderObserver receives send-side codec notifications.
type EncoderObserver interface {
	OutgoingRate(channel, framerate, bitrateKbps int)
}

// DecoderObserver receives receive-side codec notifications.
type DecoderObserver interface {
	IncomingCodecChanged(channel int, desc codec.Descriptor)
	IncomingRate(channel, framerate, bitrateKbps int)
	RequestNewKeyFrame(channel int)
}

// RTPObserver receives changes of the remote RTP stream.
type RTPObserver interface {
	IncomingSSRCChanged(channel int, ssrc uint32)
	IncomingCSRCChanged(channel int, csrc uint32, added bool)
}

// RTCPObserver receives application-defined RTCP packets.
type RTCPObserver interface {
	OnApplicationDataReceived(channel int, subType uint8, name uint32, data []byte)
}

// PacketTimeoutEvent is what a NetworkObserver learns about inbound
// silence.
type PacketTimeoutEvent int

const (
	// NoPacket means nothing arrived for the configured timeout.
	NoPacket PacketTimeoutEvent = iota
	// PacketReceived means packets resumed after a NoPacket event.
	PacketReceived
)

// String returns the event name.
func (p PacketTimeoutEvent) String() string {
	if p == NoPacket {
		return "no packet"
	}
	return "packet received"
}

// NetworkObserver receives liveness notifications.
type NetworkObserver interface {
	OnPeriodicDeadOrAlive(channel int, alive bool)
	PacketTimeout(channel int, event PacketTimeoutEvent)
}

// ObserverRecord counts the notifications produced for one channel,
// whether or not an observer is registered.
type ObserverRecord struct {
	IncomingCodecChanges int
	LastPayloadType      uint8
	LastWidth            int
	LastHeight           int

	IncomingRateSamples int
	IncomingFramerate   int
	IncomingBitrate     int
	OutgoingRateSamples int
	OutgoingFramerate   int
	OutgoingBitrate     int

	KeyFrameRequests int
	SSRCChanges      int
	CSRCChanges      int
	AppPackets       int

	AliveEvents         int
	DeadEvents          int
	PacketTimeouts      int
	PacketResumedEvents int
}

type eventKind int

const (
	evIncomingCodecChanged eventKind = iota
	evIncomingRate
	evOutgoingRate
	evRequestNewKeyFrame
	evIncomingSSRCChanged
	evIncomingCSRCChanged
	evAppData
	evDeadOrAlive
	evPacketTimeout
)

// event is one queued observer notification.
type event struct {
	kind eventKind

	desc      codec.Descriptor
	framerate int
	bitrate   int
	ssrc      uint32
	added     bool
	subType   uint8
	name      uint32
	data      []byte
	alive     bool
	timeout   PacketTimeoutEvent
}

// record folds ev into r.
func (r *ObserverRecord) record(ev event) {
	switch ev.kind {
	case evIncomingCodecChanged:
		r.IncomingCodecChanges++
		r.LastPayloadType = ev.desc.PayloadType
		r.LastWidth, r.LastHeight = ev.desc.Width, ev.desc.Height
	case evIncomingRate:
		r.IncomingRateSamples++
		r.IncomingFramerate, r.IncomingBitrate = ev.framerate, ev.bitrate
	case evOutgoingRate:
		r.OutgoingRateSamples++
		r.OutgoingFramerate, r.OutgoingBitrate = ev.framerate, ev.bitrate
	case evRequestNewKeyFrame:
		r.KeyFrameRequests++
	case evIncomingSSRCChanged:
		r.SSRCChanges++
	case evIncomingCSRCChanged:
		r.CSRCChanges++
	case evAppData:
		r.AppPackets++
	case evDeadOrAlive:
		if ev.alive {
			r.AliveEvents++
		} else {
			r.DeadEvents++
		}
	case evPacketTimeout:
		if ev.timeout == NoPacket {
			r.PacketTimeouts++
		} else {
			r.PacketResumedEvents++
		}
	}
}

// observers is the observer set of a channel.
type observers struct {
	encoder EncoderObserver
	decoder DecoderObserver
	rtp     RTPObserver
	rtcp    RTCPObserver
	network NetworkObserver
}

func (o observers) any() bool {
	return o.encoder != nil || o.decoder != nil || o.rtp != nil || o.rtcp != nil || o.network != nil
}

// deliver calls the observer interested in ev, if any.
func (o observers) deliver(ch int, ev event) {
	switch ev.kind {
	case evIncomingCodecChanged:
		if o.decoder != nil {
			o.decoder.IncomingCodecChanged(ch, ev.desc)
		}
	case evIncomingRate:
		if o.decoder != nil {
			o.decoder.IncomingRate(ch, ev.framerate, ev.bitrate)
		}
	case evOutgoingRate:
		if o.encoder != nil {
			o.encoder.OutgoingRate(ch, ev.framerate, ev.bitrate)
		}
	case evRequestNewKeyFrame:
		if o.decoder != nil {
			o.decoder.RequestNewKeyFrame(ch)
		}
	case evIncomingSSRCChanged:
		if o.rtp != nil {
			o.rtp.IncomingSSRCChanged(ch, ev.ssrc)
		}
	case evIncomingCSRCChanged:
		if o.rtp != nil {
			o.rtp.IncomingCSRCChanged(ch, ev.ssrc, ev.added)
		}
	case evAppData:
		if o.rtcp != nil {
			o.rtcp.OnApplicationDataReceived(ch, ev.subType, ev.name, ev.data)
		}
	case evDeadOrAlive:
		if o.network != nil {
			o.network.OnPeriodicDeadOrAlive(ch, ev.alive)
		}
	case evPacketTimeout:
		if o.network != nil {
			o.network.PacketTimeout(ch, ev.timeout)
		}
	}
}
