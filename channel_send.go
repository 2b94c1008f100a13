package videoengine

import (
	"fmt"
	"net"
	"time"

	pionrtcp "github.com/pion/rtcp"
	pionrtp "github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/videoengine/codec"
	"github.com/opd-ai/videoengine/fec"
	"github.com/opd-ai/videoengine/rtcp"
	"github.com/opd-ai/videoengine/rtp"
	"github.com/opd-ai/videoengine/srtp"
	"github.com/opd-ai/videoengine/transport"
)

// fecOverhead is the RED header plus a long-mask ULPFEC header.
const fecOverhead = 1 + 10 + 8

type packetClass int

const (
	classVideo packetClass = iota
	classFEC
	classNACK
	classKeepAlive
)

// sink is what emission needs from the channel configuration, read
// once per packet so no channel lock is held while sending.
type sink struct {
	dump       *rtp.DumpWriter
	srtp       *srtp.Context
	ext        transport.Transport
	socket     *transport.SocketPair
	rtpAddr    *net.UDPAddr
	rtcpAddr   *net.UDPAddr
}

func (c *channel) sendSink() sink {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := sink{
		dump:       c.dumpOut,
		srtp:       c.srtpSend,
		ext:        c.ext,
		socket:     c.socket,
	}
	switch {
	case !c.dest.IsZero():
		s.rtpAddr, s.rtcpAddr = c.dest.RTPAddr(), c.dest.RTCPAddr()
	case c.socket != nil:
		// Receive-only channels answer RTCP to whoever sends to them.
		if src := c.socket.Source(); src.IP != "" {
			ip := net.ParseIP(src.IP)
			s.rtpAddr = &net.UDPAddr{IP: ip, Port: src.RTPPort}
			s.rtcpAddr = &net.UDPAddr{IP: ip, Port: src.RTCPPort}
		}
	}
	return s
}

// payloadBudget is the room left for one RTP payload.
func (c *channel) payloadBudget() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := c.mtu - ipUDPOverhead - rtpHeaderSize
	switch {
	case c.srtpSend != nil:
		n -= c.srtpSend.Overhead()
	case c.encryption != nil:
		n -= srtp.Headroom
	}
	if c.fec {
		n -= fecOverhead
	}
	return n
}

// sendFrame packetizes one encoded frame and sends it, followed by its
// FEC packets when FEC is on.
func (c *channel) sendFrame(img *codec.EncodedImage, kind codec.Kind, pt, factor uint8, now time.Time) error {
	if !c.sending.Load() {
		return nil
	}
	budget := c.payloadBudget()
	c.mu.RLock()
	fecOn, redPT, fecPT := c.fec, c.redPT, c.fecPT
	c.mu.RUnlock()

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	p, ok := c.packetizers[kind]
	if !ok {
		p = codec.NewPacketizer(kind)
		c.packetizers[kind] = p
	}
	payloads, err := p.Packetize(img, budget)
	if err != nil {
		return fmt.Errorf("packetize %s frame: %w", kind, err)
	}

	ts := c.sender.Timestamp(img.Timestamp)
	packets := c.sender.Packetize(pt, ts, payloads, now)
	c.keepAlive.OnMediaSent(now)
	if img.FrameType == codec.FrameKey {
		c.keyFramesSent.Add(1)
	} else {
		c.deltaFramesSent.Add(1)
	}
	c.framesSentTick.Add(1)

	for _, pkt := range packets {
		if fecOn {
			if raw, err := pkt.Marshal(); err == nil {
				if err := c.fecGen.AddMedia(raw); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "channel.sendFrame",
						"channel":  c.id,
						"seq":      pkt.SequenceNumber,
						"error":    err,
					}).Debug("Packet left without FEC protection")
				}
			}
			pkt.PayloadType = redPT
			pkt.Payload = fec.WrapRED(pt, pkt.Payload)
		}
		if err := c.emit(pkt, classVideo, now); err != nil {
			return err
		}
	}

	if fecOn {
		for _, payload := range c.fecGen.Generate(factor) {
			pkt := c.sender.Packet(redPT, ts, fec.WrapRED(fecPT, payload), false)
			if err := c.emit(pkt, classFEC, now); err != nil {
				return err
			}
		}
	}
	return nil
}

// sendKeepAlive emits one empty packet on pt.
func (c *channel) sendKeepAlive(pt uint8, now time.Time) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	pkt := c.sender.Packet(pt, c.sender.LastTimestamp(), rtp.KeepAlivePayload, false)
	return c.emit(pkt, classKeepAlive, now)
}

// retransmit resends the packets a NACK asked for, as far as the pacer
// allows.
func (c *channel) retransmit(seqs []uint16, now time.Time) {
	rtt := c.currentRTT()
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	resent := 0
	for _, seq := range seqs {
		raw, ok := c.history.GetForResend(seq, now, rtt)
		if !ok {
			continue
		}
		if !c.pacer.Allow(now, len(raw)) {
			logrus.WithFields(logrus.Fields{
				"function": "channel.retransmit",
				"channel":  c.id,
				"seq":      seq,
			}).Debug("Retransmission budget exhausted")
			break
		}
		if err := c.emitRaw(raw, len(raw)-rtpHeaderSize, classNACK, now); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "channel.retransmit",
				"channel":  c.id,
				"seq":      seq,
				"error":    err,
			}).Debug("Retransmission failed")
			return
		}
		resent++
	}
	if resent > 0 {
		logrus.WithFields(logrus.Fields{
			"function":  "channel.retransmit",
			"channel":   c.id,
			"requested": len(seqs),
			"resent":    resent,
		}).Debug("Answered NACK")
	}
}

// emit marshals pkt, stores media for retransmission and sends it.
// sendMu is held.
func (c *channel) emit(pkt *pionrtp.Packet, class packetClass, now time.Time) error {
	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("marshal RTP packet: %w", err)
	}
	if class == classVideo || class == classFEC {
		c.history.Put(pkt.SequenceNumber, raw, now)
	}
	return c.emitRaw(raw, len(pkt.Payload), class, now)
}

// emitRaw dumps, protects and sends one marshaled RTP packet.
func (c *channel) emitRaw(raw []byte, payloadBytes int, class packetClass, now time.Time) error {
	s := c.sendSink()
	if s.dump != nil {
		if err := s.dump.WriteRTP(raw, now); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "channel.emitRaw",
				"channel":  c.id,
				"error":    err,
			}).Debug("Outgoing dump write failed")
		}
	}

	out := raw
	var err error
	if s.srtp != nil {
		out, err = s.srtp.ProtectRTP(raw)
	} else {
		out, _, err = c.applyEncryption(encryptRTP, raw)
	}
	if err != nil {
		return fmt.Errorf("protect RTP packet: %w", err)
	}

	switch {
	case s.ext != nil:
		if n := s.ext.SendPacket(c.id, out); n < 0 {
			return fmt.Errorf("%w: SendPacket returned %d", ErrTransportFailed, n)
		}
	case s.socket != nil && s.rtpAddr != nil:
		if _, err := s.socket.WriteRTP(out, s.rtpAddr); err != nil {
			return fmt.Errorf("%w: %v", ErrTransportFailed, err)
		}
	default:
		return transport.ErrNoDestination
	}

	c.sender.OnPacketSent(payloadBytes)
	c.meters.total.Add(len(out), now)
	switch class {
	case classVideo:
		c.meters.video.Add(len(out), now)
	case classFEC:
		c.meters.fec.Add(len(out), now)
	case classNACK:
		c.meters.nack.Add(len(out), now)
	}
	return nil
}

// sendFeedback sends p as a non-periodic RTCP report.
func (c *channel) sendFeedback(p pionrtcp.Packet, now time.Time) {
	if err := c.sendRTCP(false, []pionrtcp.Packet{p}, now); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "channel.sendFeedback",
			"channel":  c.id,
			"error":    err,
		}).Debug("RTCP feedback not sent")
	}
}

// sendPeriodicRTCP sends the scheduled report, with a TMMBR request
// when asked to.
func (c *channel) sendPeriodicRTCP(tmmbr bool, now time.Time) error {
	var feedback []pionrtcp.Packet
	if tmmbr {
		if req := c.tmmbrRequest(now); req != nil {
			feedback = append(feedback, req)
		}
	}
	return c.sendRTCP(true, feedback, now)
}

// tmmbrRequest asks the remote sender to stay below the maximum bitrate
// of the codec being received, lowered to what arrives when loss is
// high.
func (c *channel) tmmbrRequest(now time.Time) pionrtcp.Packet {
	remote, ok := c.remote()
	if !ok {
		return nil
	}
	c.stateMu.Lock()
	pt := c.lastRecvPT
	c.stateMu.Unlock()
	if pt < 0 {
		return nil
	}
	desc, ok := c.group.receiveCodec(uint8(pt))
	if !ok || desc.MaxBitrate <= 0 {
		return nil
	}
	kbps := desc.MaxBitrate
	fl := c.stats.Snapshot().FractionLost
	if incoming := c.recvMeter.Kbps(now); fl > tmmbrLossThreshold && incoming > 0 {
		kbps = min(kbps, incoming*(256-int(fl))/256)
	}
	return &rtcp.TMMBR{
		SenderSSRC: c.sender.SSRC(),
		Entries: []rtcp.TMMBEntry{{
			SSRC:     remote,
			Bitrate:  uint64(kbps) * 1000,
			Overhead: tmmbrOverhead,
		}},
	}
}

// sendRTCP composes and sends one RTCP datagram.
func (c *channel) sendRTCP(periodic bool, feedback []pionrtcp.Packet, now time.Time) error {
	c.mu.RLock()
	mode, cname := c.rtcpMode, c.cname
	c.mu.RUnlock()
	if mode == rtcp.ModeOff {
		return rtcp.ErrModeOff
	}

	r := rtcp.Report{
		SSRC:     c.sender.SSRC(),
		CNAME:    cname,
		Feedback: feedback,
		Periodic: periodic,
	}
	if c.sending.Load() {
		if info, ok := c.sender.SenderInfo(now); ok {
			r.Sender = &info
		}
	}
	if c.receiving.Load() {
		if _, ok := c.remote(); ok {
			if block, ok := c.stats.Report(now); ok {
				r.Blocks = append(r.Blocks, block)
				c.stateMu.Lock()
				c.sentReport, c.haveSent = block, true
				c.stateMu.Unlock()
			}
		}
	}

	data, err := rtcp.Compose(mode, r)
	if err != nil {
		return err
	}
	return c.emitRTCP(data, now)
}

// emitRTCP dumps, protects and sends one RTCP datagram.
func (c *channel) emitRTCP(data []byte, now time.Time) error {
	s := c.sendSink()
	if s.dump != nil {
		if err := s.dump.WriteRTCP(data, now); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "channel.emitRTCP",
				"channel":  c.id,
				"error":    err,
			}).Debug("Outgoing dump write failed")
		}
	}

	out := data
	var err error
	if s.srtp != nil {
		out, err = s.srtp.ProtectRTCP(data)
	} else {
		out, _, err = c.applyEncryption(encryptRTCP, data)
	}
	if err != nil {
		return fmt.Errorf("protect RTCP packet: %w", err)
	}

	switch {
	case s.ext != nil:
		if n := s.ext.SendRTCPPacket(c.id, out); n < 0 {
			return fmt.Errorf("%w: SendRTCPPacket returned %d", ErrTransportFailed, n)
		}
	case s.socket != nil && s.rtcpAddr != nil:
		if _, err := s.socket.WriteRTCP(out, s.rtcpAddr); err != nil {
			return fmt.Errorf("%w: %v", ErrTransportFailed, err)
		}
	default:
		return transport.ErrNoDestination
	}
	return nil
}

// requestKeyFrame tells the observer and, when RTCP allows, the remote
// sender that decoding needs a key frame.
func (c *channel) requestKeyFrame(now time.Time) {
	c.keyRequests.Add(1)
	c.post(event{kind: evRequestNewKeyFrame})

	c.mu.RLock()
	mode, method := c.rtcpMode, c.keyMethod
	c.mu.RUnlock()
	if mode == rtcp.ModeOff || method == KeyFrameRequestNone {
		return
	}
	remote, ok := c.remote()
	if !ok || !c.kfLimiter.Allow(now) {
		return
	}

	own := c.sender.SSRC()
	if method == KeyFrameRequestFIR {
		c.stateMu.Lock()
		c.firSeq++
		seq := c.firSeq
		c.stateMu.Unlock()
		c.sendFeedback(rtcp.FIR(own, remote, seq), now)
	} else {
		c.sendFeedback(rtcp.PLI(own, remote), now)
	}
	logrus.WithFields(logrus.Fields{
		"function": "channel.requestKeyFrame",
		"channel":  c.id,
		"method":   method,
		"remote":   remote,
	}).Debug("Requested key frame")
}
