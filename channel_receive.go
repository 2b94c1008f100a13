package videoengine

import (
	"context"
	"fmt"
	"slices"
	"time"

	pionrtp "github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/videoengine/codec"
	"github.com/opd-ai/videoengine/fec"
	"github.com/opd-ai/videoengine/jitter"
	"github.com/opd-ai/videoengine/rtcp"
	"github.com/opd-ai/videoengine/rtp"
	"github.com/opd-ai/videoengine/video"
)

const (
	// maxPacketMTUs bounds an injected packet to three MTUs.
	maxPacketMTUs = 3
	minRTCPSize   = 4
)

// onSocketRTP handles a datagram from the internal RTP socket.
func (c *channel) onSocketRTP(data []byte) {
	if !c.receiving.Load() {
		return
	}
	buf := append([]byte(nil), data...)
	if err := c.receiveRTP(buf, c.engine.now()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "channel.onSocketRTP",
			"channel":  c.id,
			"error":    err,
		}).Debug("Dropped RTP packet")
	}
}

// onSocketRTCP handles a datagram from the internal RTCP socket.
func (c *channel) onSocketRTCP(data []byte) {
	buf := append([]byte(nil), data...)
	if err := c.receiveRTCP(buf, c.engine.now()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "channel.onSocketRTCP",
			"channel":  c.id,
			"error":    err,
		}).Debug("Dropped RTCP packet")
	}
}

// checkLength rejects packets shorter than minSize or longer than
// three MTUs.
func (c *channel) checkLength(n, minSize int) error {
	c.mu.RLock()
	limit := maxPacketMTUs * c.mtu
	c.mu.RUnlock()
	if n < minSize || n > limit {
		return fmt.Errorf("%w: %d bytes", ErrPacketLength, n)
	}
	return nil
}

// receiveRTP runs one inbound RTP packet through decryption, statistics,
// FEC and the jitter buffer. data is owned by the channel.
func (c *channel) receiveRTP(data []byte, now time.Time) error {
	if !c.receiving.Load() {
		return ErrNotReceiving
	}
	if err := c.checkLength(len(data), rtpHeaderSize); err != nil {
		return err
	}

	c.mu.RLock()
	dump, ctx := c.dumpIn, c.srtpRecv
	c.mu.RUnlock()

	plain := data
	var err error
	if ctx != nil {
		plain, err = ctx.UnprotectRTP(data)
	} else {
		plain, _, err = c.applyEncryption(decryptRTP, data)
	}
	if err != nil {
		c.discarded.Add(1)
		return fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	if dump != nil {
		if err := dump.WriteRTP(plain, now); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "channel.receiveRTP",
				"channel":  c.id,
				"error":    err,
			}).Debug("Incoming dump write failed")
		}
	}

	pkt := &pionrtp.Packet{}
	if err := pkt.Unmarshal(plain); err != nil {
		c.discarded.Add(1)
		return fmt.Errorf("%w: %v", ErrPacketLength, err)
	}

	c.onPeerActivity(now)
	c.trackRemote(pkt)
	c.recvMeter.Add(len(data), now)

	retransmitted := c.jb.Requested(pkt.SequenceNumber)
	if !c.stats.Update(pkt.SSRC, pkt.SequenceNumber, pkt.Timestamp, len(pkt.Payload), now, retransmitted) {
		c.discarded.Add(1)
		return fmt.Errorf("%w: sequence %d", jitter.ErrDuplicate, pkt.SequenceNumber)
	}
	return c.handleMedia(pkt, now, true)
}

// onPeerActivity feeds the timeout and dead-or-alive detectors.
func (c *channel) onPeerActivity(now time.Time) {
	c.stateMu.Lock()
	c.lastPacket = now
	c.sinceAlive++
	resumed := c.timedOut
	c.timedOut = false
	c.stateMu.Unlock()
	if resumed {
		c.post(event{kind: evPacketTimeout, timeout: PacketReceived})
	}
}

// trackRemote follows SSRC and CSRC changes of the incoming stream.
func (c *channel) trackRemote(pkt *pionrtp.Packet) {
	var events []event
	c.stateMu.Lock()
	ssrcChanged := !c.haveRemote || c.remoteSSRC != pkt.SSRC
	if ssrcChanged {
		c.remoteSSRC, c.haveRemote = pkt.SSRC, true
		c.haveReport = false
		events = append(events, event{kind: evIncomingSSRCChanged, ssrc: pkt.SSRC})
	}
	for _, csrc := range pkt.CSRC {
		if !slices.Contains(c.remoteCSRCs, csrc) {
			events = append(events, event{kind: evIncomingCSRCChanged, ssrc: csrc, added: true})
		}
	}
	for _, csrc := range c.remoteCSRCs {
		if !slices.Contains(pkt.CSRC, csrc) {
			events = append(events, event{kind: evIncomingCSRCChanged, ssrc: csrc})
		}
	}
	c.remoteCSRCs = append(c.remoteCSRCs[:0], pkt.CSRC...)
	c.stateMu.Unlock()

	if ssrcChanged {
		c.stats.Reset(pkt.SSRC)
		c.jb.Reset()
		c.fecRecv.Reset()
		logrus.WithFields(logrus.Fields{
			"function": "channel.trackRemote",
			"channel":  c.id,
			"ssrc":     pkt.SSRC,
		}).Info("Incoming SSRC changed")
	}
	for _, ev := range events {
		c.post(ev)
	}
}

// handleMedia unwraps RED and ULPFEC and inserts media into the jitter
// buffer. fromWire is false for packets rebuilt by FEC.
func (c *channel) handleMedia(pkt *pionrtp.Packet, now time.Time, fromWire bool) error {
	redPT, fecPT := c.group.receivePayloadTypes()

	if redPT >= 0 && int(pkt.PayloadType) == redPT {
		inner, data, err := fec.UnwrapRED(pkt.Payload)
		if err != nil {
			c.discarded.Add(1)
			c.jb.InsertFiller(pkt.SequenceNumber, now)
			return err
		}
		if fecPT >= 0 && int(inner) == fecPT {
			return c.handleFEC(pkt, data, now)
		}
		media := &pionrtp.Packet{Header: pkt.Header, Payload: data}
		media.PayloadType = inner
		pkt = media
	} else if fecPT >= 0 && int(pkt.PayloadType) == fecPT {
		return c.handleFEC(pkt, pkt.Payload, now)
	}

	if fromWire && fecPT >= 0 {
		if raw, err := pkt.Marshal(); err == nil {
			c.insertRecovered(c.fecRecv.AddMedia(raw), now)
		}
	}
	return c.insertMedia(pkt, now)
}

func (c *channel) handleFEC(pkt *pionrtp.Packet, payload []byte, now time.Time) error {
	c.jb.InsertFiller(pkt.SequenceNumber, now)
	recovered, err := c.fecRecv.AddFEC(pkt.SSRC, payload)
	if err != nil {
		c.discarded.Add(1)
		return err
	}
	c.insertRecovered(recovered, now)
	return nil
}

func (c *channel) insertRecovered(packets [][]byte, now time.Time) {
	for _, raw := range packets {
		pkt := &pionrtp.Packet{}
		if err := pkt.Unmarshal(raw); err != nil {
			continue
		}
		logrus.WithFields(logrus.Fields{
			"function": "channel.insertRecovered",
			"channel":  c.id,
			"seq":      pkt.SequenceNumber,
		}).Debug("Recovered packet with FEC")
		if err := c.insertMedia(pkt, now); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "channel.insertRecovered",
				"channel":  c.id,
				"error":    err,
			}).Debug("Recovered packet not used")
		}
	}
}

// insertMedia depacketizes pkt into the jitter buffer.
func (c *channel) insertMedia(pkt *pionrtp.Packet, now time.Time) error {
	desc, ok := c.group.receiveCodec(pkt.PayloadType)
	if !ok {
		c.jb.InsertFiller(pkt.SequenceNumber, now)
		if len(pkt.Payload) <= len(rtp.KeepAlivePayload) {
			return nil
		}
		c.discarded.Add(1)
		return fmt.Errorf("%w: %d", ErrUnknownPayloadType, pkt.PayloadType)
	}

	info, err := codec.NewDepacketizer(desc.Kind).Depacketize(pkt.Payload)
	if err != nil {
		c.discarded.Add(1)
		c.jb.InsertFiller(pkt.SequenceNumber, now)
		return err
	}
	err = c.jb.Insert(jitter.Packet{
		SequenceNumber: pkt.SequenceNumber,
		Timestamp:      pkt.Timestamp,
		Marker:         pkt.Marker,
		PayloadType:    pkt.PayloadType,
		FirstPacket:    info.FirstPacket,
		KeyFrame:       info.KeyFrame,
		PictureID:      info.PictureID,
		Data:           info.Data,
		Arrival:        now,
	})
	if err != nil {
		return err
	}
	c.wakeDecoder()
	return nil
}

func (c *channel) wakeDecoder() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// runDecoder pulls frames out of the jitter buffer until ctx ends.
func (c *channel) runDecoder(ctx context.Context) {
	ticker := time.NewTicker(c.engine.cfg.ProcessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		case <-ticker.C:
		}
		c.decodeReady(c.engine.now())
	}
}

func (c *channel) decodeReady(now time.Time) {
	for {
		f, requestKey := c.jb.Next(now)
		if requestKey {
			c.requestKeyFrame(now)
		}
		if f == nil {
			return
		}
		c.decode(f, now)
	}
}

// evictDecoder releases the decoder cached for pt. External decoders
// stay registered and are initialized again on the next frame.
func (c *channel) evictDecoder(pt uint8) {
	c.decMu.Lock()
	defer c.decMu.Unlock()
	d, ok := c.decoders[pt]
	if !ok {
		return
	}
	delete(c.decoders, pt)
	if err := d.Release(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "channel.evictDecoder",
			"channel":  c.id,
			"pt":       pt,
			"error":    err,
		}).Warn("Decoder release failed")
	}
}

// decoderLocked returns the decoder for desc, creating and initializing
// it on first use. decMu is held.
func (c *channel) decoderLocked(desc codec.Descriptor) (codec.Decoder, error) {
	if d, ok := c.decoders[desc.PayloadType]; ok {
		return d, nil
	}
	d, ok := c.extDecoders[desc.PayloadType]
	if !ok {
		var err error
		if d, err = codec.NewDecoder(desc.Kind); err != nil {
			return nil, err
		}
	}
	if err := d.InitDecode(desc, 1); err != nil {
		return nil, fmt.Errorf("init %s decoder: %w", desc.PayloadName, err)
	}
	if err := d.RegisterDecodeCompleteCallback(c.onDecoded); err != nil {
		return nil, err
	}
	c.decoders[desc.PayloadType] = d
	return d, nil
}

// decode hands one assembled frame to its decoder.
func (c *channel) decode(f *jitter.Frame, now time.Time) {
	desc, ok := c.group.receiveCodec(f.PayloadType)
	if !ok {
		c.discarded.Add(uint64(f.Packets()))
		return
	}

	c.stateMu.Lock()
	changed := c.lastRecvPT != int(f.PayloadType)
	c.lastRecvPT = int(f.PayloadType)
	c.stateMu.Unlock()
	if changed {
		c.post(event{kind: evIncomingCodecChanged, desc: desc})
	}

	frameType := codec.FrameDelta
	if f.KeyFrame {
		frameType = codec.FrameKey
	}
	img := &codec.EncodedImage{
		Data:          f.Assemble(),
		Timestamp:     f.Timestamp,
		CaptureTimeMs: f.FirstArrival.UnixMilli(),
		FrameType:     frameType,
		Width:         desc.Width,
		Height:        desc.Height,
		Complete:      true,
	}
	info := &codec.SpecificInfo{Kind: desc.Kind, PictureID: f.PictureID}
	renderAt := now.Add(c.jb.Delay() + c.audioDelay())

	c.decMu.Lock()
	dec, err := c.decoderLocked(desc)
	if err == nil {
		start := time.Now()
		err = dec.Decode(img, f.MissingBefore, nil, info, renderAt.UnixMilli())
		c.engine.load.add(time.Since(start))
	}
	c.decMu.Unlock()

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "channel.decode",
			"channel":   c.id,
			"timestamp": f.Timestamp,
			"error":     err,
		}).Debug("Decode failed")
		c.requestKeyFrame(now)
		return
	}
	c.framesDecoded.Add(1)
	c.framesRecvTick.Add(1)
	if f.KeyFrame {
		c.keyFramesRecv.Add(1)
	} else {
		c.deltaFramesRecv.Add(1)
	}
}

// audioDelay is the playout delay of the linked audio channel.
func (c *channel) audioDelay() time.Duration {
	c.mu.RLock()
	ch := c.audioChannel
	c.mu.RUnlock()
	if ch < 0 {
		return 0
	}
	c.engine.mu.RLock()
	audio := c.engine.audio
	c.engine.mu.RUnlock()
	if audio == nil {
		return 0
	}
	d, err := audio.PlayoutDelay(ch)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// onDecoded filters a decoded frame and passes it to the renderer.
func (c *channel) onDecoded(f *video.Frame) error {
	c.mu.RLock()
	filter, enhance := c.renderFilter, c.colorEnhance
	c.mu.RUnlock()

	if err := video.ApplyFilter(filter, f); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "channel.onDecoded",
			"channel":  c.id,
			"error":    err,
		}).Debug("Render filter failed")
	}
	if enhance {
		video.EnhanceColor(f)
	}
	err := c.engine.renders.Deliver(c.id, f, c.engine.now())
	if err != nil && KindOf(err) != NotFound {
		return err
	}
	return nil
}

// receiveRTCP handles one inbound RTCP datagram.
func (c *channel) receiveRTCP(data []byte, now time.Time) error {
	sending, receiving := c.sending.Load(), c.receiving.Load()
	if !sending && !receiving {
		return ErrNotReceiving
	}
	if err := c.checkLength(len(data), minRTCPSize); err != nil {
		return err
	}

	c.mu.RLock()
	dump, ctx, tmmbrOn := c.dumpIn, c.srtpRecv, c.tmmbr
	c.mu.RUnlock()

	plain := data
	var err error
	if ctx != nil {
		plain, err = ctx.UnprotectRTCP(data)
	} else {
		plain, _, err = c.applyEncryption(decryptRTCP, data)
	}
	if err != nil {
		c.discarded.Add(1)
		return fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	if dump != nil {
		if err := dump.WriteRTCP(plain, now); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "channel.receiveRTCP",
				"channel":  c.id,
				"error":    err,
			}).Debug("Incoming dump write failed")
		}
	}

	sum, err := rtcp.Parse(plain)
	if err != nil {
		c.discarded.Add(1)
		return err
	}
	c.stateMu.Lock()
	c.sinceAlive++
	if sum.CNAME != "" {
		c.remoteCNAME = sum.CNAME
	}
	c.stateMu.Unlock()

	if sum.SenderReport != nil {
		c.stats.OnSenderReport(sum.SenderReport.NTPTime, now)
	}

	own := c.sender.SSRC()
	for _, rep := range sum.Reports {
		if rep.SSRC != own {
			continue
		}
		rtt := rtcp.RTT(rep, now)
		c.stateMu.Lock()
		c.remoteReport, c.haveReport = rep, true
		if rtt > 0 {
			c.rtt = rtt
		}
		c.stateMu.Unlock()
		c.group.onReceiverReport(rep.FractionLost, now)
	}

	if sending {
		if len(sum.NACKs) > 0 {
			c.retransmit(sum.NACKs, now)
		}
		if sum.KeyFrameRequested() {
			logrus.WithFields(logrus.Fields{
				"function": "channel.receiveRTCP",
				"channel":  c.id,
				"pli":      sum.PLI,
				"fir":      sum.FIR,
			}).Debug("Remote requested key frame")
			c.group.requestKeyFrame()
		}
		if tmmbrOn {
			c.applyTMMBR(sum, own, now)
		}
	}

	for _, app := range sum.Apps {
		c.post(event{kind: evAppData, subType: app.SubType, name: app.Name, data: app.Data})
	}
	if sum.Bye {
		logrus.WithFields(logrus.Fields{
			"function": "channel.receiveRTCP",
			"channel":  c.id,
			"ssrc":     sum.SenderSSRC,
		}).Info("Remote sent BYE")
	}
	return nil
}

// applyTMMBR caps the send rate at a TMMBR request and acknowledges it
// with a TMMBN.
func (c *channel) applyTMMBR(sum *rtcp.Summary, own uint32, now time.Time) {
	for _, entry := range sum.TMMBR {
		if entry.SSRC != own {
			continue
		}
		kbps := int(entry.Bitrate / 1000)
		c.group.onTMMBR(kbps, now)
		c.sendFeedback(&rtcp.TMMBN{
			SenderSSRC: own,
			Entries: []rtcp.TMMBEntry{{
				SSRC:     sum.SenderSSRC,
				Bitrate:  entry.Bitrate,
				Overhead: entry.Overhead,
			}},
		}, now)
		logrus.WithFields(logrus.Fields{
			"function": "channel.applyTMMBR",
			"channel":  c.id,
			"kbps":     kbps,
		}).Debug("Applied TMMBR")
	}
}
