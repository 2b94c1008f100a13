package videoengine

import (
	"fmt"
	"time"

	pionrtcp "github.com/pion/rtcp"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/videoengine/rtcp"
	"github.com/opd-ai/videoengine/rtp"
)

// RTPRTCP is the RTP/RTCP facet: stream identity, RTCP mode, loss
// repair, keep-alive, APP packets, dumps and statistics.
type RTPRTCP struct {
	e *Engine
}

// KeyFrameMethod selects how a receiver asks for a key frame.
type KeyFrameMethod int

const (
	// KeyFrameRequestNone only notifies the decoder observer.
	KeyFrameRequestNone KeyFrameMethod = iota
	// KeyFrameRequestPLI sends an RTCP picture loss indication.
	KeyFrameRequestPLI
	// KeyFrameRequestFIR sends an RTCP full intra request.
	KeyFrameRequestFIR
)

// String returns the method name.
func (m KeyFrameMethod) String() string {
	switch m {
	case KeyFrameRequestNone:
		return "none"
	case KeyFrameRequestPLI:
		return "pli"
	case KeyFrameRequestFIR:
		return "fir"
	default:
		return fmt.Sprintf("KeyFrameMethod(%d)", int(m))
	}
}

// DumpDirection selects which packets an RTP dump records.
type DumpDirection int

const (
	// DumpIncoming records received packets before decryption is undone.
	DumpIncoming DumpDirection = iota
	// DumpOutgoing records sent packets before encryption.
	DumpOutgoing
)

// RTCPStatistics describes one direction of a stream as an RTCP
// reception report does.
type RTCPStatistics struct {
	FractionLost   uint8
	CumulativeLost uint32
	ExtendedMaxSeq uint32
	// Jitter is in RTP timestamp units.
	Jitter uint32
	RTTMs  int64
}

// RTPStatistics counts RTP payload bytes and packets per direction.
type RTPStatistics struct {
	BytesSent       uint64
	PacketsSent     uint64
	BytesReceived   uint64
	PacketsReceived uint64
}

// BandwidthUsage is the current send rate split by purpose, in kbps.
type BandwidthUsage struct {
	TotalKbps int
	VideoKbps int
	FECKbps   int
	NACKKbps  int
}

// SetLocalSSRC sets the SSRC of outgoing packets. It fails once the
// channel has started sending.
func (r RTPRTCP) SetLocalSSRC(channel int, ssrc uint32) error {
	c, err := r.e.channel(channel)
	if err != nil {
		return r.e.track("SetLocalSSRC", err)
	}
	if c.sending.Load() {
		return r.e.track("SetLocalSSRC", ErrSending)
	}
	return r.e.track("SetLocalSSRC", c.sender.SetSSRC(ssrc))
}

// GetLocalSSRC returns the SSRC of outgoing packets.
func (r RTPRTCP) GetLocalSSRC(channel int) (uint32, error) {
	c, err := r.e.channel(channel)
	if err != nil {
		return 0, r.e.track("GetLocalSSRC", err)
	}
	return c.sender.SSRC(), r.e.track("GetLocalSSRC", nil)
}

// GetRemoteSSRC returns the SSRC of the incoming stream.
func (r RTPRTCP) GetRemoteSSRC(channel int) (uint32, error) {
	c, err := r.e.channel(channel)
	if err != nil {
		return 0, r.e.track("GetRemoteSSRC", err)
	}
	ssrc, ok := c.remote()
	if !ok {
		return 0, r.e.track("GetRemoteSSRC", fmt.Errorf("%w: no packet received", ErrNotReceiving))
	}
	return ssrc, r.e.track("GetRemoteSSRC", nil)
}

// GetRemoteCSRCs returns the contributing sources of the last incoming
// packet.
func (r RTPRTCP) GetRemoteCSRCs(channel int) ([]uint32, error) {
	c, err := r.e.channel(channel)
	if err != nil {
		return nil, r.e.track("GetRemoteCSRCs", err)
	}
	c.stateMu.Lock()
	out := append([]uint32(nil), c.remoteCSRCs...)
	c.stateMu.Unlock()
	return out, r.e.track("GetRemoteCSRCs", nil)
}

// SetStartSequenceNumber sets the sequence number of the first packet
// sent. It fails once the channel has started sending.
func (r RTPRTCP) SetStartSequenceNumber(channel int, seq uint16) error {
	c, err := r.e.channel(channel)
	if err != nil {
		return r.e.track("SetStartSequenceNumber", err)
	}
	if c.sending.Load() {
		return r.e.track("SetStartSequenceNumber", ErrSending)
	}
	return r.e.track("SetStartSequenceNumber", c.sender.SetStartSequenceNumber(seq))
}

// SetRTCPStatus selects the RTCP mode. Turning RTCP off also turns off
// NACK, TMMBR and RTCP key-frame requests.
func (r RTPRTCP) SetRTCPStatus(channel int, mode rtcp.Mode) error {
	if !mode.Valid() {
		return r.e.track("SetRTCPStatus", fmt.Errorf("%w: RTCP mode %d", ErrInvalidMode, int(mode)))
	}
	c, err := r.e.channel(channel)
	if err != nil {
		return r.e.track("SetRTCPStatus", err)
	}

	c.mu.Lock()
	c.rtcpMode = mode
	nackDropped := false
	if mode == rtcp.ModeOff {
		nackDropped = c.nack
		c.nack = false
		c.tmmbr = false
		c.keyMethod = KeyFrameRequestNone
	}
	c.mu.Unlock()

	if nackDropped {
		c.jb.SetNackEnabled(false)
		c.group.applyRates(r.e.now())
	}
	logrus.WithFields(logrus.Fields{
		"function": "RTPRTCP.SetRTCPStatus",
		"channel":  channel,
		"mode":     mode.String(),
	}).Debug("RTCP mode set")
	return r.e.track("SetRTCPStatus", nil)
}

// GetRTCPStatus returns the RTCP mode.
func (r RTPRTCP) GetRTCPStatus(channel int) (rtcp.Mode, error) {
	c, err := r.e.channel(channel)
	if err != nil {
		return rtcp.ModeOff, r.e.track("GetRTCPStatus", err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rtcpMode, r.e.track("GetRTCPStatus", nil)
}

// SetRTCPCName sets the CNAME advertised in SDES. The next report
// carries the new value.
func (r RTPRTCP) SetRTCPCName(channel int, cname string) error {
	if cname == "" {
		return r.e.track("SetRTCPCName", fmt.Errorf("%w: empty CNAME", ErrInvalidArgument))
	}
	if len(cname) > rtcp.MaxCNAMELength {
		return r.e.track("SetRTCPCName", fmt.Errorf("%w: %d bytes", rtcp.ErrCNAMETooLong, len(cname)))
	}
	c, err := r.e.channel(channel)
	if err != nil {
		return r.e.track("SetRTCPCName", err)
	}
	c.mu.Lock()
	c.cname = cname
	c.mu.Unlock()
	return r.e.track("SetRTCPCName", nil)
}

// GetRTCPCName returns the local CNAME.
func (r RTPRTCP) GetRTCPCName(channel int) (string, error) {
	c, err := r.e.channel(channel)
	if err != nil {
		return "", r.e.track("GetRTCPCName", err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cname, r.e.track("GetRTCPCName", nil)
}

// GetRemoteRTCPCName returns the CNAME the remote end advertised.
func (r RTPRTCP) GetRemoteRTCPCName(channel int) (string, error) {
	c, err := r.e.channel(channel)
	if err != nil {
		return "", r.e.track("GetRemoteRTCPCName", err)
	}
	c.stateMu.Lock()
	cname := c.remoteCNAME
	c.stateMu.Unlock()
	if cname == "" {
		return "", r.e.track("GetRemoteRTCPCName", fmt.Errorf("%w: no SDES received", ErrNotReceiving))
	}
	return cname, r.e.track("GetRemoteRTCPCName", nil)
}

// SetNACKStatus turns NACK-only protection on or off. NACK needs RTCP.
func (r RTPRTCP) SetNACKStatus(channel int, enable bool) error {
	c, err := r.e.channel(channel)
	if err != nil {
		return r.e.track("SetNACKStatus", err)
	}
	if !enable {
		_, fecOn := c.protection()
		return r.e.track("SetNACKStatus", r.e.setProtection(c, false, fecOn, 0, 0, false))
	}
	return r.e.track("SetNACKStatus", r.e.setProtection(c, true, false, 0, 0, false))
}

// SetFECStatus turns FEC-only protection on or off. redPT carries the
// RED-encapsulated stream and fecPT the ULPFEC blocks inside it.
func (r RTPRTCP) SetFECStatus(channel int, enable bool, redPT, fecPT uint8) error {
	c, err := r.e.channel(channel)
	if err != nil {
		return r.e.track("SetFECStatus", err)
	}
	if !enable {
		nackOn, _ := c.protection()
		return r.e.track("SetFECStatus", r.e.setProtection(c, nackOn, false, 0, 0, false))
	}
	return r.e.track("SetFECStatus", r.e.setProtection(c, false, true, redPT, fecPT, true))
}

// SetHybridNACKFECStatus turns NACK and FEC on or off together.
func (r RTPRTCP) SetHybridNACKFECStatus(channel int, enable bool, redPT, fecPT uint8) error {
	c, err := r.e.channel(channel)
	if err != nil {
		return r.e.track("SetHybridNACKFECStatus", err)
	}
	return r.e.track("SetHybridNACKFECStatus", r.e.setProtection(c, enable, enable, redPT, fecPT, enable))
}

// setProtection installs the protection mode of c. newPTs says whether
// redPT and fecPT replace the current RED and ULPFEC payload types.
func (e *Engine) setProtection(c *channel, nack, fecOn bool, redPT, fecPT uint8, newPTs bool) error {
	if newPTs {
		if redPT == fecPT || redPT > 127 || fecPT > 127 {
			return fmt.Errorf("%w: red %d, fec %d", ErrInvalidPayloadTypes, redPT, fecPT)
		}
	}

	c.mu.Lock()
	if nack && c.rtcpMode == rtcp.ModeOff {
		c.mu.Unlock()
		return fmt.Errorf("%w: NACK needs RTCP", ErrRTCPDisabled)
	}
	reg := c.group.registry
	if c.fec && (!fecOn || newPTs) {
		_ = reg.Release(c.redPT, rtp.OwnerRED)
		_ = reg.Release(c.fecPT, rtp.OwnerFEC)
	}
	if fecOn && newPTs {
		if err := reg.Register(redPT, rtp.OwnerRED); err != nil {
			c.fec = false
			c.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrInvalidPayloadTypes, err)
		}
		if err := reg.Register(fecPT, rtp.OwnerFEC); err != nil {
			_ = reg.Release(redPT, rtp.OwnerRED)
			c.fec = false
			c.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrInvalidPayloadTypes, err)
		}
		if err := c.group.setReceiveProtection(redPT, fecPT); err != nil {
			_ = reg.Release(redPT, rtp.OwnerRED)
			_ = reg.Release(fecPT, rtp.OwnerFEC)
			c.fec = false
			c.mu.Unlock()
			return err
		}
		c.redPT, c.fecPT = redPT, fecPT
	}
	c.nack, c.fec = nack, fecOn
	c.mu.Unlock()

	c.jb.SetNackEnabled(nack)
	if !fecOn {
		c.sendMu.Lock()
		c.fecGen.Generate(0)
		c.sendMu.Unlock()
	}
	c.group.applyRates(e.now())

	logrus.WithFields(logrus.Fields{
		"function": "Engine.setProtection",
		"channel":  c.id,
		"nack":     nack,
		"fec":      fecOn,
		"red_pt":   redPT,
		"fec_pt":   fecPT,
	}).Info("Protection mode set")
	return nil
}

// SetKeyFrameRequestMethod selects how key frames are requested from
// the remote sender. PLI and FIR need RTCP.
func (r RTPRTCP) SetKeyFrameRequestMethod(channel int, method KeyFrameMethod) error {
	if method < KeyFrameRequestNone || method > KeyFrameRequestFIR {
		return r.e.track("SetKeyFrameRequestMethod", fmt.Errorf("%w: %s", ErrInvalidMode, method))
	}
	c, err := r.e.channel(channel)
	if err != nil {
		return r.e.track("SetKeyFrameRequestMethod", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return r.e.track("SetKeyFrameRequestMethod", c.applyKeyFrameMethodLocked(method))
}

// SetTMMBRStatus turns temporary maximum bitrate requests on or off.
func (r RTPRTCP) SetTMMBRStatus(channel int, enable bool) error {
	c, err := r.e.channel(channel)
	if err != nil {
		return r.e.track("SetTMMBRStatus", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if enable && c.rtcpMode == rtcp.ModeOff {
		return r.e.track("SetTMMBRStatus", fmt.Errorf("%w: TMMBR needs RTCP", ErrRTCPDisabled))
	}
	c.tmmbr = enable
	return r.e.track("SetTMMBRStatus", nil)
}

// SetRTPKeepAliveStatus sends a one-byte packet on payloadType after
// every interval without media. interval must be 1..60 s.
func (r RTPRTCP) SetRTPKeepAliveStatus(channel int, enable bool, payloadType uint8, interval time.Duration) error {
	c, err := r.e.channel(channel)
	if err != nil {
		return r.e.track("SetRTPKeepAliveStatus", err)
	}
	reg := c.group.registry
	if !enable {
		_, pt, _ := c.keepAlive.Status()
		if err := c.keepAlive.Disable(); err != nil {
			return r.e.track("SetRTPKeepAliveStatus", err)
		}
		_ = reg.Release(pt, rtp.OwnerKeepAlive)
		return r.e.track("SetRTPKeepAliveStatus", nil)
	}

	if on, _, _ := c.keepAlive.Status(); on {
		return r.e.track("SetRTPKeepAliveStatus", rtp.ErrKeepAliveState)
	}
	if interval < rtp.MinKeepAliveInterval || interval > rtp.MaxKeepAliveInterval {
		return r.e.track("SetRTPKeepAliveStatus", rtp.ErrInvalidKeepAliveInterval)
	}
	if err := reg.Register(payloadType, rtp.OwnerKeepAlive); err != nil {
		return r.e.track("SetRTPKeepAliveStatus", err)
	}
	if err := c.keepAlive.Enable(payloadType, interval, r.e.now()); err != nil {
		_ = reg.Release(payloadType, rtp.OwnerKeepAlive)
		return r.e.track("SetRTPKeepAliveStatus", err)
	}
	return r.e.track("SetRTPKeepAliveStatus", nil)
}

// GetRTPKeepAliveStatus returns the keep-alive configuration.
func (r RTPRTCP) GetRTPKeepAliveStatus(channel int) (enabled bool, payloadType uint8, interval time.Duration, err error) {
	c, err := r.e.channel(channel)
	if err != nil {
		return false, 0, 0, r.e.track("GetRTPKeepAliveStatus", err)
	}
	enabled, payloadType, interval = c.keepAlive.Status()
	return enabled, payloadType, interval, r.e.track("GetRTPKeepAliveStatus", nil)
}

// SendApplicationDefinedRTCPPacket sends an RTCP APP packet. data must
// be a multiple of 4 bytes long.
func (r RTPRTCP) SendApplicationDefinedRTCPPacket(channel int, subType uint8, name uint32, data []byte) error {
	c, err := r.e.channel(channel)
	if err != nil {
		return r.e.track("SendApplicationDefinedRTCPPacket", err)
	}
	if !c.sending.Load() {
		return r.e.track("SendApplicationDefinedRTCPPacket", ErrNotSending)
	}
	app, err := rtcp.NewApplicationDefined(c.sender.SSRC(), subType, name, data)
	if err != nil {
		return r.e.track("SendApplicationDefinedRTCPPacket", err)
	}
	return r.e.track("SendApplicationDefinedRTCPPacket", c.sendRTCP(false, []pionrtcp.Packet{app}, r.e.now()))
}

// StartRTPDump records the packets of one direction to path in rtpdump
// format.
func (r RTPRTCP) StartRTPDump(channel int, path string, direction DumpDirection) error {
	if direction != DumpIncoming && direction != DumpOutgoing {
		return r.e.track("StartRTPDump", fmt.Errorf("%w: %d", ErrInvalidDirection, int(direction)))
	}
	if path == "" {
		return r.e.track("StartRTPDump", fmt.Errorf("%w: empty path", ErrInvalidArgument))
	}
	c, err := r.e.channel(channel)
	if err != nil {
		return r.e.track("StartRTPDump", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	slot := &c.dumpOut
	if direction == DumpIncoming {
		slot = &c.dumpIn
	}
	if *slot != nil {
		return r.e.track("StartRTPDump", ErrDumpActive)
	}
	d, err := rtp.CreateDump(path, r.e.now())
	if err != nil {
		return r.e.track("StartRTPDump", err)
	}
	*slot = d
	return r.e.track("StartRTPDump", nil)
}

// StopRTPDump closes the dump of one direction.
func (r RTPRTCP) StopRTPDump(channel int, direction DumpDirection) error {
	if direction != DumpIncoming && direction != DumpOutgoing {
		return r.e.track("StopRTPDump", fmt.Errorf("%w: %d", ErrInvalidDirection, int(direction)))
	}
	c, err := r.e.channel(channel)
	if err != nil {
		return r.e.track("StopRTPDump", err)
	}

	c.mu.Lock()
	slot := &c.dumpOut
	if direction == DumpIncoming {
		slot = &c.dumpIn
	}
	d := *slot
	*slot = nil
	c.mu.Unlock()
	if d == nil {
		return r.e.track("StopRTPDump", ErrDumpInactive)
	}
	if err := d.Close(); err != nil {
		return r.e.track("StopRTPDump", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "RTPRTCP.StopRTPDump",
		"channel":  channel,
		"records":  d.Count(),
	}).Debug("RTP dump closed")
	return r.e.track("StopRTPDump", nil)
}

// GetReceivedRTCPStatistics returns the statistics this end measures on
// the incoming stream, as it reports them in RTCP.
func (r RTPRTCP) GetReceivedRTCPStatistics(channel int) (RTCPStatistics, error) {
	c, err := r.e.channel(channel)
	if err != nil {
		return RTCPStatistics{}, r.e.track("GetReceivedRTCPStatistics", err)
	}
	if _, ok := c.remote(); !ok {
		return RTCPStatistics{}, r.e.track("GetReceivedRTCPStatistics", fmt.Errorf("%w: no packet received", ErrNotReceiving))
	}
	s := c.stats.Snapshot()
	c.stateMu.Lock()
	fraction := s.FractionLost
	if c.haveSent {
		fraction = c.sentReport.FractionLost
	}
	rtt := c.rtt
	c.stateMu.Unlock()
	return RTCPStatistics{
		FractionLost:   fraction,
		CumulativeLost: s.CumulativeLost,
		ExtendedMaxSeq: s.ExtendedMaxSeq,
		Jitter:         s.Jitter,
		RTTMs:          rtt.Milliseconds(),
	}, r.e.track("GetReceivedRTCPStatistics", nil)
}

// GetSentRTCPStatistics returns what the remote end reported about the
// outgoing stream in its last reception report.
func (r RTPRTCP) GetSentRTCPStatistics(channel int) (RTCPStatistics, error) {
	c, err := r.e.channel(channel)
	if err != nil {
		return RTCPStatistics{}, r.e.track("GetSentRTCPStatistics", err)
	}
	c.stateMu.Lock()
	report, ok, rtt := c.remoteReport, c.haveReport, c.rtt
	c.stateMu.Unlock()
	if !ok {
		return RTCPStatistics{}, r.e.track("GetSentRTCPStatistics", fmt.Errorf("%w: no report received", ErrNotSending))
	}
	return RTCPStatistics{
		FractionLost:   report.FractionLost,
		CumulativeLost: report.TotalLost,
		ExtendedMaxSeq: report.LastSequenceNumber,
		Jitter:         report.Jitter,
		RTTMs:          rtt.Milliseconds(),
	}, r.e.track("GetSentRTCPStatistics", nil)
}

// GetRTPStatistics returns payload byte and packet counts per
// direction.
func (r RTPRTCP) GetRTPStatistics(channel int) (RTPStatistics, error) {
	c, err := r.e.channel(channel)
	if err != nil {
		return RTPStatistics{}, r.e.track("GetRTPStatistics", err)
	}
	packets, octets := c.sender.Counters()
	recv := c.stats.Snapshot()
	return RTPStatistics{
		BytesSent:       uint64(octets),
		PacketsSent:     uint64(packets),
		BytesReceived:   recv.BytesReceived,
		PacketsReceived: uint64(recv.PacketsReceived),
	}, r.e.track("GetRTPStatistics", nil)
}

// GetBandwidthUsage returns the current send rate split.
func (r RTPRTCP) GetBandwidthUsage(channel int) (BandwidthUsage, error) {
	c, err := r.e.channel(channel)
	if err != nil {
		return BandwidthUsage{}, r.e.track("GetBandwidthUsage", err)
	}
	now := r.e.now()
	return BandwidthUsage{
		TotalKbps: c.meters.total.Kbps(now),
		VideoKbps: c.meters.video.Kbps(now),
		FECKbps:   c.meters.fec.Kbps(now),
		NACKKbps:  c.meters.nack.Kbps(now),
	}, r.e.track("GetBandwidthUsage", nil)
}

// RegisterRTPObserver installs the RTP observer of channel.
func (r RTPRTCP) RegisterRTPObserver(channel int, observer RTPObserver) error {
	return r.e.track("RegisterRTPObserver", r.e.setObserver(channel, observer == nil, func(o *observers) error {
		if o.rtp != nil {
			return ErrObserverExists
		}
		o.rtp = observer
		return nil
	}))
}

// DeregisterRTPObserver removes the RTP observer of channel.
func (r RTPRTCP) DeregisterRTPObserver(channel int) error {
	return r.e.track("DeregisterRTPObserver", r.e.setObserver(channel, false, func(o *observers) error {
		if o.rtp == nil {
			return ErrNoObserver
		}
		o.rtp = nil
		return nil
	}))
}

// RegisterRTCPObserver installs the RTCP observer of channel.
func (r RTPRTCP) RegisterRTCPObserver(channel int, observer RTCPObserver) error {
	return r.e.track("RegisterRTCPObserver", r.e.setObserver(channel, observer == nil, func(o *observers) error {
		if o.rtcp != nil {
			return ErrObserverExists
		}
		o.rtcp = observer
		return nil
	}))
}

// DeregisterRTCPObserver removes the RTCP observer of channel.
func (r RTPRTCP) DeregisterRTCPObserver(channel int) error {
	return r.e.track("DeregisterRTCPObserver", r.e.setObserver(channel, false, func(o *observers) error {
		if o.rtcp == nil {
			return ErrNoObserver
		}
		o.rtcp = nil
		return nil
	}))
}
