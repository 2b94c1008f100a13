package videoengine

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	pionrtcp "github.com/pion/rtcp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/videoengine/codec"
	"github.com/opd-ai/videoengine/config"
	"github.com/opd-ai/videoengine/fec"
	"github.com/opd-ai/videoengine/jitter"
	"github.com/opd-ai/videoengine/ratecontrol"
	"github.com/opd-ai/videoengine/rtcp"
	"github.com/opd-ai/videoengine/rtp"
	"github.com/opd-ai/videoengine/srtp"
	"github.com/opd-ai/videoengine/stats"
	"github.com/opd-ai/videoengine/transport"
	"github.com/opd-ai/videoengine/video"
)

const (
	// rateSampleInterval spaces OutgoingRate and IncomingRate events.
	rateSampleInterval = time.Second
	// maxPendingEvents bounds the observer queue of a channel.
	maxPendingEvents = 256
	// tmmbrLossThreshold is the Q8 loss above which a TMMBR request is
	// lowered to what actually arrives.
	tmmbrLossThreshold = 26
	// tmmbrOverhead is the per-packet overhead announced in TMMBR.
	tmmbrOverhead = ipUDPOverhead + rtpHeaderSize
	// minRetransmitKbps keeps NACK repair possible before the first
	// allocation.
	minRetransmitKbps = 64
	// avgPacketBytes sizes the retransmission history.
	avgPacketBytes = 1000
)

type sendMeters struct {
	total *rtp.BitrateMeter
	video *rtp.BitrateMeter
	fec   *rtp.BitrateMeter
	nack  *rtp.BitrateMeter
}

// channel is one send/receive pipeline.
type channel struct {
	id     int
	engine *Engine
	group  *channelGroup
	parent *channel

	sending   atomic.Bool
	receiving atomic.Bool

	// mu guards configuration.
	mu             sync.RWMutex
	encMu          sync.RWMutex
	children       int
	cname          string
	rtcpMode       rtcp.Mode
	keyMethod      KeyFrameMethod
	nack           bool
	fec            bool
	redPT          uint8
	fecPT          uint8
	tmmbr          bool
	mtu            int
	dest           transport.Destination
	ext            transport.Transport
	socket         *transport.SocketPair
	socketCancel   context.CancelFunc
	sendSocket     bool
	dscp           int
	tosSockopt     bool
	gqos           bool
	serviceType    transport.ServiceType
	srtpSend       *srtp.Context
	srtpRecv       *srtp.Context
	encryption     srtp.Encryption // guarded by mu; calls into it hold encMu
	dumpIn         *rtp.DumpWriter
	dumpOut        *rtp.DumpWriter
	timeout        time.Duration
	aliveInterval  time.Duration
	captureID      int
	audioChannel   int
	colorEnhance   bool
	renderFilter   video.EffectFilter
	decoderCancel  context.CancelFunc
	decoderDone    chan struct{}
	schedulerArmed bool

	// Send side. sendMu orders packet emission so that the wire order
	// follows sequence numbers.
	sendMu      sync.Mutex
	sender      *rtp.Sender
	history     *rtp.History
	keepAlive   *rtp.KeepAlive
	fecGen      *fec.Generator
	scheduler   *rtcp.Scheduler
	pacer       *ratecontrol.RetransmitPacer
	kfLimiter   *ratecontrol.KeyFrameLimiter
	meters      sendMeters
	packetizers map[codec.Kind]codec.Packetizer

	// Receive side.
	stats     *rtp.ReceiveStatistics
	jb        *jitter.Buffer
	fecRecv   *fec.Receiver
	recvMeter *rtp.BitrateMeter
	wake      chan struct{}

	stateMu      sync.Mutex
	remoteSSRC   uint32
	haveRemote   bool
	remoteCSRCs  []uint32
	remoteCNAME  string
	rtt          time.Duration
	remoteReport pionrtcp.ReceptionReport
	haveReport   bool
	sentReport   rtp.ReportBlock
	haveSent     bool
	lastPacket   time.Time
	timedOut     bool
	sinceAlive   int
	nextAlive    time.Time
	lastSample   time.Time
	firSeq       uint8
	lastRecvPT   int

	// decMu serializes decoding with decoder registration.
	decMu       sync.Mutex
	decoders    map[uint8]codec.Decoder
	extDecoders map[uint8]codec.Decoder

	keyFramesSent   atomic.Uint64
	deltaFramesSent atomic.Uint64
	keyFramesRecv   atomic.Uint64
	deltaFramesRecv atomic.Uint64
	framesDecoded   atomic.Uint64
	framesSentTick  atomic.Int64
	framesRecvTick  atomic.Int64
	discarded       atomic.Uint64
	keyRequests     atomic.Uint64

	eventsMu  sync.Mutex
	events    []event
	record    ObserverRecord
	observers observers

	// dispatchMu is held while observers run.
	dispatchMu sync.Mutex
}

// newChannel builds channel id in group. A nil group starts a new one.
func newChannel(e *Engine, id int, group *channelGroup, parent *channel) (*channel, error) {
	sender, err := rtp.NewSender()
	if err != nil {
		return nil, err
	}
	mode, err := rtcp.ParseMode(e.cfg.Channel.RTCPMode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMode, err)
	}
	method, err := parseKeyFrameMethod(e.cfg.Channel.KeyFrameMethod)
	if err != nil {
		return nil, err
	}
	if group == nil {
		group = newChannelGroup(e)
	}

	c := &channel{
		id:           id,
		engine:       e,
		group:        group,
		parent:       parent,
		cname:        fmt.Sprintf("videoengine-%d-%08x", id, sender.SSRC()),
		rtcpMode:     mode,
		keyMethod:    method,
		mtu:          e.cfg.Channel.MTU,
		captureID:    -1,
		audioChannel: -1,
		sender:       sender,
		history:      rtp.NewHistory(e.cfg.Channel.NACKHistory),
		keepAlive:    rtp.NewKeepAlive(),
		fecGen:       fec.NewGenerator(),
		scheduler:    rtcp.NewScheduler(rtcp.DefaultVideoInterval),
		pacer:        ratecontrol.NewRetransmitPacer(minRetransmitKbps),
		kfLimiter:    ratecontrol.NewKeyFrameLimiter(ratecontrol.KeyFrameInterval),
		meters: sendMeters{
			total: rtp.NewBitrateMeter(rtp.DefaultRateWindow),
			video: rtp.NewBitrateMeter(rtp.DefaultRateWindow),
			fec:   rtp.NewBitrateMeter(rtp.DefaultRateWindow),
			nack:  rtp.NewBitrateMeter(rtp.DefaultRateWindow),
		},
		packetizers: make(map[codec.Kind]codec.Packetizer),
		stats:       rtp.NewReceiveStatistics(rtp.VideoClockRate),
		jb: jitter.New(jitter.Config{
			MaxFrames:   jitter.DefaultMaxFrames,
			MaxWait:     e.cfg.Channel.JitterMaxWait,
			MaxNackList: jitter.DefaultMaxNackList,
		}),
		fecRecv:     fec.NewReceiver(),
		recvMeter:   rtp.NewBitrateMeter(rtp.DefaultRateWindow),
		wake:        make(chan struct{}, 1),
		lastRecvPT:  -1,
		decoders:    make(map[uint8]codec.Decoder),
		extDecoders: make(map[uint8]codec.Decoder),
	}
	group.addMember(c)

	logrus.WithFields(logrus.Fields{
		"function": "newChannel",
		"channel":  id,
		"ssrc":     sender.SSRC(),
		"child":    parent != nil,
	}).Debug("Channel created")
	return c, nil
}

// drain waits for an in-flight observer dispatch on c to finish. Called
// from one of c's own observers it gives up after the drain timeout.
func (c *channel) drain() (release func(), err error) {
	deadline := time.Now().Add(c.engine.cfg.CallbackDrainTimeout)
	for !c.dispatchMu.TryLock() {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: channel %d", ErrReentrantCall, c.id)
		}
		time.Sleep(time.Millisecond)
	}
	return c.dispatchMu.Unlock, nil
}

// startSend moves c into sending.
func (c *channel) startSend(now time.Time) error {
	release, err := c.drain()
	if err != nil {
		return err
	}
	defer release()

	if c.sending.Load() {
		return ErrSending
	}
	if _, ok := c.group.sendCodec(); !ok {
		return ErrNoSendCodec
	}
	ctx, workers, err := c.engine.workers()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ext == nil && c.dest.IsZero() {
		return ErrNoSendDestination
	}
	if on, pt, _ := c.keepAlive.Status(); on {
		if err := c.group.registry.Check(pt, rtp.OwnerKeepAlive); err != nil {
			return fmt.Errorf("%w: %v", ErrKeepAliveConflict, err)
		}
	}
	if c.ext == nil && c.socket == nil {
		sock, err := transport.Listen("", c.dest.SrcRTPPort, c.dest.SrcRTCPPort)
		if err != nil {
			return err
		}
		if c.dscp > 0 {
			if err := sock.SetToS(c.dscp); err != nil {
				sock.Close()
				return err
			}
		}
		c.attachSocketLocked(ctx, workers, sock)
		c.sendSocket = true
	}

	c.sender.Freeze()
	c.keepAlive.Restart(now)
	c.armSchedulerLocked(now)
	c.sending.Store(true)
	c.group.requestKeyFrame()

	logrus.WithFields(logrus.Fields{
		"function": "channel.startSend",
		"channel":  c.id,
		"ssrc":     c.sender.SSRC(),
		"seq":      c.sender.NextSequenceNumber(),
	}).Info("Sending started")
	return nil
}

// stopSend leaves sending and says goodbye over RTCP.
func (c *channel) stopSend(now time.Time) error {
	release, err := c.drain()
	if err != nil {
		return err
	}
	defer release()

	if !c.sending.Swap(false) {
		return nil
	}
	c.sendMu.Lock()
	c.fecGen.Generate(0)
	c.sendMu.Unlock()

	if err := c.sendRTCP(false, []pionrtcp.Packet{rtcp.Bye(c.sender.SSRC())}, now); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "channel.stopSend",
			"channel":  c.id,
			"error":    err,
		}).Debug("BYE not sent")
	}

	c.sender.Unfreeze()
	c.mu.Lock()
	if c.sendSocket && !c.receiving.Load() {
		c.detachSocketLocked()
	}
	c.disarmSchedulerLocked()
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "channel.stopSend",
		"channel":  c.id,
	}).Info("Sending stopped")
	return nil
}

// startReceive moves c into receiving and starts its decoder.
func (c *channel) startReceive(now time.Time) error {
	release, err := c.drain()
	if err != nil {
		return err
	}
	defer release()

	if c.receiving.Load() {
		return ErrReceiving
	}

	ctx, workers, err := c.engine.workers()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.socket == nil && c.ext == nil {
		return ErrNoLocalReceiver
	}
	c.startDecoderLocked(ctx, workers)

	c.stateMu.Lock()
	c.lastPacket = now
	c.timedOut = false
	c.sinceAlive = 0
	if c.aliveInterval > 0 {
		c.nextAlive = now.Add(c.aliveInterval)
	}
	c.stateMu.Unlock()

	c.armSchedulerLocked(now)
	c.receiving.Store(true)

	logrus.WithFields(logrus.Fields{
		"function": "channel.startReceive",
		"channel":  c.id,
	}).Info("Receiving started")
	return nil
}

// stopReceive leaves receiving and stops the decoder.
func (c *channel) stopReceive() error {
	release, err := c.drain()
	if err != nil {
		return err
	}
	defer release()

	if !c.receiving.Swap(false) {
		return nil
	}
	c.mu.Lock()
	cancel, done := c.decoderCancel, c.decoderDone
	c.decoderCancel, c.decoderDone = nil, nil
	c.disarmSchedulerLocked()
	if c.sendSocket && !c.sending.Load() {
		c.detachSocketLocked()
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	logrus.WithFields(logrus.Fields{
		"function": "channel.stopReceive",
		"channel":  c.id,
	}).Info("Receiving stopped")
	return nil
}

func (c *channel) armSchedulerLocked(now time.Time) {
	if c.schedulerArmed {
		return
	}
	c.scheduler.Start(now)
	c.schedulerArmed = true
}

func (c *channel) disarmSchedulerLocked() {
	if c.sending.Load() || c.receiving.Load() {
		return
	}
	c.scheduler.Stop()
	c.schedulerArmed = false
}

// startDecoderLocked runs the decoder worker under the engine group.
func (c *channel) startDecoderLocked(parent context.Context, workers *errgroup.Group) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	c.decoderCancel, c.decoderDone = cancel, done
	workers.Go(func() error {
		defer close(done)
		c.runDecoder(ctx)
		return nil
	})
}

// attachSocketLocked installs sock and starts its reader.
func (c *channel) attachSocketLocked(parent context.Context, workers *errgroup.Group, sock *transport.SocketPair) {
	sock.SetHandlers(
		func(data []byte, _ *net.UDPAddr) { c.onSocketRTP(data) },
		func(data []byte, _ *net.UDPAddr) { c.onSocketRTCP(data) },
	)
	ctx, cancel := context.WithCancel(parent)
	c.socket, c.socketCancel = sock, cancel
	workers.Go(func() error {
		if err := sock.Run(ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "channel.attachSocketLocked",
				"channel":  c.id,
				"error":    err,
			}).Warn("Socket reader stopped")
		}
		return nil
	})
}

func (c *channel) detachSocketLocked() {
	if c.socket == nil {
		return
	}
	c.socketCancel()
	if err := c.socket.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "channel.detachSocketLocked",
			"channel":  c.id,
			"error":    err,
		}).Debug("Socket close failed")
	}
	c.socket, c.socketCancel, c.sendSocket = nil, nil, false
}

// close releases everything c owns. The channel is stopped.
func (c *channel) close() {
	c.mu.Lock()
	c.detachSocketLocked()
	for _, d := range []*rtp.DumpWriter{c.dumpIn, c.dumpOut} {
		if d != nil {
			_ = d.Close()
		}
	}
	c.dumpIn, c.dumpOut = nil, nil
	c.mu.Unlock()

	c.decMu.Lock()
	for pt, d := range c.decoders {
		if err := d.Release(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "channel.close",
				"channel":  c.id,
				"pt":       pt,
				"error":    err,
			}).Warn("Decoder release failed")
		}
	}
	c.decoders = make(map[uint8]codec.Decoder)
	c.decMu.Unlock()

	c.group.removeMember(c)
}

// applyEncryption runs one call of the external transform picked by
// pick. encMu is held for reading across the call so that
// DeregisterExternalEncryption can wait for it. ok is false when no
// transform is registered.
func (c *channel) applyEncryption(pick func(srtp.Encryption) srtp.TransformFunc, in []byte) (out []byte, ok bool, err error) {
	c.encMu.RLock()
	defer c.encMu.RUnlock()
	c.mu.RLock()
	enc := c.encryption
	c.mu.RUnlock()
	if enc == nil {
		return in, false, nil
	}
	out, err = srtp.Apply(pick(enc), c.id, in)
	return out, true, err
}

// protection reports whether NACK and FEC are on.
func (c *channel) protection() (nack, fec bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nack, c.fec
}

// onAllocation applies a new rate split to retransmission pacing and
// the history size.
func (c *channel) onAllocation(a ratecontrol.Allocation, now time.Time) {
	c.pacer.SetRate(max(a.NACK, minRetransmitKbps))
	rtt := c.currentRTT()
	c.history.Resize(max(rtp.HistorySize(c.meters.total.Kbps(now), int(rtt.Milliseconds()), avgPacketBytes),
		c.engine.cfg.Channel.NACKHistory))
}

func (c *channel) currentRTT() time.Duration {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.rtt
}

func (c *channel) remote() (uint32, bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.remoteSSRC, c.haveRemote
}

// post queues ev for the observers and folds it into the record.
func (c *channel) post(ev event) {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	c.record.record(ev)
	if !c.observers.any() {
		return
	}
	if len(c.events) >= maxPendingEvents {
		c.events = c.events[1:]
		logrus.WithFields(logrus.Fields{
			"function": "channel.post",
			"channel":  c.id,
		}).Warn("Observer queue full, dropping oldest event")
	}
	c.events = append(c.events, ev)
}

// dispatch delivers queued events on the module goroutine.
func (c *channel) dispatch() {
	c.eventsMu.Lock()
	if len(c.events) == 0 {
		c.eventsMu.Unlock()
		return
	}
	events, obs := c.events, c.observers
	c.events = nil
	c.eventsMu.Unlock()

	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	for _, ev := range events {
		obs.deliver(c.id, ev)
	}
}

func (c *channel) observerRecord() ObserverRecord {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	return c.record
}

// updateObservers changes the observer set under the events lock.
func (c *channel) updateObservers(fn func(o *observers) error) error {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	return fn(&c.observers)
}

func (c *channel) hasObservers() bool {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	return c.observers.any()
}

// process runs the channel timers at now.
func (c *channel) process(now time.Time) {
	sending, receiving := c.sending.Load(), c.receiving.Load()
	if !sending && !receiving {
		return
	}

	c.mu.RLock()
	mode, nackOn, tmmbr := c.rtcpMode, c.nack, c.tmmbr
	timeout, aliveInterval := c.timeout, c.aliveInterval
	c.mu.RUnlock()

	if receiving {
		c.wakeDecoder()
		if nackOn && mode != rtcp.ModeOff {
			if ssrc, ok := c.remote(); ok {
				if seqs := c.jb.NackDue(now, c.currentRTT()); len(seqs) > 0 {
					c.sendFeedback(rtcp.NACK(c.sender.SSRC(), ssrc, seqs), now)
				}
			}
		}
		c.checkLiveness(now, timeout, aliveInterval)
	}

	if sending {
		if pt, due := c.keepAlive.Due(now); due {
			if err := c.sendKeepAlive(pt, now); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "channel.process",
					"channel":  c.id,
					"error":    err,
				}).Debug("Keep-alive not sent")
			}
		}
	}

	if mode != rtcp.ModeOff && c.scheduler.Due(now) {
		if err := c.sendPeriodicRTCP(tmmbr && receiving, now); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "channel.process",
				"channel":  c.id,
				"error":    err,
			}).Debug("Periodic RTCP not sent")
		}
	}

	c.sampleRates(now, sending, receiving)
}

// checkLiveness raises packet timeout and dead-or-alive events.
func (c *channel) checkLiveness(now time.Time, timeout, aliveInterval time.Duration) {
	var events []event
	c.stateMu.Lock()
	if timeout > 0 && !c.timedOut && now.Sub(c.lastPacket) >= timeout {
		c.timedOut = true
		events = append(events, event{kind: evPacketTimeout, timeout: NoPacket})
	}
	if aliveInterval > 0 {
		if c.nextAlive.IsZero() {
			c.nextAlive = now.Add(aliveInterval)
		} else if !now.Before(c.nextAlive) {
			events = append(events, event{kind: evDeadOrAlive, alive: c.sinceAlive > 0})
			c.sinceAlive = 0
			c.nextAlive = now.Add(aliveInterval)
		}
	}
	c.stateMu.Unlock()

	for _, ev := range events {
		if ev.kind == evDeadOrAlive && !ev.alive {
			logrus.WithFields(logrus.Fields{
				"function": "channel.checkLiveness",
				"channel":  c.id,
			}).Info("Peer silent for a dead-or-alive period")
		}
		c.post(ev)
	}
}

// sampleRates posts rate events once per sample interval.
func (c *channel) sampleRates(now time.Time, sending, receiving bool) {
	c.stateMu.Lock()
	if c.lastSample.IsZero() {
		c.lastSample = now
		c.stateMu.Unlock()
		return
	}
	elapsed := now.Sub(c.lastSample)
	if elapsed < rateSampleInterval {
		c.stateMu.Unlock()
		return
	}
	c.lastSample = now
	c.stateMu.Unlock()

	sent := c.framesSentTick.Swap(0)
	recv := c.framesRecvTick.Swap(0)
	if sending {
		c.post(event{
			kind:      evOutgoingRate,
			framerate: int(sent * int64(time.Second) / int64(elapsed)),
			bitrate:   c.meters.total.Kbps(now),
		})
	}
	if receiving {
		c.post(event{
			kind:      evIncomingRate,
			framerate: int(recv * int64(time.Second) / int64(elapsed)),
			bitrate:   c.recvMeter.Kbps(now),
		})
	}
}

// snapshot returns the metrics view of c.
func (c *channel) snapshot(now time.Time) stats.ChannelSnapshot {
	packets, octets := c.sender.Counters()
	recv := c.stats.Snapshot()
	c.stateMu.Lock()
	report, rtt := c.remoteReport, c.rtt
	c.stateMu.Unlock()

	return stats.ChannelSnapshot{
		Channel:          c.id,
		SSRC:             c.sender.SSRC(),
		PacketsSent:      uint64(packets),
		BytesSent:        uint64(octets),
		PacketsReceived:  uint64(recv.PacketsReceived),
		BytesReceived:    recv.BytesReceived,
		FractionLost:     report.FractionLost,
		CumulativeLost:   report.TotalLost,
		JitterTicks:      report.Jitter,
		RTTMs:            rtt.Milliseconds(),
		KeyFrameRequests: c.keyRequests.Load(),
		DiscardedPackets: c.discardedPackets(),
		TotalKbps:        c.meters.total.Kbps(now),
		VideoKbps:        c.meters.video.Kbps(now),
		FECKbps:          c.meters.fec.Kbps(now),
		NACKKbps:         c.meters.nack.Kbps(now),
		FramesEncoded:    c.group.framesEncoded(),
		FramesDecoded:    c.framesDecoded.Load(),
	}
}

func (c *channel) discardedPackets() uint64 {
	return c.discarded.Load() + c.jb.Stats().DiscardedPackets
}

// applyKeyFrameMethodLocked validates method against the RTCP mode.
func (c *channel) applyKeyFrameMethodLocked(method KeyFrameMethod) error {
	if method != KeyFrameRequestNone && c.rtcpMode == rtcp.ModeOff {
		return fmt.Errorf("%w: %s needs RTCP", ErrRTCPDisabled, method)
	}
	c.keyMethod = method
	return nil
}

// parseKeyFrameMethod maps the config names.
func parseKeyFrameMethod(s string) (KeyFrameMethod, error) {
	switch s {
	case config.KeyFrameNone:
		return KeyFrameRequestNone, nil
	case config.KeyFramePLI:
		return KeyFrameRequestPLI, nil
	case config.KeyFrameFIR:
		return KeyFrameRequestFIR, nil
	}
	return KeyFrameRequestNone, fmt.Errorf("%w: key frame method %q", ErrInvalidArgument, s)
}
