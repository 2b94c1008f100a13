package videoengine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/videoengine/codec"
	"github.com/opd-ai/videoengine/ratecontrol"
	"github.com/opd-ai/videoengine/rtp"
	"github.com/opd-ai/videoengine/video"
)

// IP/UDP and RTP header sizes subtracted from the MTU.
const (
	ipUDPOverhead = 28
	rtpHeaderSize = 12
)

// channelGroup is what a parent channel shares with its children: the
// encoder and its rate control, the send effect filter, the receive
// codec table and the payload-type registry.
type channelGroup struct {
	engine *Engine

	mu        sync.Mutex
	members   map[int]*channel
	desc      codec.Descriptor
	hasCodec  bool
	encoder   codec.Encoder
	external  map[uint8]codec.Encoder
	forceKey  bool
	lastTS    uint32
	haveTS    bool
	filter    video.EffectFilter
	ctrl      *ratecontrol.Controller
	fecFactor uint8
	lastLoss  uint8
	encoded   uint64
	encoding  int
	idle      *sync.Cond
	scaler    *video.Scaler
	registry  *rtp.PayloadRegistry
	receiveMu sync.RWMutex
	receive   map[uint8]codec.Descriptor
}

// newChannelGroup creates a group whose receive table lists every
// registry codec at its default payload type.
func newChannelGroup(e *Engine) *channelGroup {
	g := &channelGroup{
		engine:    e,
		members:   make(map[int]*channel),
		external:  make(map[uint8]codec.Encoder),
		fecFactor: ratecontrol.FECFactor(0),
		scaler:    video.NewScaler(),
		registry:  rtp.NewPayloadRegistry(),
		receive:   make(map[uint8]codec.Descriptor),
	}
	g.idle = sync.NewCond(&g.mu)
	for i := 0; i < codec.NumberOfCodecs(); i++ {
		desc, _ := codec.GetCodec(i)
		if err := g.setReceiveCodec(desc); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "newChannelGroup",
				"codec":    desc.String(),
				"error":    err,
			}).Warn("Default receive codec rejected")
		}
	}
	return g
}

func (g *channelGroup) addMember(c *channel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members[c.id] = c
}

// removeMember drops c and releases the encoder when the group empties.
func (g *channelGroup) removeMember(c *channel) {
	g.mu.Lock()
	g.waitIdleLocked()
	delete(g.members, c.id)
	empty := len(g.members) == 0
	enc := g.encoder
	if empty {
		g.encoder = nil
		g.hasCodec = false
	}
	g.mu.Unlock()

	if empty {
		g.engine.encoders.drop(g)
		if enc != nil {
			if err := enc.Release(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "channelGroup.removeMember",
					"error":    err,
				}).Warn("Encoder release failed")
			}
		}
	}
}

// memberList returns all members.
func (g *channelGroup) memberList() []*channel {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*channel, 0, len(g.members))
	for _, c := range g.members {
		out = append(out, c)
	}
	return out
}

// sendingMembers returns the members that are sending, ordered by id.
func (g *channelGroup) sendingMembers() []*channel {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*channel, 0, len(g.members))
	for _, c := range g.members {
		if c.sending.Load() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (g *channelGroup) maxPayload() int {
	return g.engine.cfg.Channel.MTU - ipUDPOverhead - rtpHeaderSize
}

// setSendCodec installs desc, choosing an external encoder registered
// on its payload type over the built-in one.
func (g *channelGroup) setSendCodec(desc codec.Descriptor) error {
	if err := desc.ValidateSend(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.waitIdleLocked()

	oldPT, had := g.desc.PayloadType, g.hasCodec
	if !had || oldPT != desc.PayloadType {
		if err := g.registry.Register(desc.PayloadType, rtp.OwnerSendCodec); err != nil {
			return err
		}
	}

	enc, ok := g.external[desc.PayloadType]
	if !ok {
		if had && g.desc.Kind == desc.Kind && !g.isExternalLocked(g.encoder) {
			enc = g.encoder
		} else {
			built, err := codec.NewEncoder(desc.Kind)
			if err != nil {
				if !had || oldPT != desc.PayloadType {
					_ = g.registry.Release(desc.PayloadType, rtp.OwnerSendCodec)
				}
				return fmt.Errorf("%w: %s needs an external encoder", err, desc.Kind)
			}
			enc = built
		}
	}

	if err := g.installEncoderLocked(enc, desc); err != nil {
		if !had || oldPT != desc.PayloadType {
			_ = g.registry.Release(desc.PayloadType, rtp.OwnerSendCodec)
		}
		return err
	}
	if had && oldPT != desc.PayloadType {
		_ = g.registry.Release(oldPT, rtp.OwnerSendCodec)
	}
	if had && g.desc.Kind != desc.Kind {
		g.forceKey = true
	}
	g.desc, g.hasCodec = desc, true

	if g.ctrl == nil {
		g.ctrl = ratecontrol.NewController(g.engine.cfg.RateControl, desc.MinBitrate, desc.StartBitrate, desc.MaxBitrate)
	} else {
		g.ctrl.SetBounds(desc.MinBitrate, desc.StartBitrate, desc.MaxBitrate)
	}

	logrus.WithFields(logrus.Fields{
		"function": "channelGroup.setSendCodec",
		"codec":    desc.String(),
	}).Debug("Send codec set")
	return nil
}

// installEncoderLocked initializes enc for desc and releases the
// encoder it replaces.
func (g *channelGroup) installEncoderLocked(enc codec.Encoder, desc codec.Descriptor) error {
	if err := enc.InitEncode(desc, 1, g.maxPayload()); err != nil {
		return err
	}
	if err := enc.RegisterEncodeCompleteCallback(g.onEncoded); err != nil {
		return err
	}
	if err := enc.SetRates(desc.StartBitrate, desc.MaxFramerate); err != nil {
		return err
	}
	if g.encoder != nil && g.encoder != enc {
		if err := g.encoder.Release(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "channelGroup.installEncoderLocked",
				"error":    err,
			}).Warn("Encoder release failed")
		}
	}
	g.encoder = enc
	return nil
}

func (g *channelGroup) isExternalLocked(enc codec.Encoder) bool {
	for _, ext := range g.external {
		if ext == enc {
			return true
		}
	}
	return false
}

func (g *channelGroup) sendCodec() (codec.Descriptor, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.desc, g.hasCodec
}

// registerExternalEncoder installs enc for pt. When pt is the current
// send codec the encoder is swapped immediately.
func (g *channelGroup) registerExternalEncoder(pt uint8, enc codec.Encoder) error {
	if enc == nil {
		return fmt.Errorf("%w: nil encoder", ErrInvalidArgument)
	}
	if pt > codec.MaxPayloadType {
		return fmt.Errorf("%w: %d", rtp.ErrInvalidPayloadType, pt)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.waitIdleLocked()
	if _, ok := g.external[pt]; ok {
		return fmt.Errorf("%w: payload type %d", ErrExternalCodecExists, pt)
	}
	g.external[pt] = enc
	if g.hasCodec && g.desc.PayloadType == pt {
		if err := g.installEncoderLocked(enc, g.desc); err != nil {
			delete(g.external, pt)
			return err
		}
		g.forceKey = true
	}
	return nil
}

// deregisterExternalEncoder removes the encoder on pt. An active
// external encoder is released and replaced by the built-in one when
// the codec has one.
func (g *channelGroup) deregisterExternalEncoder(pt uint8) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.waitIdleLocked()
	enc, ok := g.external[pt]
	if !ok {
		return fmt.Errorf("%w: payload type %d", ErrExternalCodecNotFound, pt)
	}
	delete(g.external, pt)
	if g.encoder != enc {
		return nil
	}

	g.encoder = nil
	if err := enc.Release(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "channelGroup.deregisterExternalEncoder",
			"error":    err,
		}).Warn("External encoder release failed")
	}
	built, err := codec.NewEncoder(g.desc.Kind)
	if err != nil {
		// Without a built-in implementation the codec cannot be sent.
		_ = g.registry.Release(g.desc.PayloadType, rtp.OwnerSendCodec)
		g.hasCodec = false
		return nil
	}
	if err := g.installEncoderLocked(built, g.desc); err != nil {
		g.hasCodec = false
		return err
	}
	g.forceKey = true
	return nil
}

func (g *channelGroup) requestKeyFrame() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.forceKey = true
}

func (g *channelGroup) setFilter(f video.EffectFilter) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.filter != nil {
		return ErrFilterExists
	}
	g.filter = f
	return nil
}

func (g *channelGroup) clearFilter() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.filter == nil {
		return ErrNoFilter
	}
	g.filter = nil
	return nil
}

// encode runs one captured frame through scaling, the send filter and
// the encoder. The encoder output reaches onEncoded synchronously.
func (g *channelGroup) encode(f *video.Frame) {
	g.mu.Lock()
	if !g.hasCodec || g.encoder == nil || !g.anySendingLocked() {
		g.mu.Unlock()
		return
	}
	desc, enc, filter := g.desc, g.encoder, g.filter
	frameType := codec.FrameDelta
	if g.forceKey {
		frameType = codec.FrameKey
		g.forceKey = false
	}
	ts := f.Timestamp
	if g.haveTS && int32(ts-g.lastTS) <= 0 {
		ts = g.lastTS + 1
	}
	g.lastTS, g.haveTS = ts, true
	g.encoding++
	g.mu.Unlock()
	defer g.encodeDone()

	var out *video.Frame
	if g.scaler.IsScalingRequired(f.Width, f.Height, desc.Width, desc.Height) {
		scaled, err := g.scaler.Scale(f, desc.Width, desc.Height)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "channelGroup.encode",
				"error":    err,
			}).Debug("Scaling failed, encoding at capture size")
			scaled = f.Clone()
		}
		out = scaled
	} else {
		out = f.Clone()
	}
	out.Timestamp = ts

	if err := video.ApplyFilter(filter, out); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "channelGroup.encode",
			"error":    err,
		}).Warn("Send effect filter failed")
	}

	start := time.Now()
	err := enc.Encode(out, &codec.SpecificInfo{Kind: desc.Kind}, frameType)
	g.engine.load.add(time.Since(start))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "channelGroup.encode",
			"codec":    desc.PayloadName,
			"error":    err,
		}).Warn("Encode failed")
		g.requestKeyFrame()
	}
}

// waitIdleLocked blocks until no Encode call is in flight. g.mu is
// dropped while waiting, so onEncoded can still run. Callers that swap,
// re-initialize or release the encoder call it first.
func (g *channelGroup) waitIdleLocked() {
	for g.encoding > 0 {
		g.idle.Wait()
	}
}

func (g *channelGroup) encodeDone() {
	g.mu.Lock()
	g.encoding--
	if g.encoding == 0 {
		g.idle.Broadcast()
	}
	g.mu.Unlock()
}

func (g *channelGroup) anySendingLocked() bool {
	for _, c := range g.members {
		if c.sending.Load() {
			return true
		}
	}
	return false
}

// onEncoded hands an encoded frame to every sending member.
func (g *channelGroup) onEncoded(img *codec.EncodedImage, _ *codec.SpecificInfo, _ *codec.Fragmentation) error {
	g.mu.Lock()
	g.encoded++
	kind, pt := g.desc.Kind, g.desc.PayloadType
	factor := g.fecFactor
	g.mu.Unlock()

	now := g.engine.now()
	for _, c := range g.sendingMembers() {
		if err := c.sendFrame(img, kind, pt, factor, now); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "channelGroup.onEncoded",
				"channel":  c.id,
				"error":    err,
			}).Debug("Frame not sent")
		}
	}
	return nil
}

// onReceiverReport feeds a loss report about a member's stream into
// rate control.
func (g *channelGroup) onReceiverReport(fractionLost uint8, now time.Time) {
	g.mu.Lock()
	ctrl := g.ctrl
	g.lastLoss = fractionLost
	g.mu.Unlock()
	if ctrl == nil {
		return
	}
	if _, changed := ctrl.OnReceiverReport(fractionLost, now); changed {
		g.applyRates(now)
	}
}

// onTMMBR caps the target at a receiver's request.
func (g *channelGroup) onTMMBR(kbps int, now time.Time) {
	g.mu.Lock()
	ctrl := g.ctrl
	g.mu.Unlock()
	if ctrl == nil {
		return
	}
	ctrl.SetTMMBRCap(kbps)
	g.applyRates(now)
}

// applyRates splits the current target between video, FEC and
// retransmissions and pushes the result to the encoder and members.
func (g *channelGroup) applyRates(now time.Time) {
	g.mu.Lock()
	ctrl, enc, desc, loss := g.ctrl, g.encoder, g.desc, g.lastLoss
	members := make([]*channel, 0, len(g.members))
	for _, c := range g.members {
		members = append(members, c)
	}
	g.mu.Unlock()
	if ctrl == nil || enc == nil {
		return
	}

	var p ratecontrol.Protection
	lastSend := 0
	for _, c := range members {
		nack, fec := c.protection()
		p.NACK = p.NACK || nack
		p.FEC = p.FEC || fec
		lastSend = max(lastSend, c.meters.total.Kbps(now))
	}
	alloc := ratecontrol.Allocate(ctrl.Target(), lastSend, loss, p)

	if err := enc.SetRates(alloc.Video, desc.MaxFramerate); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "channelGroup.applyRates",
			"error":    err,
		}).Warn("SetRates failed")
	}
	_ = enc.SetPacketLoss(int(loss) * 100 / 255)

	g.mu.Lock()
	if alloc.FECFactor > 0 {
		g.fecFactor = alloc.FECFactor
	}
	g.mu.Unlock()
	for _, c := range members {
		c.onAllocation(alloc, now)
	}

	logrus.WithFields(logrus.Fields{
		"function": "channelGroup.applyRates",
		"target":   ctrl.Target(),
		"video":    alloc.Video,
		"fec":      alloc.FEC,
		"nack":     alloc.NACK,
		"quality":  ctrl.Quality().String(),
	}).Debug("Rates allocated")
}

// setReceiveCodec adds or overwrites desc in the receive table. An
// overwrite that changes the entry releases the decoders the members
// keep for that payload type; the next frame initializes a new one.
func (g *channelGroup) setReceiveCodec(desc codec.Descriptor) error {
	if err := desc.ValidateReceive(); err != nil {
		return err
	}
	g.receiveMu.Lock()
	old, existed := g.receive[desc.PayloadType]
	if !existed {
		if err := g.registry.Register(desc.PayloadType, rtp.OwnerReceiveCodec); err != nil {
			g.receiveMu.Unlock()
			return err
		}
	}
	g.receive[desc.PayloadType] = desc
	g.receiveMu.Unlock()

	if existed && old != desc {
		for _, c := range g.memberList() {
			c.evictDecoder(desc.PayloadType)
		}
	}
	return nil
}

// setReceiveProtection makes red and ulpfec the only RED and ULPFEC
// entries of the receive table.
func (g *channelGroup) setReceiveProtection(red, ulpfec uint8) error {
	redDesc, err := codec.Lookup(codec.KindRED)
	if err != nil {
		return err
	}
	fecDesc, err := codec.Lookup(codec.KindULPFEC)
	if err != nil {
		return err
	}
	redDesc.PayloadType, fecDesc.PayloadType = red, ulpfec

	g.receiveMu.Lock()
	defer g.receiveMu.Unlock()
	for pt, d := range g.receive {
		if d.Kind != codec.KindRED && d.Kind != codec.KindULPFEC {
			continue
		}
		delete(g.receive, pt)
		_ = g.registry.Release(pt, rtp.OwnerReceiveCodec)
	}
	for _, d := range []codec.Descriptor{redDesc, fecDesc} {
		if err := g.registry.Register(d.PayloadType, rtp.OwnerReceiveCodec); err != nil {
			return err
		}
		g.receive[d.PayloadType] = d
	}
	return nil
}

func (g *channelGroup) receiveCodec(pt uint8) (codec.Descriptor, bool) {
	g.receiveMu.RLock()
	defer g.receiveMu.RUnlock()
	d, ok := g.receive[pt]
	return d, ok
}

// receivePayloadTypes returns the RED and ULPFEC payload types listed
// in the receive table.
func (g *channelGroup) receivePayloadTypes() (red, ulpfec int) {
	red, ulpfec = -1, -1
	g.receiveMu.RLock()
	defer g.receiveMu.RUnlock()
	for pt, d := range g.receive {
		switch d.Kind {
		case codec.KindRED:
			red = int(pt)
		case codec.KindULPFEC:
			ulpfec = int(pt)
		}
	}
	return red, ulpfec
}

func (g *channelGroup) framesEncoded() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.encoded
}

// encoderQueue holds at most one pending frame per group; a newer frame
// replaces the pending one.
type encoderQueue struct {
	mu      sync.Mutex
	pending map[*channelGroup]*video.Frame
	order   []*channelGroup
	wake    chan struct{}
	dropped uint64
}

func newEncoderQueue() *encoderQueue {
	return &encoderQueue{
		pending: make(map[*channelGroup]*video.Frame),
		wake:    make(chan struct{}, 1),
	}
}

func (q *encoderQueue) push(g *channelGroup, f *video.Frame) {
	q.mu.Lock()
	if _, ok := q.pending[g]; ok {
		q.dropped++
	} else {
		q.order = append(q.order, g)
	}
	q.pending[g] = f
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *encoderQueue) pop() (*channelGroup, *video.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return nil, nil, false
	}
	g := q.order[0]
	q.order = q.order[1:]
	f := q.pending[g]
	delete(q.pending, g)
	return g, f, true
}

func (q *encoderQueue) drop(g *channelGroup) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[g]; !ok {
		return
	}
	delete(q.pending, g)
	for i, x := range q.order {
		if x == g {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// runEncoder is the encoder worker.
func (e *Engine) runEncoder(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.encoders.wake:
		}
		for {
			g, f, ok := e.encoders.pop()
			if !ok {
				break
			}
			g.encode(f)
		}
	}
}
