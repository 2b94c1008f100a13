package videoengine

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	pionrtp "github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/videoengine/codec"
	"github.com/opd-ai/videoengine/config"
)

var testStart = time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)

// newTestEngine returns an initialized engine that is torn down when
// the test ends.
func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := New(config.Default(), opts...)
	require.NoError(t, err)
	require.NoError(t, e.Base().Init())
	t.Cleanup(func() { teardown(e) })
	return e
}

// newManualEngine returns an engine on a ManualClock together with the
// clock.
func newManualEngine(t *testing.T) (*Engine, *ManualClock) {
	t.Helper()
	clock := NewManualClock(testStart)
	return newTestEngine(t, WithTimeProvider(clock)), clock
}

func teardown(e *Engine) {
	chans := e.channelList()
	sort.Slice(chans, func(i, j int) bool { return chans[i].id > chans[j].id })
	for _, c := range chans {
		_ = e.Base().StopSend(c.id)
		_ = e.Base().StopReceive(c.id)
		_ = e.Base().DeleteChannel(c.id)
	}
	if err := e.Close(); err != nil {
		e.mu.Lock()
		cancel, group := e.cancel, e.group
		e.mu.Unlock()
		if cancel != nil {
			cancel()
			_ = group.Wait()
		}
	}
}

// step runs the engine loop n times, advancing clock by d before each
// iteration.
func step(e *Engine, clock *ManualClock, n int, d time.Duration) {
	for i := 0; i < n; i++ {
		e.process(clock.Advance(d))
	}
}

// captureTransport records every packet handed to it.
type captureTransport struct {
	mu   sync.Mutex
	rtp  [][]byte
	rtcp [][]byte
}

func (t *captureTransport) SendPacket(_ int, data []byte) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rtp = append(t.rtp, append([]byte(nil), data...))
	return len(data)
}

func (t *captureTransport) SendRTCPPacket(_ int, data []byte) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rtcp = append(t.rtcp, append([]byte(nil), data...))
	return len(data)
}

func (t *captureTransport) rawRTP() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.rtp...)
}

func (t *captureTransport) rtcpCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rtcp)
}

// packets parses the captured RTP packets.
func (t *captureTransport) packets(tb testing.TB) []*pionrtp.Packet {
	tb.Helper()
	var out []*pionrtp.Packet
	for _, raw := range t.rawRTP() {
		pkt := &pionrtp.Packet{}
		require.NoError(tb, pkt.Unmarshal(raw))
		out = append(out, pkt)
	}
	return out
}

// loopback forwards packets unchanged to another engine's channel on
// its own goroutine, dropping every dropEvery-th RTP packet when
// dropEvery > 0. Retransmissions are only recognized in plain RTP.
type loopback struct {
	target    *Engine
	channel   int
	dropEvery int

	mu       sync.Mutex
	sent     int
	dropped  int
	seen     map[uint16]bool
	resent   int
	queue    chan func()
	stopOnce sync.Once
	done     chan struct{}
}

func newLoopback(t *testing.T, target *Engine, channel, dropEvery int) *loopback {
	l := &loopback{
		target:    target,
		channel:   channel,
		dropEvery: dropEvery,
		seen:      make(map[uint16]bool),
		queue:     make(chan func(), 1024),
		done:      make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-l.done:
				return
			case fn := <-l.queue:
				fn()
			}
		}
	}()
	t.Cleanup(l.stop)
	return l
}

func (l *loopback) stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

func (l *loopback) SendPacket(_ int, data []byte) int {
	l.mu.Lock()
	pkt := &pionrtp.Packet{}
	if pkt.Unmarshal(data) == nil {
		if l.seen[pkt.SequenceNumber] {
			l.resent++
		}
		l.seen[pkt.SequenceNumber] = true
	}
	l.sent++
	drop := l.dropEvery > 0 && l.sent%l.dropEvery == 0
	if drop {
		l.dropped++
	}
	l.mu.Unlock()
	if !drop {
		buf := append([]byte(nil), data...)
		l.enqueue(func() { _ = l.target.Network().ReceivedRTPPacket(l.channel, buf) })
	}
	return len(data)
}

func (l *loopback) SendRTCPPacket(_ int, data []byte) int {
	buf := append([]byte(nil), data...)
	l.enqueue(func() { _ = l.target.Network().ReceivedRTCPPacket(l.channel, buf) })
	return len(data)
}

func (l *loopback) enqueue(fn func()) {
	select {
	case l.queue <- fn:
	case <-l.done:
	}
}

func (l *loopback) counts() (sent, dropped, resent int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sent, l.dropped, l.resent
}

// vp8 returns the registry VP8 descriptor.
func vp8(t *testing.T) codec.Descriptor {
	t.Helper()
	desc, err := codec.Lookup(codec.KindVP8)
	require.NoError(t, err)
	return desc
}

// sendingChannel creates a channel with a VP8 send codec and the given
// transport registered.
func sendingChannel(t *testing.T, e *Engine, tr interface {
	SendPacket(int, []byte) int
	SendRTCPPacket(int, []byte) int
}) int {
	t.Helper()
	ch, err := e.Base().CreateChannel()
	require.NoError(t, err)
	require.NoError(t, e.Codec().SetSendCodec(ch, vp8(t)))
	require.NoError(t, e.Network().RegisterSendTransport(ch, tr))
	return ch
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.MaxChannels = 0
	_, err := New(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalid)
	assert.Equal(t, InvalidArgument, KindOf(err))
}

func TestLifecycle(t *testing.T) {
	e, err := New(config.Default())
	require.NoError(t, err)

	_, err = e.Base().CreateChannel()
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Equal(t, WrongState.Code(), e.Base().LastError())

	require.NoError(t, e.Base().Init())
	require.NoError(t, e.Base().Init(), "second Init succeeds")
	assert.Equal(t, CodeOK, e.Base().LastError())
	assert.True(t, strings.HasPrefix(e.Base().Version(), "videoengine"))

	parent, err := e.Base().CreateChannel()
	require.NoError(t, err)
	child, err := e.Base().CreateChildChannel(parent)
	require.NoError(t, err)
	assert.NotEqual(t, parent, child)

	_, err = e.Base().CreateChildChannel(99)
	assert.ErrorIs(t, err, ErrChannelNotFound)

	assert.ErrorIs(t, e.Close(), ErrChannelsExist)
	assert.ErrorIs(t, e.Base().DeleteChannel(parent), ErrHasChildren)

	require.NoError(t, e.Base().DeleteChannel(child))
	require.NoError(t, e.Base().DeleteChannel(parent))
	assert.ErrorIs(t, e.Base().DeleteChannel(parent), ErrChannelNotFound)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close(), "second Close succeeds")
	assert.ErrorIs(t, e.Base().Init(), ErrClosed)
}

func TestChannelLimit(t *testing.T) {
	cfg := config.Default()
	cfg.MaxChannels = 2
	e, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Base().Init())
	t.Cleanup(func() { teardown(e) })

	for i := 0; i < 2; i++ {
		_, err := e.Base().CreateChannel()
		require.NoError(t, err)
	}
	_, err = e.Base().CreateChannel()
	assert.ErrorIs(t, err, ErrTooManyChannels)
	assert.Equal(t, ResourceExhausted.Code(), e.Base().LastError())
}

func TestChannelIDsAreReused(t *testing.T) {
	e := newTestEngine(t)
	a, err := e.Base().CreateChannel()
	require.NoError(t, err)
	b, err := e.Base().CreateChannel()
	require.NoError(t, err)
	require.NoError(t, e.Base().DeleteChannel(a))

	c, err := e.Base().CreateChannel()
	require.NoError(t, err)
	assert.Equal(t, a, c)
	assert.NotEqual(t, b, c)
}

func TestStartSendPreconditions(t *testing.T) {
	e := newTestEngine(t)
	ch, err := e.Base().CreateChannel()
	require.NoError(t, err)

	assert.ErrorIs(t, e.Base().StartSend(ch), ErrNoSendCodec)
	require.NoError(t, e.Codec().SetSendCodec(ch, vp8(t)))
	assert.ErrorIs(t, e.Base().StartSend(ch), ErrNoSendDestination)
	assert.ErrorIs(t, e.Base().StartReceive(ch), ErrNoLocalReceiver)

	tr := &captureTransport{}
	require.NoError(t, e.Network().RegisterSendTransport(ch, tr))
	require.NoError(t, e.Base().StartSend(ch))
	assert.ErrorIs(t, e.Base().StartSend(ch), ErrSending)
	assert.ErrorIs(t, e.Base().DeleteChannel(ch), ErrSending)

	require.NoError(t, e.Base().StopSend(ch))
	require.NoError(t, e.Base().StopSend(ch), "stopping twice succeeds")
	assert.Equal(t, CodeOK, e.Base().LastError())

	require.NoError(t, e.Base().StartReceive(ch))
	assert.ErrorIs(t, e.Base().StartReceive(ch), ErrReceiving)
	require.NoError(t, e.Base().StopReceive(ch))
	require.NoError(t, e.Base().StopReceive(ch))
}

type fakeAudio struct{ channels map[int]bool }

func (a fakeAudio) HasChannel(ch int) bool { return a.channels[ch] }

func (a fakeAudio) PlayoutDelay(int) (time.Duration, error) { return 40 * time.Millisecond, nil }

func TestAudioLink(t *testing.T) {
	e := newTestEngine(t)
	ch, err := e.Base().CreateChannel()
	require.NoError(t, err)

	assert.ErrorIs(t, e.Base().ConnectAudioChannel(ch, 1), ErrNoAudioEngine)
	require.NoError(t, e.Base().SetVoiceEngine(fakeAudio{channels: map[int]bool{1: true}}))

	assert.ErrorIs(t, e.Base().ConnectAudioChannel(ch, 7), ErrAudioChannelNotFound)
	require.NoError(t, e.Base().ConnectAudioChannel(ch, 1))
	assert.ErrorIs(t, e.Base().ConnectAudioChannel(ch, 1), ErrAudioConnected)

	c, err := e.channel(ch)
	require.NoError(t, err)
	assert.Equal(t, 40*time.Millisecond, c.audioDelay())

	require.NoError(t, e.Base().DisconnectAudioChannel(ch))
	assert.ErrorIs(t, e.Base().DisconnectAudioChannel(ch), ErrNoAudioChannel)
}

type alarmObserver struct {
	mu    sync.Mutex
	loads []int
}

func (o *alarmObserver) PerformanceAlarm(load int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.loads = append(o.loads, load)
}

func TestBaseObserverRegistration(t *testing.T) {
	e := newTestEngine(t)
	obs := &alarmObserver{}

	assert.ErrorIs(t, e.Base().RegisterObserver(nil), ErrInvalidArgument)
	require.NoError(t, e.Base().RegisterObserver(obs))
	assert.ErrorIs(t, e.Base().RegisterObserver(obs), ErrObserverExists)
	assert.Equal(t, AlreadyExists.Code(), e.Base().LastError())
	require.NoError(t, e.Base().DeregisterObserver())
	assert.ErrorIs(t, e.Base().DeregisterObserver(), ErrNoObserver)
}

func TestPerformanceAlarm(t *testing.T) {
	e, clock := newManualEngine(t)
	obs := &alarmObserver{}
	require.NoError(t, e.Base().RegisterObserver(obs))

	e.process(clock.Now())
	e.load.add(900 * time.Millisecond)
	step(e, clock, 1, time.Second)

	obs.mu.Lock()
	loads := append([]int(nil), obs.loads...)
	obs.mu.Unlock()
	require.Len(t, loads, 1)
	assert.GreaterOrEqual(t, loads[0], e.cfg.CPUAlarmThreshold)

	last, peak := e.Base().CPULoad()
	assert.Equal(t, loads[0], last)
	assert.Equal(t, loads[0], peak)
}

func TestMetricsCollector(t *testing.T) {
	e, clock := newManualEngine(t)
	tr := &captureTransport{}
	ch := sendingChannel(t, e, tr)
	require.NoError(t, e.RTPRTCP().SetLocalSSRC(ch, 4242))
	require.NoError(t, e.RTPRTCP().SetRTPKeepAliveStatus(ch, true, 109, time.Second))
	require.NoError(t, e.Base().StartSend(ch))
	step(e, clock, 30, 100*time.Millisecond)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(e.MetricsCollector()))

	sent := len(tr.rawRTP())
	require.Greater(t, sent, 0)
	expected := `
# HELP videoengine_channel_rtp_packets_sent_total RTP packets sent.
# TYPE videoengine_channel_rtp_packets_sent_total counter
videoengine_channel_rtp_packets_sent_total{channel="0",ssrc="4242"} ` + strconv.Itoa(sent) + `
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"videoengine_channel_rtp_packets_sent_total"))
}
