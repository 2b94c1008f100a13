package videoengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/videoengine/capture"
	"github.com/opd-ai/videoengine/render"
)

// countingRenderer counts delivered frames.
type countingRenderer struct {
	mu     sync.Mutex
	frames int
	width  int
	height int
}

func (r *countingRenderer) FrameSizeChange(width, height, _ int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.width, r.height = width, height
	return 0
}

func (r *countingRenderer) DeliverFrame(_ []byte, _ uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames++
	return 0
}

func (r *countingRenderer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// feed pushes pattern frames into push until ctx ends.
func feed(ctx context.Context, push capture.ExternalCapture, width, height int) {
	ticker := time.NewTicker(33 * time.Millisecond)
	defer ticker.Stop()
	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		f := capture.Pattern(width, height, n)
		_ = push.DeliverFrame(f.Buffer, len(f.Buffer), width, height, uint32(n*3000))
	}
}

func TestNACKRecoversLoss(t *testing.T) {
	if testing.Short() {
		t.Skip("streams video for several seconds")
	}
	sender := newTestEngine(t)
	receiver := newTestEngine(t)

	rx, err := receiver.Base().CreateChannel()
	require.NoError(t, err)
	tx, err := sender.Base().CreateChannel()
	require.NoError(t, err)

	lossy := newLoopback(t, receiver, rx, 5)
	require.NoError(t, sender.Codec().SetSendCodec(tx, vp8(t)))
	require.NoError(t, sender.Network().RegisterSendTransport(tx, lossy))
	require.NoError(t, receiver.Network().RegisterSendTransport(rx, newLoopback(t, sender, tx, 0)))
	require.NoError(t, sender.RTPRTCP().SetNACKStatus(tx, true))
	require.NoError(t, receiver.RTPRTCP().SetNACKStatus(rx, true))

	out := &countingRenderer{}
	require.NoError(t, receiver.Render().AddExternalRenderer(rx, render.PixelI420, out))
	require.NoError(t, receiver.Render().StartRender(rx))
	require.NoError(t, receiver.Base().StartReceive(rx))

	capID, push, err := sender.Capture().AllocateExternalCaptureDevice()
	require.NoError(t, err)
	require.NoError(t, sender.Capture().ConnectCaptureDevice(capID, tx))
	require.NoError(t, sender.Base().StartSend(tx))
	require.NoError(t, sender.Base().StartReceive(tx), "NACK and PLI come back on the sending channel")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed(ctx, push, 352, 288)

	var usage BandwidthUsage
	require.Eventually(t, func() bool {
		_, dropped, resent := lossy.counts()
		u, uerr := sender.RTPRTCP().GetBandwidthUsage(tx)
		usage = u
		return uerr == nil && dropped > 0 && resent > 0 && out.count() >= 20 && usage.NACKKbps > 0
	}, 10*time.Second, 50*time.Millisecond)
	cancel()
	assert.Zero(t, usage.FECKbps, "NACK only")

	sent, dropped, _ := lossy.counts()
	assert.InDelta(t, 0.2, float64(dropped)/float64(sent), 0.02)

	dec, err := receiver.Codec().GetReceiveCodecStatistics(rx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, dec.KeyFrames, uint64(1))

	st, err := receiver.RTPRTCP().GetReceivedRTCPStatistics(rx)
	require.NoError(t, err)
	assert.NotZero(t, st.ExtendedMaxSeq)
	assert.NotZero(t, st.CumulativeLost, "repaired packets still count as lost")

	require.NoError(t, receiver.Render().StopRender(rx))
	require.NoError(t, receiver.Render().RemoveRenderer(rx))
}

func TestChildChannelsShareEncoder(t *testing.T) {
	e := newTestEngine(t)
	first, second := &captureTransport{}, &captureTransport{}

	parent := sendingChannel(t, e, first)
	child, err := e.Base().CreateChildChannel(parent)
	require.NoError(t, err)
	require.NoError(t, e.Network().RegisterSendTransport(child, second))

	capID, push, err := e.Capture().AllocateExternalCaptureDevice()
	require.NoError(t, err)
	require.NoError(t, e.Capture().ConnectCaptureDevice(capID, parent))
	require.NoError(t, e.Base().StartSend(parent))
	require.NoError(t, e.Base().StartSend(child))

	frame := capture.Pattern(352, 288, 1)
	require.Eventually(t, func() bool {
		_ = push.DeliverFrame(frame.Buffer, len(frame.Buffer), 352, 288, 0)
		return len(first.rawRTP()) > 0 && len(second.rawRTP()) > 0
	}, 2*time.Second, 10*time.Millisecond)

	parentSSRC, err := e.RTPRTCP().GetLocalSSRC(parent)
	require.NoError(t, err)
	childSSRC, err := e.RTPRTCP().GetLocalSSRC(child)
	require.NoError(t, err)
	assert.NotEqual(t, parentSSRC, childSSRC)
	for _, pkt := range second.packets(t) {
		assert.Equal(t, childSSRC, pkt.SSRC)
	}
}
