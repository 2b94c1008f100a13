package videoengine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/videoengine/render"
	"github.com/opd-ai/videoengine/srtp"
)

func srtpConfig() srtp.Config {
	key := make([]byte, srtp.MaxKeyLen)
	for i := range key {
		key[i] = byte(i*11 + 5)
	}
	return srtp.Config{
		Cipher: srtp.CipherAESCM128, CipherKeyLen: 30,
		Auth: srtp.AuthHMACSHA1, AuthKeyLen: 20, AuthTagLen: 10,
		Security: srtp.SecurityBoth, Key: key,
	}
}

// invertEncryption flips every bit and appends two marker bytes.
type invertEncryption struct{}

func (invertEncryption) seal(in, out []byte) int {
	for i, b := range in {
		out[i] = ^b
	}
	out[len(in)], out[len(in)+1] = 0xa5, 0x5a
	return len(in) + 2
}

func (invertEncryption) open(in, out []byte) int {
	n := len(in) - 2
	if n <= 0 || in[n] != 0xa5 || in[n+1] != 0x5a {
		return -1
	}
	for i, b := range in[:n] {
		out[i] = ^b
	}
	return n
}

func (x invertEncryption) Encrypt(_ int, in, out []byte) int     { return x.seal(in, out) }
func (x invertEncryption) Decrypt(_ int, in, out []byte) int     { return x.open(in, out) }
func (x invertEncryption) EncryptRTCP(_ int, in, out []byte) int { return x.seal(in, out) }
func (x invertEncryption) DecryptRTCP(_ int, in, out []byte) int { return x.open(in, out) }

// countingEncryption is invertEncryption with per-callback counters.
type countingEncryption struct {
	invertEncryption
	encrypt, decrypt, encryptRTCP, decryptRTCP atomic.Int64
}

func (x *countingEncryption) Encrypt(ch int, in, out []byte) int {
	x.encrypt.Add(1)
	return x.seal(in, out)
}

func (x *countingEncryption) Decrypt(ch int, in, out []byte) int {
	x.decrypt.Add(1)
	return x.open(in, out)
}

func (x *countingEncryption) EncryptRTCP(ch int, in, out []byte) int {
	x.encryptRTCP.Add(1)
	return x.seal(in, out)
}

func (x *countingEncryption) DecryptRTCP(ch int, in, out []byte) int {
	x.decryptRTCP.Add(1)
	return x.open(in, out)
}

func (x *countingEncryption) calls() int64 {
	return x.encrypt.Load() + x.decrypt.Load() + x.encryptRTCP.Load() + x.decryptRTCP.Load()
}

// encryptedCall wires two engines through external encryption, both
// directions started, with rendering on the receiving side.
type encryptedCall struct {
	sender, receiver *Engine
	tx, rx           int
	txEnc, rxEnc     *countingEncryption
	out              *countingRenderer
	push             func(ctx context.Context)
}

func newEncryptedCall(t *testing.T) *encryptedCall {
	t.Helper()
	txEnc, rxEnc := &countingEncryption{}, &countingEncryption{}
	call := dialEncrypted(t, func(e *Engine, ch int, sending bool) error {
		if sending {
			return e.Encryption().RegisterExternalEncryption(ch, txEnc)
		}
		return e.Encryption().RegisterExternalEncryption(ch, rxEnc)
	})
	call.txEnc, call.rxEnc = txEnc, rxEnc
	return call
}

// dialEncrypted builds the call, installing encryption on each side
// with register before any packet flows.
func dialEncrypted(t *testing.T, register func(e *Engine, ch int, sending bool) error) *encryptedCall {
	t.Helper()
	call := &encryptedCall{
		sender:   newTestEngine(t),
		receiver: newTestEngine(t),
		out:      &countingRenderer{},
	}
	var err error
	call.rx, err = call.receiver.Base().CreateChannel()
	require.NoError(t, err)
	call.tx = sendingChannel(t, call.sender, newLoopback(t, call.receiver, call.rx, 0))
	require.NoError(t, call.receiver.Network().RegisterSendTransport(call.rx, newLoopback(t, call.sender, call.tx, 0)))
	require.NoError(t, register(call.sender, call.tx, true))
	require.NoError(t, register(call.receiver, call.rx, false))

	require.NoError(t, call.receiver.Render().AddExternalRenderer(call.rx, render.PixelI420, call.out))
	require.NoError(t, call.receiver.Render().StartRender(call.rx))
	require.NoError(t, call.receiver.Base().StartReceive(call.rx))

	capID, push, err := call.sender.Capture().AllocateExternalCaptureDevice()
	require.NoError(t, err)
	require.NoError(t, call.sender.Capture().ConnectCaptureDevice(capID, call.tx))
	require.NoError(t, call.sender.Base().StartSend(call.tx))
	require.NoError(t, call.sender.Base().StartReceive(call.tx))
	call.push = func(ctx context.Context) { feed(ctx, push, 176, 144) }
	return call
}

func TestExternalEncryptionCall(t *testing.T) {
	if testing.Short() {
		t.Skip("streams video")
	}
	call := newEncryptedCall(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go call.push(ctx)

	require.Eventually(t, func() bool {
		return call.out.count() >= 10 &&
			call.txEnc.encryptRTCP.Load() > 0 && call.rxEnc.encryptRTCP.Load() > 0
	}, 5*time.Second, 20*time.Millisecond)
	cancel()

	assert.Positive(t, call.txEnc.encrypt.Load())
	assert.Positive(t, call.rxEnc.decrypt.Load())
	assert.Positive(t, call.rxEnc.decryptRTCP.Load()+call.txEnc.decryptRTCP.Load())
	assert.Zero(t, call.txEnc.decrypt.Load(), "nothing but RTCP flows back")
}

func TestDeregisterExternalEncryptionQuiesces(t *testing.T) {
	if testing.Short() {
		t.Skip("streams video")
	}
	call := newEncryptedCall(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go call.push(ctx)

	require.Eventually(t, func() bool {
		return call.txEnc.encrypt.Load() > 0 && call.rxEnc.decrypt.Load() > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, call.sender.Encryption().DeregisterExternalEncryption(call.tx))
	require.NoError(t, call.receiver.Encryption().DeregisterExternalEncryption(call.rx))
	txCalls, rxCalls := call.txEnc.calls(), call.rxEnc.calls()

	// Traffic keeps flowing in both directions, now in the clear.
	time.Sleep(300 * time.Millisecond)
	cancel()
	assert.Equal(t, txCalls, call.txEnc.calls())
	assert.Equal(t, rxCalls, call.rxEnc.calls())
}

func TestSRTPStateTransitions(t *testing.T) {
	e := newTestEngine(t)
	ch, err := e.Base().CreateChannel()
	require.NoError(t, err)
	enc := e.Encryption()

	bad := srtpConfig()
	bad.CipherKeyLen = 7
	assert.ErrorIs(t, enc.EnableSRTPSend(ch, bad), srtp.ErrInvalidConfig)
	assert.Equal(t, InvalidArgument.Code(), e.Base().LastError())

	require.NoError(t, enc.DisableSRTPSend(ch), "disabling when off succeeds")
	require.NoError(t, enc.EnableSRTPSend(ch, srtpConfig()))
	assert.ErrorIs(t, enc.EnableSRTPSend(ch, srtpConfig()), ErrSRTPEnabled)
	assert.Equal(t, WrongState.Code(), e.Base().LastError())
	require.NoError(t, enc.EnableSRTPReceive(ch, srtpConfig()))

	assert.ErrorIs(t, enc.RegisterExternalEncryption(ch, invertEncryption{}), ErrEncryptionConflict)
	require.NoError(t, enc.DisableSRTPSend(ch))
	assert.ErrorIs(t, enc.RegisterExternalEncryption(ch, invertEncryption{}), ErrEncryptionConflict,
		"SRTP receive still on")
	require.NoError(t, enc.DisableSRTPReceive(ch))

	assert.ErrorIs(t, enc.RegisterExternalEncryption(ch, nil), ErrInvalidArgument)
	require.NoError(t, enc.RegisterExternalEncryption(ch, invertEncryption{}))
	assert.ErrorIs(t, enc.RegisterExternalEncryption(ch, invertEncryption{}), ErrEncryptionRegistered)
	assert.ErrorIs(t, enc.EnableSRTPReceive(ch, srtpConfig()), ErrEncryptionConflict)

	require.NoError(t, enc.DeregisterExternalEncryption(ch))
	assert.ErrorIs(t, enc.DeregisterExternalEncryption(ch), ErrNoEncryption)
	assert.Equal(t, NotFound.Code(), e.Base().LastError())
}

func TestExternalEncryption(t *testing.T) {
	sender, clock := newManualEngine(t)
	receiver, _ := newManualEngine(t)
	tr := &captureTransport{}
	tx := sendingChannel(t, sender, tr)
	require.NoError(t, sender.Encryption().RegisterExternalEncryption(tx, invertEncryption{}))
	require.NoError(t, sender.RTPRTCP().SetRTPKeepAliveStatus(tx, true, 109, time.Second))
	require.NoError(t, sender.Base().StartSend(tx))
	step(sender, clock, 25, 100*time.Millisecond)

	raws := tr.rawRTP()
	require.NotEmpty(t, raws)
	wire := raws[0]
	require.Len(t, wire, rtpHeaderSize+1+2, "keep-alive plus two bytes of trailer")
	assert.Equal(t, []byte{0xa5, 0x5a}, wire[len(wire)-2:])
	assert.Equal(t, byte(0x80), ^wire[0], "inverted RTP version byte")

	rx := sendingChannel(t, receiver, &captureTransport{})
	require.NoError(t, receiver.Base().StartReceive(rx))
	assert.ErrorIs(t, receiver.Network().ReceivedRTPPacket(rx, wire), ErrPacketLength,
		"without the transform the packet does not parse")

	require.NoError(t, receiver.Encryption().RegisterExternalEncryption(rx, invertEncryption{}))
	require.NoError(t, receiver.Network().ReceivedRTPPacket(rx, wire))
	ssrc, err := sender.RTPRTCP().GetLocalSSRC(tx)
	require.NoError(t, err)
	got, err := receiver.RTPRTCP().GetRemoteSSRC(rx)
	require.NoError(t, err)
	assert.Equal(t, ssrc, got)

	corrupt := append([]byte(nil), wire...)
	corrupt[len(corrupt)-1] = 0
	assert.ErrorIs(t, receiver.Network().ReceivedRTPPacket(rx, corrupt), ErrDecryptFailed)
	assert.Equal(t, PacketDropped.Code(), receiver.Base().LastError())

	require.NoError(t, sender.Base().StopSend(tx))
	require.NoError(t, sender.Encryption().DeregisterExternalEncryption(tx))
}

func TestSRTPRoundTrip(t *testing.T) {
	sender, clock := newManualEngine(t)
	receiver, _ := newManualEngine(t)
	tr := &captureTransport{}
	tx := sendingChannel(t, sender, tr)
	require.NoError(t, sender.Encryption().EnableSRTPSend(tx, srtpConfig()))
	require.NoError(t, sender.RTPRTCP().SetRTPKeepAliveStatus(tx, true, 109, time.Second))
	require.NoError(t, sender.Base().StartSend(tx))
	step(sender, clock, 35, 100*time.Millisecond)

	raws := tr.rawRTP()
	require.GreaterOrEqual(t, len(raws), 2)
	for _, raw := range raws {
		assert.Len(t, raw, rtpHeaderSize+1+10, "payload plus 10-byte tag")
	}

	rx := sendingChannel(t, receiver, &captureTransport{})
	require.NoError(t, receiver.Encryption().EnableSRTPReceive(rx, srtpConfig()))
	require.NoError(t, receiver.Base().StartReceive(rx))

	tampered := append([]byte(nil), raws[0]...)
	tampered[len(tampered)-1] ^= 0xff
	assert.ErrorIs(t, receiver.Network().ReceivedRTPPacket(rx, tampered), ErrDecryptFailed)

	for _, raw := range raws {
		require.NoError(t, receiver.Network().ReceivedRTPPacket(rx, raw))
	}
	st, err := receiver.RTPRTCP().GetRTPStatistics(rx)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(raws)), st.PacketsReceived)

	pkt := &pionrtp.Packet{}
	require.NoError(t, pkt.Unmarshal(raws[0]))
	got, err := receiver.RTPRTCP().GetRemoteSSRC(rx)
	require.NoError(t, err)
	assert.Equal(t, pkt.SSRC, got)
}

func TestSharedSecretEncryptionCall(t *testing.T) {
	if testing.Short() {
		t.Skip("streams video")
	}
	secret := []byte("correct horse battery staple")
	call := dialEncrypted(t, func(e *Engine, ch int, _ bool) error {
		return e.Encryption().RegisterSharedSecretEncryption(ch, secret, "call-7")
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go call.push(ctx)

	require.Eventually(t, func() bool {
		return call.out.count() >= 10
	}, 5*time.Second, 20*time.Millisecond)
	cancel()

	assert.ErrorIs(t, call.sender.Encryption().RegisterSharedSecretEncryption(call.tx, secret, "call-7"),
		ErrEncryptionRegistered)
	require.NoError(t, call.sender.Encryption().DeregisterExternalEncryption(call.tx))
}

func TestSharedSecretEncryptionRejects(t *testing.T) {
	e := newTestEngine(t)
	ch, err := e.Base().CreateChannel()
	require.NoError(t, err)

	err = e.Encryption().RegisterSharedSecretEncryption(ch, nil, "call-7")
	assert.ErrorIs(t, err, srtp.ErrInvalidKey)
	assert.ErrorIs(t, e.Encryption().DeregisterExternalEncryption(ch), ErrNoEncryption)

	assert.ErrorIs(t, e.Encryption().RegisterSharedSecretEncryption(ch+100, []byte("s"), "call-7"), ErrChannelNotFound)
}
