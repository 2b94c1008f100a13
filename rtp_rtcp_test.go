package videoengine

import (
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/videoengine/rtcp"
	"github.com/opd-ai/videoengine/rtp"
)

func TestStartSequenceNumberAndSSRC(t *testing.T) {
	e, clock := newManualEngine(t)
	tr := &captureTransport{}
	ch := sendingChannel(t, e, tr)
	rr := e.RTPRTCP()

	const ssrc = 0x01234567
	require.NoError(t, rr.SetLocalSSRC(ch, ssrc))
	require.NoError(t, rr.SetStartSequenceNumber(ch, 12345))
	require.NoError(t, rr.SetRTPKeepAliveStatus(ch, true, 109, time.Second))
	require.NoError(t, e.Base().StartSend(ch))

	assert.ErrorIs(t, rr.SetLocalSSRC(ch, 7), ErrSending)
	assert.ErrorIs(t, rr.SetStartSequenceNumber(ch, 1), ErrSending)
	assert.Equal(t, WrongState.Code(), e.Base().LastError())

	step(e, clock, 40, 100*time.Millisecond)
	pkts := tr.packets(t)
	require.GreaterOrEqual(t, len(pkts), 3)
	assert.Equal(t, uint16(12345), pkts[0].SequenceNumber)
	for i, pkt := range pkts {
		assert.Equal(t, uint32(ssrc), pkt.SSRC)
		assert.Equal(t, uint16(12345+i), pkt.SequenceNumber)
	}

	got, err := rr.GetLocalSSRC(ch)
	require.NoError(t, err)
	assert.Equal(t, uint32(ssrc), got)

	require.NoError(t, e.Base().StopSend(ch))
	require.NoError(t, rr.SetLocalSSRC(ch, 7))
	require.NoError(t, rr.SetStartSequenceNumber(ch, 1))
}

func TestKeepAlive(t *testing.T) {
	e, clock := newManualEngine(t)
	tr := &captureTransport{}
	ch := sendingChannel(t, e, tr)
	rr := e.RTPRTCP()

	require.NoError(t, rr.SetRTPKeepAliveStatus(ch, true, 109, 2*time.Second))
	on, pt, interval, err := rr.GetRTPKeepAliveStatus(ch)
	require.NoError(t, err)
	assert.True(t, on)
	assert.Equal(t, uint8(109), pt)
	assert.Equal(t, 2*time.Second, interval)

	require.NoError(t, e.Base().StartSend(ch))
	step(e, clock, 1000, 10*time.Millisecond)
	require.NoError(t, e.Base().StopSend(ch))

	n := 0
	for _, pkt := range tr.packets(t) {
		if pkt.PayloadType == 109 {
			assert.Len(t, pkt.Payload, 1)
			n++
		}
	}
	assert.InDelta(t, 5, n, 1)

	require.NoError(t, rr.SetRTPKeepAliveStatus(ch, false, 0, 0))
	on, _, _, err = rr.GetRTPKeepAliveStatus(ch)
	require.NoError(t, err)
	assert.False(t, on)
}

func TestKeepAliveValidation(t *testing.T) {
	e := newTestEngine(t)
	ch := sendingChannel(t, e, &captureTransport{})
	rr := e.RTPRTCP()

	tests := []struct {
		name     string
		pt       uint8
		interval time.Duration
		wantErr  error
	}{
		{"zero interval", 109, 0, rtp.ErrInvalidKeepAliveInterval},
		{"interval too long", 109, 61 * time.Second, rtp.ErrInvalidKeepAliveInterval},
		{"send codec payload type", 120, time.Second, rtp.ErrPayloadTypeInUse},
		{"payload type out of range", 200, time.Second, rtp.ErrInvalidPayloadType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rr.SetRTPKeepAliveStatus(ch, true, tt.pt, tt.interval)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	require.NoError(t, rr.SetRTPKeepAliveStatus(ch, true, 109, time.Second))
	assert.ErrorIs(t, rr.SetRTPKeepAliveStatus(ch, true, 110, time.Second), rtp.ErrKeepAliveState)
}

func TestRTCPModeAndCNAME(t *testing.T) {
	e := newTestEngine(t)
	ch, err := e.Base().CreateChannel()
	require.NoError(t, err)
	rr := e.RTPRTCP()

	mode, err := rr.GetRTCPStatus(ch)
	require.NoError(t, err)
	assert.Equal(t, rtcp.ModeCompound, mode)

	assert.ErrorIs(t, rr.SetRTCPStatus(ch, rtcp.Mode(9)), ErrInvalidMode)

	require.NoError(t, rr.SetNACKStatus(ch, true))
	require.NoError(t, rr.SetTMMBRStatus(ch, true))
	require.NoError(t, rr.SetRTCPStatus(ch, rtcp.ModeOff))
	nack, _ := mustChannel(t, e, ch).protection()
	assert.False(t, nack, "RTCP off turns NACK off")

	assert.ErrorIs(t, rr.SetNACKStatus(ch, true), ErrRTCPDisabled)
	assert.ErrorIs(t, rr.SetTMMBRStatus(ch, true), ErrRTCPDisabled)
	assert.ErrorIs(t, rr.SetKeyFrameRequestMethod(ch, KeyFrameRequestPLI), ErrRTCPDisabled)
	require.NoError(t, rr.SetKeyFrameRequestMethod(ch, KeyFrameRequestNone))

	cnames := []struct {
		name    string
		cname   string
		wantErr error
	}{
		{"empty", "", ErrInvalidArgument},
		{"too long", strings.Repeat("x", rtcp.MaxCNAMELength+1), rtcp.ErrCNAMETooLong},
		{"longest", strings.Repeat("x", rtcp.MaxCNAMELength), nil},
		{"plain", "peer@example.org", nil},
	}
	for _, tt := range cnames {
		t.Run(tt.name, func(t *testing.T) {
			err := rr.SetRTCPCName(ch, tt.cname)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, InvalidArgument.Code(), e.Base().LastError())
				return
			}
			require.NoError(t, err)
			got, err := rr.GetRTCPCName(ch)
			require.NoError(t, err)
			assert.Equal(t, tt.cname, got)
		})
	}

	_, err = rr.GetRemoteRTCPCName(ch)
	assert.ErrorIs(t, err, ErrNotReceiving)
	_, err = rr.GetRemoteSSRC(ch)
	assert.ErrorIs(t, err, ErrNotReceiving)
}

func TestProtectionModes(t *testing.T) {
	e := newTestEngine(t)
	ch, err := e.Base().CreateChannel()
	require.NoError(t, err)
	rr := e.RTPRTCP()
	c := mustChannel(t, e, ch)

	require.NoError(t, rr.SetNACKStatus(ch, true))
	nack, fec := c.protection()
	assert.True(t, nack)
	assert.False(t, fec)

	require.NoError(t, rr.SetFECStatus(ch, true, 96, 97))
	nack, fec = c.protection()
	assert.False(t, nack, "FEC replaces NACK")
	assert.True(t, fec)

	require.NoError(t, rr.SetHybridNACKFECStatus(ch, true, 96, 97))
	nack, fec = c.protection()
	assert.True(t, nack)
	assert.True(t, fec)

	require.NoError(t, rr.SetNACKStatus(ch, false))
	nack, fec = c.protection()
	assert.False(t, nack)
	assert.True(t, fec, "turning NACK off keeps FEC")

	assert.ErrorIs(t, rr.SetFECStatus(ch, true, 96, 96), ErrInvalidPayloadTypes)
	assert.ErrorIs(t, rr.SetFECStatus(ch, true, 128, 97), ErrInvalidPayloadTypes)
}

func TestApplicationDefinedPacketValidation(t *testing.T) {
	e := newTestEngine(t)
	ch := sendingChannel(t, e, &captureTransport{})
	rr := e.RTPRTCP()

	assert.ErrorIs(t, rr.SendApplicationDefinedRTCPPacket(ch, 0, 0x74657374, []byte("abcd")), ErrNotSending)
	require.NoError(t, e.Base().StartSend(ch))

	tests := []struct {
		name    string
		subType uint8
		data    []byte
		wantErr error
	}{
		{"unaligned", 0, []byte("abc"), rtcp.ErrAppLength},
		{"empty", 0, nil, rtcp.ErrAppLength},
		{"subtype out of range", 32, []byte("abcd"), rtcp.ErrAppSubType},
		{"valid", 3, []byte("abcdefgh"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rr.SendApplicationDefinedRTCPPacket(ch, tt.subType, 0x74657374, tt.data)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

type appObserver struct {
	got chan []byte
}

func (o *appObserver) OnApplicationDataReceived(_ int, _ uint8, _ uint32, data []byte) {
	o.got <- append([]byte(nil), data...)
}

func TestApplicationDefinedPacketDelivery(t *testing.T) {
	sender := newTestEngine(t)
	receiver := newTestEngine(t)

	rxCh, err := receiver.Base().CreateChannel()
	require.NoError(t, err)
	txCh := sendingChannel(t, sender, newLoopback(t, receiver, rxCh, 0))
	require.NoError(t, receiver.Network().RegisterSendTransport(rxCh, newLoopback(t, sender, txCh, 0)))

	obs := &appObserver{got: make(chan []byte, 4)}
	require.NoError(t, receiver.RTPRTCP().RegisterRTCPObserver(rxCh, obs))
	t.Cleanup(func() { _ = receiver.RTPRTCP().DeregisterRTCPObserver(rxCh) })

	require.NoError(t, receiver.Base().StartReceive(rxCh))
	require.NoError(t, sender.Base().StartSend(txCh))
	require.NoError(t, sender.RTPRTCP().SendApplicationDefinedRTCPPacket(txCh, 1, 0x74657374, []byte("ping")))

	select {
	case data := <-obs.got:
		assert.Equal(t, []byte("ping"), data)
	case <-time.After(2 * time.Second):
		t.Fatal("APP packet not delivered")
	}
	rec, err := receiver.ObserverRecord(rxCh)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.AppPackets)
}

func TestRTPDump(t *testing.T) {
	e, clock := newManualEngine(t)
	tr := &captureTransport{}
	ch := sendingChannel(t, e, tr)
	rr := e.RTPRTCP()
	path := filepath.Join(t.TempDir(), "out.rtp")

	assert.ErrorIs(t, rr.StartRTPDump(ch, path, DumpDirection(5)), ErrInvalidDirection)
	assert.ErrorIs(t, rr.StartRTPDump(ch, "", DumpOutgoing), ErrInvalidArgument)
	assert.ErrorIs(t, rr.StopRTPDump(ch, DumpOutgoing), ErrDumpInactive)

	require.NoError(t, rr.StartRTPDump(ch, path, DumpOutgoing))
	assert.ErrorIs(t, rr.StartRTPDump(ch, path, DumpOutgoing), ErrDumpActive)

	require.NoError(t, rr.SetRTPKeepAliveStatus(ch, true, 109, time.Second))
	require.NoError(t, e.Base().StartSend(ch))
	step(e, clock, 50, 100*time.Millisecond)
	require.NoError(t, e.Base().StopSend(ch))
	require.NoError(t, rr.StopRTPDump(ch, DumpOutgoing))

	r, err := rtp.OpenDump(path)
	require.NoError(t, err)
	defer r.Close()

	var dumped [][]byte
	rtcpRecords := 0
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if rec.RTCP {
			rtcpRecords++
			continue
		}
		dumped = append(dumped, rec.Data)
	}
	assert.Equal(t, tr.rawRTP(), dumped)
	assert.Greater(t, rtcpRecords, 0, "reports and BYE are dumped")
}

func TestStatisticsBeforeTraffic(t *testing.T) {
	e := newTestEngine(t)
	ch, err := e.Base().CreateChannel()
	require.NoError(t, err)
	rr := e.RTPRTCP()

	_, err = rr.GetReceivedRTCPStatistics(ch)
	assert.ErrorIs(t, err, ErrNotReceiving)
	_, err = rr.GetSentRTCPStatistics(ch)
	assert.ErrorIs(t, err, ErrNotSending)

	st, err := rr.GetRTPStatistics(ch)
	require.NoError(t, err)
	assert.Zero(t, st)
	bw, err := rr.GetBandwidthUsage(ch)
	require.NoError(t, err)
	assert.Zero(t, bw)
}

func TestKeyFrameMethodString(t *testing.T) {
	tests := []struct {
		method KeyFrameMethod
		want   string
	}{
		{KeyFrameRequestNone, "none"},
		{KeyFrameRequestPLI, "pli"},
		{KeyFrameRequestFIR, "fir"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.method.String())
		parsed, err := parseKeyFrameMethod(tt.want)
		require.NoError(t, err)
		assert.Equal(t, tt.method, parsed)
	}
}

func mustChannel(t *testing.T, e *Engine, id int) *channel {
	t.Helper()
	c, err := e.channel(id)
	require.NoError(t, err)
	return c
}
