package videoengine

import (
	"testing"
	"time"

	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/videoengine/config"
	"github.com/opd-ai/videoengine/transport"
)

func TestSetMTU(t *testing.T) {
	e := newTestEngine(t)
	ch, err := e.Base().CreateChannel()
	require.NoError(t, err)

	tests := []struct {
		mtu     int
		wantErr bool
	}{
		{config.MinMTU - 1, true},
		{config.MinMTU, false},
		{1200, false},
		{config.MaxMTU, false},
		{config.MaxMTU + 1, true},
	}
	for _, tt := range tests {
		err := e.Network().SetMTU(ch, tt.mtu)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidMTU, "mtu %d", tt.mtu)
			assert.Equal(t, InvalidArgument.Code(), e.Base().LastError())
			continue
		}
		assert.NoError(t, err, "mtu %d", tt.mtu)
		assert.Equal(t, tt.mtu, mustChannel(t, e, ch).mtu)
	}
}

func TestSendToS(t *testing.T) {
	e := newTestEngine(t)
	ch, err := e.Base().CreateChannel()
	require.NoError(t, err)
	nw := e.Network()

	tests := []struct {
		name    string
		dscp    int
		wantErr error
	}{
		{"negative", -1, transport.ErrInvalidDSCP},
		{"too large", 64, transport.ErrInvalidDSCP},
		{"expedited forwarding", 46, nil},
		{"cleared", 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := nw.SetSendToS(ch, tt.dscp, true)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			dscp, sockopt, err := nw.GetSendToS(ch)
			require.NoError(t, err)
			assert.Equal(t, tt.dscp, dscp)
			assert.True(t, sockopt)
		})
	}

	ext, err := e.Base().CreateChannel()
	require.NoError(t, err)
	require.NoError(t, nw.RegisterSendTransport(ext, &captureTransport{}))
	assert.ErrorIs(t, nw.SetSendToS(ext, 10, false), ErrExternalTransport)
	assert.ErrorIs(t, nw.SetSendGQoS(ext, true, transport.ServiceGuaranteed), ErrExternalTransport)
}

func TestSendGQoS(t *testing.T) {
	e := newTestEngine(t)
	ch, err := e.Base().CreateChannel()
	require.NoError(t, err)
	nw := e.Network()

	for _, s := range []transport.ServiceType{transport.ServiceNoTraffic, transport.ServiceNetworkControl, transport.ServiceType(42)} {
		assert.ErrorIs(t, nw.SetSendGQoS(ch, true, s), transport.ErrUnsupportedServiceType, "service %d", s)
	}

	require.NoError(t, nw.SetSendGQoS(ch, true, transport.ServiceGuaranteed))
	on, service, err := nw.GetSendGQoS(ch)
	require.NoError(t, err)
	assert.True(t, on)
	assert.Equal(t, transport.ServiceGuaranteed, service)
	dscp, _, err := nw.GetSendToS(ch)
	require.NoError(t, err)
	assert.Equal(t, 46, dscp)

	assert.ErrorIs(t, nw.SetSendGQoS(ch, true, transport.ServiceControlledLoad), ErrFeatureState)

	require.NoError(t, nw.SetSendGQoS(ch, false, 0))
	on, _, err = nw.GetSendGQoS(ch)
	require.NoError(t, err)
	assert.False(t, on)
}

func TestSendTransportRegistration(t *testing.T) {
	e := newTestEngine(t)
	nw := e.Network()
	ch, err := e.Base().CreateChannel()
	require.NoError(t, err)

	assert.ErrorIs(t, nw.RegisterSendTransport(ch, nil), ErrInvalidArgument)
	assert.ErrorIs(t, nw.DeregisterSendTransport(ch), ErrNoTransport)

	tr := &captureTransport{}
	require.NoError(t, nw.RegisterSendTransport(ch, tr))
	assert.ErrorIs(t, nw.RegisterSendTransport(ch, tr), ErrTransportRegistered)
	assert.ErrorIs(t, nw.SetSendDestination(ch, "127.0.0.1", 5000, 0, 0, 0), ErrExternalTransport)
	assert.ErrorIs(t, nw.SetLocalReceiver(ch, 0, 0, "127.0.0.1"), ErrExternalTransport)

	require.NoError(t, e.Codec().SetSendCodec(ch, vp8(t)))
	require.NoError(t, e.Base().StartSend(ch))
	assert.ErrorIs(t, nw.DeregisterSendTransport(ch), ErrSending)
	require.NoError(t, e.Base().StopSend(ch))
	require.NoError(t, nw.DeregisterSendTransport(ch))

	require.NoError(t, nw.SetSendDestination(ch, "127.0.0.1", 5000, 0, 0, 0))
	assert.ErrorIs(t, nw.RegisterSendTransport(ch, tr), ErrDestinationSet)
	dest, err := nw.GetSendDestination(ch)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", dest.IP)
	assert.Equal(t, 5000, dest.RTPPort)
	assert.Equal(t, 5001, dest.RTCPPort)
}

func TestSendDestinationValidation(t *testing.T) {
	e := newTestEngine(t)
	ch, err := e.Base().CreateChannel()
	require.NoError(t, err)

	_, err = e.Network().GetSendDestination(ch)
	assert.ErrorIs(t, err, transport.ErrNoDestination)

	tests := []struct {
		name    string
		ip      string
		port    int
		wantErr error
	}{
		{"bad address", "not-an-ip", 5000, transport.ErrInvalidAddress},
		{"bad port", "127.0.0.1", 70000, transport.ErrInvalidPort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.Network().SetSendDestination(ch, tt.ip, tt.port, 0, 0, 0)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, InvalidArgument.Code(), e.Base().LastError())
		})
	}
}

func TestInjectValidation(t *testing.T) {
	e := newTestEngine(t)
	ch := sendingChannel(t, e, &captureTransport{})
	nw := e.Network()

	assert.ErrorIs(t, nw.ReceivedRTPPacket(ch, nil), ErrInvalidArgument)
	assert.ErrorIs(t, nw.ReceivedRTPPacket(ch, make([]byte, 20)), ErrNotReceiving)

	require.NoError(t, e.Base().StartReceive(ch))
	assert.ErrorIs(t, nw.ReceivedRTPPacket(ch, make([]byte, 5)), ErrPacketLength)
	assert.ErrorIs(t, nw.ReceivedRTCPPacket(ch, make([]byte, 5)), ErrPacketLength)
	assert.Equal(t, PacketMalformed.Code(), e.Base().LastError())
}

func TestSocketQueriesWithoutSocket(t *testing.T) {
	e := newTestEngine(t)
	ch, err := e.Base().CreateChannel()
	require.NoError(t, err)
	nw := e.Network()

	_, err = nw.GetLocalReceiver(ch)
	assert.ErrorIs(t, err, ErrNoSocket)
	_, err = nw.GetSourceInfo(ch)
	assert.ErrorIs(t, err, ErrNoSocket)
	_, err = nw.GetSourceFilter(ch)
	assert.ErrorIs(t, err, ErrNoSocket)
	assert.ErrorIs(t, nw.SetSourceFilter(ch, 5000, 5001, "127.0.0.1"), ErrNoSocket)
}

func TestLivenessValidation(t *testing.T) {
	e := newTestEngine(t)
	ch, err := e.Base().CreateChannel()
	require.NoError(t, err)
	nw := e.Network()

	assert.ErrorIs(t, nw.SetPacketTimeoutNotification(ch, true, 0), ErrInvalidTimeout)
	require.NoError(t, nw.SetPacketTimeoutNotification(ch, false, 0))

	tests := []struct {
		sample  time.Duration
		wantErr bool
	}{
		{500 * time.Millisecond, true},
		{time.Second, false},
		{255 * time.Second, false},
		{256 * time.Second, true},
	}
	for _, tt := range tests {
		err := nw.SetPeriodicDeadOrAliveStatus(ch, true, tt.sample)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidTimeout, "sample %v", tt.sample)
		} else {
			assert.NoError(t, err, "sample %v", tt.sample)
		}
	}
}

func mediaPacket(t *testing.T, ssrc uint32, seq uint16, pt uint8, payload []byte) []byte {
	t.Helper()
	pkt := &pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			PayloadType:    pt,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 3000,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	return raw
}

func TestPacketTimeoutAndDeadOrAlive(t *testing.T) {
	e, clock := newManualEngine(t)
	ch := sendingChannel(t, e, &captureTransport{})
	nw := e.Network()

	require.NoError(t, e.Base().StartReceive(ch))
	require.NoError(t, nw.SetPacketTimeoutNotification(ch, true, time.Second))
	require.NoError(t, nw.SetPeriodicDeadOrAliveStatus(ch, true, time.Second))

	step(e, clock, 15, 100*time.Millisecond)
	rec, err := e.ObserverRecord(ch)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.PacketTimeouts)
	assert.Equal(t, 1, rec.DeadEvents)
	assert.Zero(t, rec.AliveEvents)

	require.NoError(t, nw.ReceivedRTPPacket(ch, mediaPacket(t, 0xabcd, 1, 109, []byte{0})))
	step(e, clock, 10, 100*time.Millisecond)

	rec, err = e.ObserverRecord(ch)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.PacketResumedEvents)
	assert.Equal(t, 1, rec.AliveEvents)
	assert.Equal(t, 1, rec.SSRCChanges)

	ssrc, err := e.RTPRTCP().GetRemoteSSRC(ch)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xabcd), ssrc)
}

func TestUDPRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("binds UDP sockets")
	}
	sender := newTestEngine(t)
	receiver := newTestEngine(t)

	rx, err := receiver.Base().CreateChannel()
	require.NoError(t, err)
	require.NoError(t, receiver.Network().SetLocalReceiver(rx, 0, 0, "127.0.0.1"))
	local, err := receiver.Network().GetLocalReceiver(rx)
	require.NoError(t, err)
	require.NotZero(t, local.RTPPort)
	require.NotZero(t, local.RTCPPort)
	assert.ErrorIs(t, receiver.Network().SetLocalReceiver(rx, -1, 0, ""), transport.ErrInvalidPort)
	require.NoError(t, receiver.Base().StartReceive(rx))
	assert.ErrorIs(t, receiver.Network().SetLocalReceiver(rx, 0, 0, "127.0.0.1"), ErrReceiving)

	tx, err := sender.Base().CreateChannel()
	require.NoError(t, err)
	require.NoError(t, sender.Codec().SetSendCodec(tx, vp8(t)))
	require.NoError(t, sender.Network().SetSendDestination(tx, "127.0.0.1", local.RTPPort, local.RTCPPort, 0, 0))
	require.NoError(t, sender.RTPRTCP().SetRTPKeepAliveStatus(tx, true, 109, time.Second))
	require.NoError(t, sender.Base().StartSend(tx))

	ssrc, err := sender.RTPRTCP().GetLocalSSRC(tx)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		got, err := receiver.RTPRTCP().GetRemoteSSRC(rx)
		return err == nil && got == ssrc
	}, 5*time.Second, 20*time.Millisecond)

	info, err := receiver.Network().GetSourceInfo(rx)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", info.IP)
}
