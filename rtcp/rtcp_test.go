package rtcp

import (
	"testing"
	"time"

	pionrtcp "github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/videoengine/rtp"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestComposeCompound(t *testing.T) {
	info := &rtp.SenderInfo{NTPTime: rtp.ToNTP(epoch), RTPTime: 9000, PacketCount: 10, OctetCount: 1000}
	block := rtp.ReportBlock{ReceptionStats: rtp.ReceptionStats{SSRC: 2, FractionLost: 25, CumulativeLost: 3, ExtendedMaxSeq: 100, Jitter: 7}}

	data, err := Compose(ModeCompound, Report{
		SSRC:     1,
		CNAME:    "alice@example",
		Sender:   info,
		Blocks:   []rtp.ReportBlock{block},
		Feedback: []pionrtcp.Packet{PLI(1, 2)},
	})
	require.NoError(t, err)

	s, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Packets)
	assert.Equal(t, uint32(1), s.SenderSSRC)
	require.NotNil(t, s.SenderReport)
	assert.Equal(t, uint32(10), s.SenderReport.PacketCount)
	assert.Equal(t, "alice@example", s.CNAME)
	assert.True(t, s.PLI)
	assert.True(t, s.KeyFrameRequested())
	require.Len(t, s.Reports, 1)
	assert.Equal(t, uint8(25), s.Reports[0].FractionLost)
	assert.Equal(t, uint32(3), s.Reports[0].TotalLost)
}

func TestComposeReceiverReportWithoutMedia(t *testing.T) {
	data, err := Compose(ModeCompound, Report{SSRC: 5, CNAME: "bob", Periodic: true})
	require.NoError(t, err)
	assert.Equal(t, uint8(pionrtcp.TypeReceiverReport), data[1])

	s, err := Parse(data)
	require.NoError(t, err)
	assert.Nil(t, s.SenderReport)
	assert.Equal(t, uint32(5), s.SenderSSRC)
}

func TestComposeModes(t *testing.T) {
	nack := NACK(1, 2, []uint16{10, 11, 15})

	_, err := Compose(ModeOff, Report{Feedback: []pionrtcp.Packet{nack}})
	assert.ErrorIs(t, err, ErrModeOff)

	reduced, err := Compose(ModeReducedSize, Report{SSRC: 1, Feedback: []pionrtcp.Packet{nack}})
	require.NoError(t, err)
	assert.Equal(t, uint8(pionrtcp.TypeTransportSpecificFeedback), reduced[1])

	s, err := Parse(reduced)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Packets)
	assert.Equal(t, []uint16{10, 11, 15}, s.NACKs)

	_, err = Compose(ModeReducedSize, Report{SSRC: 1})
	assert.ErrorIs(t, err, ErrEmpty)

	periodic, err := Compose(ModeReducedSize, Report{SSRC: 1, CNAME: "x", Periodic: true})
	require.NoError(t, err)
	assert.Equal(t, uint8(pionrtcp.TypeReceiverReport), periodic[1])

	long := make([]byte, MaxCNAMELength+1)
	_, err = Compose(ModeCompound, Report{CNAME: string(long)})
	assert.ErrorIs(t, err, ErrCNAMETooLong)
}

func TestApplicationDefined(t *testing.T) {
	tests := []struct {
		name    string
		subType uint8
		data    []byte
		err     error
	}{
		{"valid", 3, []byte{1, 2, 3, 4, 5, 6, 7, 8}, nil},
		{"empty but non-nil", 0, []byte{}, nil},
		{"nil data", 0, nil, ErrAppLength},
		{"odd length", 0, []byte{1, 2, 3}, ErrAppLength},
		{"subtype too large", 32, []byte{1, 2, 3, 4}, ErrAppSubType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, err := NewApplicationDefined(9, tt.subType, 0x74657374, tt.data)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)

			data, err := Compose(ModeCompound, Report{SSRC: 9, CNAME: "c", Feedback: []pionrtcp.Packet{app}})
			require.NoError(t, err)
			s, err := Parse(data)
			require.NoError(t, err)
			require.Len(t, s.Apps, 1)
			assert.Equal(t, tt.subType, s.Apps[0].SubType)
			assert.Equal(t, uint32(0x74657374), s.Apps[0].Name)
			assert.Equal(t, tt.data, s.Apps[0].Data)
		})
	}
}

func TestTMMBRoundTrip(t *testing.T) {
	req := &TMMBR{SenderSSRC: 7, Entries: []TMMBEntry{{SSRC: 8, Bitrate: 250000, Overhead: 40}}}
	note := &TMMBN{SenderSSRC: 8, Entries: []TMMBEntry{{SSRC: 8, Bitrate: 250000, Overhead: 40}}}

	data, err := Compose(ModeReducedSize, Report{Feedback: []pionrtcp.Packet{req, note}})
	require.NoError(t, err)

	s, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, s.TMMBR, 1)
	require.Len(t, s.TMMBN, 1)
	assert.Equal(t, uint32(8), s.TMMBR[0].SSRC)
	assert.Equal(t, uint16(40), s.TMMBR[0].Overhead)
	// 250000 needs one bit of exponent; the mantissa keeps it exact.
	assert.Equal(t, uint64(250000), s.TMMBR[0].Bitrate)
	assert.Equal(t, uint32(7), s.SenderSSRC)

	_, err = (&TMMBR{Entries: []TMMBEntry{{Overhead: 600}}}).Marshal()
	assert.Error(t, err)
}

func TestTMMBRLossyMantissa(t *testing.T) {
	data, err := TMMBR{Entries: []TMMBEntry{{SSRC: 1, Bitrate: 1_000_001}}}.Marshal()
	require.NoError(t, err)
	var out TMMBR
	require.NoError(t, out.Unmarshal(data))
	got := out.Entries[0].Bitrate
	assert.LessOrEqual(t, got, uint64(1_000_001))
	assert.Greater(t, got, uint64(999_000))
}

func TestParseFIRAndBye(t *testing.T) {
	data, err := Compose(ModeCompound, Report{SSRC: 1, CNAME: "c", Feedback: []pionrtcp.Packet{FIR(1, 2, 4), Bye(1)}})
	require.NoError(t, err)
	s, err := Parse(data)
	require.NoError(t, err)
	assert.True(t, s.FIR)
	assert.False(t, s.PLI)
	assert.True(t, s.Bye)
}

func TestParseMalformed(t *testing.T) {
	valid, err := Compose(ModeCompound, Report{SSRC: 1, CNAME: "c", Periodic: true})
	require.NoError(t, err)

	badVersion := append([]byte(nil), valid...)
	badVersion[0] = badVersion[0]&0x3f | 1<<6

	overrun := append([]byte(nil), valid...)
	overrun[3] = 0xff

	padded := append([]byte(nil), valid...)
	padded[0] |= 0x20

	tests := []struct {
		name string
		data []byte
	}{
		{"too short", []byte{0x80, 0xc9}},
		{"bad version", badVersion},
		{"length overrun", overrun},
		{"trailing bytes", append(append([]byte(nil), valid...), 0x80, 0xc9)},
		{"padding on first packet", padded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestScheduler(t *testing.T) {
	s := NewScheduler(time.Second)
	assert.False(t, s.Due(epoch), "not started")

	s.Start(epoch)
	assert.False(t, s.Due(epoch.Add(400*time.Millisecond)))
	assert.True(t, s.Due(epoch.Add(500*time.Millisecond)))

	// The next report lands between 0.5 and 1.5 intervals later.
	last := epoch.Add(500 * time.Millisecond)
	assert.False(t, s.Due(last.Add(499*time.Millisecond)))
	assert.True(t, s.Due(last.Add(1500*time.Millisecond)))

	s.Stop()
	assert.False(t, s.Due(epoch.Add(time.Hour)))
}

func TestRTT(t *testing.T) {
	srSent := epoch
	lsr := rtp.CompactNTP(rtp.ToNTP(srSent))
	block := pionrtcp.ReceptionReport{LastSenderReport: lsr, Delay: rtp.CompactDuration(100 * time.Millisecond)}

	rtt := RTT(block, srSent.Add(180*time.Millisecond))
	assert.InDelta(t, float64(80*time.Millisecond), float64(rtt), float64(time.Millisecond))

	assert.Equal(t, time.Duration(0), RTT(pionrtcp.ReceptionReport{}, epoch))
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "compound", ModeCompound.String())
	assert.Equal(t, "reduced-size", ModeReducedSize.String())
	assert.Equal(t, "off", ModeOff.String())
	assert.False(t, Mode(7).Valid())

	for _, m := range []Mode{ModeOff, ModeCompound, ModeReducedSize} {
		got, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseMode("sometimes")
	assert.Error(t, err)
}
