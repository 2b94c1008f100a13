package rtcp

import (
	"fmt"

	pionrtcp "github.com/pion/rtcp"

	"github.com/opd-ai/videoengine/rtp"
)

// Report is everything one outgoing RTCP datagram may carry.
type Report struct {
	SSRC     uint32
	CNAME    string
	Sender   *rtp.SenderInfo
	Blocks   []rtp.ReportBlock
	Feedback []pionrtcp.Packet
	// Periodic marks a scheduled report. Reduced-size mode still sends
	// full compound packets for scheduled reports.
	Periodic bool
}

// Compose marshals r according to mode. A compound datagram starts
// with an SR when sender info is present and an RR otherwise, followed
// by the SDES CNAME and any feedback. In reduced-size mode a report
// that is not periodic carries only its feedback.
func Compose(mode Mode, r Report) ([]byte, error) {
	if len(r.CNAME) > MaxCNAMELength {
		return nil, ErrCNAMETooLong
	}
	switch mode {
	case ModeOff:
		return nil, ErrModeOff
	case ModeReducedSize:
		if !r.Periodic {
			if len(r.Feedback) == 0 {
				return nil, ErrEmpty
			}
			return pionrtcp.Marshal(r.Feedback)
		}
	case ModeCompound:
	default:
		return nil, fmt.Errorf("unknown RTCP mode %d", mode)
	}

	packets := make([]pionrtcp.Packet, 0, 2+len(r.Feedback))
	packets = append(packets, reportPacket(r))
	packets = append(packets, &pionrtcp.SourceDescription{
		Chunks: []pionrtcp.SourceDescriptionChunk{{
			Source: r.SSRC,
			Items:  []pionrtcp.SourceDescriptionItem{{Type: pionrtcp.SDESCNAME, Text: r.CNAME}},
		}},
	})
	packets = append(packets, r.Feedback...)
	return pionrtcp.Marshal(packets)
}

func reportPacket(r Report) pionrtcp.Packet {
	blocks := make([]pionrtcp.ReceptionReport, 0, len(r.Blocks))
	for _, b := range r.Blocks {
		blocks = append(blocks, pionrtcp.ReceptionReport{
			SSRC:               b.SSRC,
			FractionLost:       b.FractionLost,
			TotalLost:          b.CumulativeLost,
			LastSequenceNumber: b.ExtendedMaxSeq,
			Jitter:             b.Jitter,
			LastSenderReport:   b.LastSR,
			Delay:              b.DelaySinceLastSR,
		})
	}
	if r.Sender != nil {
		return &pionrtcp.SenderReport{
			SSRC:        r.SSRC,
			NTPTime:     r.Sender.NTPTime,
			RTPTime:     r.Sender.RTPTime,
			PacketCount: r.Sender.PacketCount,
			OctetCount:  r.Sender.OctetCount,
			Reports:     blocks,
		}
	}
	return &pionrtcp.ReceiverReport{SSRC: r.SSRC, Reports: blocks}
}

// NACK builds a generic NACK for the given sequence numbers.
func NACK(sender, media uint32, seqs []uint16) *pionrtcp.TransportLayerNack {
	return &pionrtcp.TransportLayerNack{
		SenderSSRC: sender,
		MediaSSRC:  media,
		Nacks:      pionrtcp.NackPairsFromSequenceNumbers(seqs),
	}
}

// PLI builds a picture loss indication.
func PLI(sender, media uint32) *pionrtcp.PictureLossIndication {
	return &pionrtcp.PictureLossIndication{SenderSSRC: sender, MediaSSRC: media}
}

// FIR builds a full intra request with command sequence number seq.
func FIR(sender, media uint32, seq uint8) *pionrtcp.FullIntraRequest {
	return &pionrtcp.FullIntraRequest{
		SenderSSRC: sender,
		MediaSSRC:  media,
		FIR:        []pionrtcp.FIREntry{{SSRC: media, SequenceNumber: seq}},
	}
}

// Bye builds a goodbye for ssrc.
func Bye(ssrc uint32) *pionrtcp.Goodbye {
	return &pionrtcp.Goodbye{Sources: []uint32{ssrc}}
}
