package rtcp

import (
	"encoding/binary"
	"fmt"

	pionrtcp "github.com/pion/rtcp"
)

// Summary collects what a channel needs from one received datagram.
type Summary struct {
	SenderSSRC   uint32
	SenderReport *pionrtcp.SenderReport
	Reports      []pionrtcp.ReceptionReport
	CNAME        string
	NACKs        []uint16
	PLI          bool
	FIR          bool
	TMMBR        []TMMBEntry
	TMMBN        []TMMBEntry
	Apps         []ApplicationDefined
	Bye          bool
	Packets      int
}

// KeyFrameRequested reports whether the datagram asked for a key frame.
func (s *Summary) KeyFrameRequested() bool {
	return s.PLI || s.FIR
}

// Parse walks a datagram and summarizes it. A datagram whose packets
// do not have version 2, whose length fields overrun the buffer, or
// which carries padding on any packet but the last is malformed.
func Parse(data []byte) (*Summary, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}
	s := &Summary{}
	for off := 0; off < len(data); {
		if len(data)-off < 4 {
			return nil, fmt.Errorf("%w: trailing %d bytes", ErrMalformed, len(data)-off)
		}
		if data[off]>>6 != 2 {
			return nil, fmt.Errorf("%w: version %d", ErrMalformed, data[off]>>6)
		}
		size := (int(binary.BigEndian.Uint16(data[off+2:off+4])) + 1) * 4
		if off+size > len(data) {
			return nil, fmt.Errorf("%w: length %d overruns datagram", ErrMalformed, size)
		}
		if data[off]&0x20 != 0 && off+size != len(data) {
			return nil, fmt.Errorf("%w: padding before last packet", ErrMalformed)
		}
		if err := s.add(data[off : off+size]); err != nil {
			return nil, err
		}
		s.Packets++
		off += size
	}
	return s, nil
}

func (s *Summary) add(chunk []byte) error {
	pt := chunk[1]
	format := chunk[0] & 0x1f

	switch {
	case pt == typeApplicationDefined:
		var app ApplicationDefined
		if err := app.Unmarshal(chunk); err != nil {
			return err
		}
		s.Apps = append(s.Apps, app)
		return nil
	case pt == uint8(pionrtcp.TypeTransportSpecificFeedback) && format == FormatTMMBR:
		var t TMMBR
		if err := t.Unmarshal(chunk); err != nil {
			return err
		}
		s.TMMBR = append(s.TMMBR, t.Entries...)
		s.setSender(t.SenderSSRC)
		return nil
	case pt == uint8(pionrtcp.TypeTransportSpecificFeedback) && format == FormatTMMBN:
		var t TMMBN
		if err := t.Unmarshal(chunk); err != nil {
			return err
		}
		s.TMMBN = append(s.TMMBN, t.Entries...)
		s.setSender(t.SenderSSRC)
		return nil
	}

	packets, err := pionrtcp.Unmarshal(chunk)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for _, p := range packets {
		s.addPacket(p)
	}
	return nil
}

func (s *Summary) setSender(ssrc uint32) {
	if s.SenderSSRC == 0 {
		s.SenderSSRC = ssrc
	}
}

func (s *Summary) addPacket(p pionrtcp.Packet) {
	switch pkt := p.(type) {
	case *pionrtcp.SenderReport:
		s.SenderReport = pkt
		s.Reports = append(s.Reports, pkt.Reports...)
		s.setSender(pkt.SSRC)
	case *pionrtcp.ReceiverReport:
		s.Reports = append(s.Reports, pkt.Reports...)
		s.setSender(pkt.SSRC)
	case *pionrtcp.SourceDescription:
		for _, chunk := range pkt.Chunks {
			for _, item := range chunk.Items {
				if item.Type == pionrtcp.SDESCNAME && s.CNAME == "" {
					s.CNAME = item.Text
				}
			}
		}
	case *pionrtcp.TransportLayerNack:
		for _, pair := range pkt.Nacks {
			s.NACKs = append(s.NACKs, pair.PacketList()...)
		}
		s.setSender(pkt.SenderSSRC)
	case *pionrtcp.PictureLossIndication:
		s.PLI = true
		s.setSender(pkt.SenderSSRC)
	case *pionrtcp.FullIntraRequest:
		s.FIR = true
		s.setSender(pkt.SenderSSRC)
	case *pionrtcp.Goodbye:
		s.Bye = true
	}
}
