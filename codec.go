package videoengine

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/videoengine/codec"
)

// Codec is the codec facet: the codec registry, send and receive codecs,
// external codecs and codec statistics.
type Codec struct {
	e *Engine
}

// CodecStatistics counts frames by type.
type CodecStatistics struct {
	KeyFrames   uint64
	DeltaFrames uint64
}

// NumberOfCodecs returns the size of the built-in registry.
func (cd Codec) NumberOfCodecs() int {
	cd.e.track("NumberOfCodecs", nil)
	return codec.NumberOfCodecs()
}

// GetCodec returns registry entry index.
func (cd Codec) GetCodec(index int) (codec.Descriptor, error) {
	d, err := codec.GetCodec(index)
	return d, cd.e.track("GetCodec", err)
}

// SetSendCodec sets the send codec of channel and its encoder group.
// It may change while sending; a change of codec kind forces a key
// frame.
func (cd Codec) SetSendCodec(channel int, desc codec.Descriptor) error {
	if !desc.Kind.IsMedia() {
		return cd.e.track("SetSendCodec", fmt.Errorf("%w: %s", ErrNotMediaCodec, desc.Kind))
	}
	c, err := cd.e.channel(channel)
	if err != nil {
		return cd.e.track("SetSendCodec", err)
	}
	if err := c.group.setSendCodec(desc); err != nil {
		return cd.e.track("SetSendCodec", err)
	}
	c.group.applyRates(cd.e.now())
	return cd.e.track("SetSendCodec", nil)
}

// GetSendCodec returns the send codec of channel.
func (cd Codec) GetSendCodec(channel int) (codec.Descriptor, error) {
	c, err := cd.e.channel(channel)
	if err != nil {
		return codec.Descriptor{}, cd.e.track("GetSendCodec", err)
	}
	desc, ok := c.group.sendCodec()
	if !ok {
		return codec.Descriptor{}, cd.e.track("GetSendCodec", ErrNoSendCodec)
	}
	return desc, cd.e.track("GetSendCodec", nil)
}

// SetReceiveCodec adds desc to the receive table of channel, replacing
// the entry with the same payload type.
func (cd Codec) SetReceiveCodec(channel int, desc codec.Descriptor) error {
	c, err := cd.e.channel(channel)
	if err != nil {
		return cd.e.track("SetReceiveCodec", err)
	}
	return cd.e.track("SetReceiveCodec", c.group.setReceiveCodec(desc))
}

// GetReceiveCodec returns the receive table entry for payloadType.
func (cd Codec) GetReceiveCodec(channel int, payloadType uint8) (codec.Descriptor, error) {
	c, err := cd.e.channel(channel)
	if err != nil {
		return codec.Descriptor{}, cd.e.track("GetReceiveCodec", err)
	}
	desc, ok := c.group.receiveCodec(payloadType)
	if !ok {
		return codec.Descriptor{}, cd.e.track("GetReceiveCodec", fmt.Errorf("%w: %d", ErrReceiveCodecNotFound, payloadType))
	}
	return desc, cd.e.track("GetReceiveCodec", nil)
}

// RegisterExternalSendCodec makes enc the encoder for payloadType. It
// takes over immediately when payloadType is the current send codec.
func (cd Codec) RegisterExternalSendCodec(channel int, payloadType uint8, enc codec.Encoder) error {
	c, err := cd.e.channel(channel)
	if err != nil {
		return cd.e.track("RegisterExternalSendCodec", err)
	}
	return cd.e.track("RegisterExternalSendCodec", c.group.registerExternalEncoder(payloadType, enc))
}

// DeregisterExternalSendCodec releases the external encoder on
// payloadType.
func (cd Codec) DeregisterExternalSendCodec(channel int, payloadType uint8) error {
	c, err := cd.e.channel(channel)
	if err != nil {
		return cd.e.track("DeregisterExternalSendCodec", err)
	}
	return cd.e.track("DeregisterExternalSendCodec", c.group.deregisterExternalEncoder(payloadType))
}

// RegisterExternalReceiveCodec makes dec the decoder for payloadType.
func (cd Codec) RegisterExternalReceiveCodec(channel int, payloadType uint8, dec codec.Decoder) error {
	return cd.e.track("RegisterExternalReceiveCodec", cd.e.registerExternalDecoder(channel, payloadType, dec))
}

func (e *Engine) registerExternalDecoder(channelID int, pt uint8, dec codec.Decoder) error {
	if dec == nil {
		return fmt.Errorf("%w: nil decoder", ErrInvalidArgument)
	}
	if pt > codec.MaxPayloadType {
		return fmt.Errorf("%w: payload type %d", codec.ErrInvalidDescriptor, pt)
	}
	c, err := e.channel(channelID)
	if err != nil {
		return err
	}

	c.decMu.Lock()
	defer c.decMu.Unlock()
	if _, ok := c.extDecoders[pt]; ok {
		return fmt.Errorf("%w: payload type %d", ErrExternalCodecExists, pt)
	}
	c.extDecoders[pt] = dec
	// A built-in decoder already running on pt gives way.
	if old, ok := c.decoders[pt]; ok {
		delete(c.decoders, pt)
		if err := old.Release(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Engine.registerExternalDecoder",
				"channel":  channelID,
				"pt":       pt,
				"error":    err,
			}).Warn("Decoder release failed")
		}
	}
	return nil
}

// DeregisterExternalReceiveCodec releases the external decoder on
// payloadType.
func (cd Codec) DeregisterExternalReceiveCodec(channel int, payloadType uint8) error {
	return cd.e.track("DeregisterExternalReceiveCodec", cd.e.deregisterExternalDecoder(channel, payloadType))
}

func (e *Engine) deregisterExternalDecoder(channelID int, pt uint8) error {
	c, err := e.channel(channelID)
	if err != nil {
		return err
	}
	c.decMu.Lock()
	defer c.decMu.Unlock()
	dec, ok := c.extDecoders[pt]
	if !ok {
		return fmt.Errorf("%w: payload type %d", ErrExternalCodecNotFound, pt)
	}
	delete(c.extDecoders, pt)
	if active, ok := c.decoders[pt]; ok && active == dec {
		delete(c.decoders, pt)
		return dec.Release()
	}
	return nil
}

// RegisterEncoderObserver installs the encoder observer of channel.
func (cd Codec) RegisterEncoderObserver(channel int, observer EncoderObserver) error {
	return cd.e.track("RegisterEncoderObserver", cd.e.setObserver(channel, observer == nil, func(o *observers) error {
		if o.encoder != nil {
			return ErrObserverExists
		}
		o.encoder = observer
		return nil
	}))
}

// DeregisterEncoderObserver removes the encoder observer of channel.
func (cd Codec) DeregisterEncoderObserver(channel int) error {
	return cd.e.track("DeregisterEncoderObserver", cd.e.setObserver(channel, false, func(o *observers) error {
		if o.encoder == nil {
			return ErrNoObserver
		}
		o.encoder = nil
		return nil
	}))
}

// RegisterDecoderObserver installs the decoder observer of channel.
func (cd Codec) RegisterDecoderObserver(channel int, observer DecoderObserver) error {
	return cd.e.track("RegisterDecoderObserver", cd.e.setObserver(channel, observer == nil, func(o *observers) error {
		if o.decoder != nil {
			return ErrObserverExists
		}
		o.decoder = observer
		return nil
	}))
}

// DeregisterDecoderObserver removes the decoder observer of channel.
func (cd Codec) DeregisterDecoderObserver(channel int) error {
	return cd.e.track("DeregisterDecoderObserver", cd.e.setObserver(channel, false, func(o *observers) error {
		if o.decoder == nil {
			return ErrNoObserver
		}
		o.decoder = nil
		return nil
	}))
}

// setObserver applies fn to the observer set of channel. isNil rejects
// registering a nil observer.
func (e *Engine) setObserver(channelID int, isNil bool, fn func(o *observers) error) error {
	if isNil {
		return fmt.Errorf("%w: nil observer", ErrInvalidArgument)
	}
	c, err := e.channel(channelID)
	if err != nil {
		return err
	}
	return c.updateObservers(fn)
}

// SendKeyFrame makes the next encoded frame of channel's group a key
// frame.
func (cd Codec) SendKeyFrame(channel int) error {
	c, err := cd.e.channel(channel)
	if err != nil {
		return cd.e.track("SendKeyFrame", err)
	}
	c.group.requestKeyFrame()
	return cd.e.track("SendKeyFrame", nil)
}

// GetSendCodecStatistics counts the key and delta frames channel sent.
func (cd Codec) GetSendCodecStatistics(channel int) (CodecStatistics, error) {
	c, err := cd.e.channel(channel)
	if err != nil {
		return CodecStatistics{}, cd.e.track("GetSendCodecStatistics", err)
	}
	return CodecStatistics{
		KeyFrames:   c.keyFramesSent.Load(),
		DeltaFrames: c.deltaFramesSent.Load(),
	}, cd.e.track("GetSendCodecStatistics", nil)
}

// GetReceiveCodecStatistics counts the key and delta frames channel
// decoded.
func (cd Codec) GetReceiveCodecStatistics(channel int) (CodecStatistics, error) {
	c, err := cd.e.channel(channel)
	if err != nil {
		return CodecStatistics{}, cd.e.track("GetReceiveCodecStatistics", err)
	}
	return CodecStatistics{
		KeyFrames:   c.keyFramesRecv.Load(),
		DeltaFrames: c.deltaFramesRecv.Load(),
	}, cd.e.track("GetReceiveCodecStatistics", nil)
}

// GetDiscardedPackets returns the packets channel dropped before
// decoding.
func (cd Codec) GetDiscardedPackets(channel int) (uint64, error) {
	c, err := cd.e.channel(channel)
	if err != nil {
		return 0, cd.e.track("GetDiscardedPackets", err)
	}
	return c.discardedPackets(), cd.e.track("GetDiscardedPackets", nil)
}
