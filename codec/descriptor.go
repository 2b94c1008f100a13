package codec

import (
	"fmt"
)

// Kind identifies a codec family.
type Kind int

const (
	// KindVP8 is VP8 (RFC 7741 payload format).
	KindVP8 Kind = iota
	// KindI420 is raw I420.
	KindI420
	// KindH263 is H.263 (RFC 4629 payload format).
	KindH263
	// KindRED is the RFC 2198 redundancy wrapper.
	KindRED
	// KindULPFEC is RFC 5109 forward error correction.
	KindULPFEC
	// KindGeneric is an externally supplied codec with the generic payload format.
	KindGeneric
)

// String returns the codec family name.
func (k Kind) String() string {
	switch k {
	case KindVP8:
		return "VP8"
	case KindI420:
		return "I420"
	case KindH263:
		return "H263"
	case KindRED:
		return "red"
	case KindULPFEC:
		return "ulpfec"
	case KindGeneric:
		return "generic"
	default:
		return "unknown"
	}
}

// IsMedia reports whether the kind carries video frames.
func (k Kind) IsMedia() bool {
	return k == KindVP8 || k == KindI420 || k == KindH263 || k == KindGeneric
}

// Codec limits.
const (
	MaxPayloadNameLen = 31
	MaxWidth          = 4096
	MaxHeight         = 3072
	MaxFramerate      = 60
	MaxPayloadType    = 127
)

// Descriptor configures a send or receive codec. Bitrates are in kbps.
type Descriptor struct {
	Kind         Kind
	PayloadName  string
	PayloadType  uint8
	Width        int
	Height       int
	MaxFramerate int
	StartBitrate int
	MaxBitrate   int
	MinBitrate   int
}

// String returns a short human-readable description.
func (d Descriptor) String() string {
	return fmt.Sprintf("%s/%d %dx%d@%d %d-%d-%dkbps", d.PayloadName, d.PayloadType,
		d.Width, d.Height, d.MaxFramerate, d.MinBitrate, d.StartBitrate, d.MaxBitrate)
}

// ValidateSend checks a descriptor used as a send codec.
func (d Descriptor) ValidateSend() error {
	if err := d.validateCommon(); err != nil {
		return err
	}
	if !d.Kind.IsMedia() {
		return fmt.Errorf("%w: %s cannot be a send codec", ErrInvalidDescriptor, d.Kind)
	}
	if d.Width <= 0 || d.Width > MaxWidth || d.Height <= 0 || d.Height > MaxHeight {
		return fmt.Errorf("%w: resolution %dx%d", ErrInvalidDescriptor, d.Width, d.Height)
	}
	if d.Kind == KindI420 && (d.Width%2 != 0 || d.Height%2 != 0) {
		return fmt.Errorf("%w: I420 needs even dimensions", ErrInvalidDescriptor)
	}
	if d.MaxFramerate <= 0 || d.MaxFramerate > MaxFramerate {
		return fmt.Errorf("%w: framerate %d", ErrInvalidDescriptor, d.MaxFramerate)
	}
	if d.MaxBitrate < 0 || d.StartBitrate < 0 || d.MinBitrate < 0 {
		return fmt.Errorf("%w: negative bitrate", ErrInvalidDescriptor)
	}
	if d.MaxBitrate > 0 && d.StartBitrate > d.MaxBitrate {
		return fmt.Errorf("%w: start bitrate %d above max %d", ErrInvalidDescriptor, d.StartBitrate, d.MaxBitrate)
	}
	if d.MinBitrate > 0 && d.StartBitrate > 0 && d.MinBitrate > d.StartBitrate {
		return fmt.Errorf("%w: min bitrate %d above start %d", ErrInvalidDescriptor, d.MinBitrate, d.StartBitrate)
	}
	return nil
}

// ValidateReceive checks a descriptor added to a receive codec table.
func (d Descriptor) ValidateReceive() error {
	return d.validateCommon()
}

func (d Descriptor) validateCommon() error {
	if d.Kind < KindVP8 || d.Kind > KindGeneric {
		return fmt.Errorf("%w: kind %d", ErrUnknownCodec, d.Kind)
	}
	if d.PayloadName == "" || len(d.PayloadName) > MaxPayloadNameLen {
		return fmt.Errorf("%w: payload name %q", ErrInvalidDescriptor, d.PayloadName)
	}
	if d.PayloadType > MaxPayloadType {
		return fmt.Errorf("%w: payload type %d", ErrInvalidDescriptor, d.PayloadType)
	}
	return nil
}

// registry is read-only after package initialization.
var registry = []Descriptor{
	{Kind: KindVP8, PayloadName: "VP8", PayloadType: 120, Width: 352, Height: 288,
		MaxFramerate: 30, StartBitrate: 300, MaxBitrate: 1000, MinBitrate: 30},
	{Kind: KindI420, PayloadName: "I420", PayloadType: 124, Width: 176, Height: 144,
		MaxFramerate: 30, StartBitrate: 9000, MaxBitrate: 27000, MinBitrate: 1000},
	{Kind: KindH263, PayloadName: "H263", PayloadType: 34, Width: 352, Height: 288,
		MaxFramerate: 30, StartBitrate: 300, MaxBitrate: 1000, MinBitrate: 30},
	{Kind: KindRED, PayloadName: "red", PayloadType: 96},
	{Kind: KindULPFEC, PayloadName: "ulpfec", PayloadType: 97},
}

// NumberOfCodecs returns the registry size.
func NumberOfCodecs() int {
	return len(registry)
}

// GetCodec returns the registry entry at index.
func GetCodec(index int) (Descriptor, error) {
	if index < 0 || index >= len(registry) {
		return Descriptor{}, fmt.Errorf("%w: index %d", ErrUnknownCodec, index)
	}
	return registry[index], nil
}

// Lookup returns the registry entry for kind.
func Lookup(kind Kind) (Descriptor, error) {
	for _, d := range registry {
		if d.Kind == kind {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownCodec, kind)
}
