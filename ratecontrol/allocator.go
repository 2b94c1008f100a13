package ratecontrol

// Protection factor bounds in Q8 (0.1 and 0.5).
const (
	minFECFactor = 26
	maxFECFactor = 128
)

// Allocation splits a target bitrate. All rates are in kbps and
// Video+FEC+NACK never exceeds the target.
type Allocation struct {
	Video     int
	FEC       int
	NACK      int
	FECFactor uint8
}

// Protection is the protection state of a channel.
type Protection struct {
	NACK bool
	FEC  bool
}

// FECFactor returns the Q8 protection factor for a Q8 loss fraction:
// twice the loss, kept between 0.1 and 0.5.
func FECFactor(fractionLost uint8) uint8 {
	return uint8(clamp(2*int(fractionLost), minFECFactor, maxFECFactor))
}

// Allocate divides targetKbps. The retransmission share is the loss
// fraction of the last send rate, at most half the target; FEC takes
// its protection factor of what remains; video gets the rest.
func Allocate(targetKbps, lastSendKbps int, fractionLost uint8, p Protection) Allocation {
	if targetKbps <= 0 {
		return Allocation{}
	}
	var a Allocation
	if p.NACK {
		a.NACK = min(lastSendKbps*int(fractionLost)/255, targetKbps/2)
	}
	if p.FEC {
		a.FECFactor = FECFactor(fractionLost)
		a.FEC = (targetKbps - a.NACK) * int(a.FECFactor) / 256
	}
	a.Video = targetKbps - a.NACK - a.FEC
	return a
}
