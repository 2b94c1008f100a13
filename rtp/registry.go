package rtp

import (
	"fmt"
	"sync"
)

// Owner is the purpose a payload type is registered for on a channel.
type Owner int

const (
	// OwnerSendCodec is the payload type of the send codec.
	OwnerSendCodec Owner = iota
	// OwnerReceiveCodec is a payload type in the receive codec table.
	OwnerReceiveCodec
	// OwnerFEC is the ULPFEC payload type.
	OwnerFEC
	// OwnerRED is the RED payload type.
	OwnerRED
	// OwnerKeepAlive is the keep-alive payload type.
	OwnerKeepAlive
)

// String returns the owner name.
func (o Owner) String() string {
	switch o {
	case OwnerSendCodec:
		return "send-codec"
	case OwnerReceiveCodec:
		return "receive-codec"
	case OwnerFEC:
		return "fec"
	case OwnerRED:
		return "red"
	case OwnerKeepAlive:
		return "keepalive"
	default:
		return "unknown"
	}
}

// conflicts lists, per owner, the owners it cannot share a payload
// type with. Send and receive codecs may share one.
var conflicts = map[Owner][]Owner{
	OwnerSendCodec:    {OwnerFEC, OwnerRED, OwnerKeepAlive},
	OwnerReceiveCodec: {OwnerKeepAlive},
	OwnerFEC:          {OwnerSendCodec, OwnerRED, OwnerKeepAlive},
	OwnerRED:          {OwnerSendCodec, OwnerFEC, OwnerKeepAlive},
	OwnerKeepAlive:    {OwnerSendCodec, OwnerReceiveCodec, OwnerFEC, OwnerRED},
}

// PayloadRegistry records which owners hold each payload type of a
// channel and refuses conflicting registrations. Child channels share
// their parent's registry.
type PayloadRegistry struct {
	mu     sync.RWMutex
	owners map[uint8]map[Owner]bool
}

// NewPayloadRegistry creates an empty registry.
func NewPayloadRegistry() *PayloadRegistry {
	return &PayloadRegistry{owners: make(map[uint8]map[Owner]bool)}
}

// Register claims pt for owner. Registering the same pair twice
// succeeds.
func (r *PayloadRegistry) Register(pt uint8, owner Owner) error {
	if pt > 127 {
		return fmt.Errorf("%w: %d", ErrInvalidPayloadType, pt)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	held := r.owners[pt]
	for _, c := range conflicts[owner] {
		if held[c] {
			return fmt.Errorf("%w: %d held by %s", ErrPayloadTypeInUse, pt, c)
		}
	}
	if held == nil {
		held = make(map[Owner]bool)
		r.owners[pt] = held
	}
	held[owner] = true
	return nil
}

// Check reports whether owner could register pt without changing the
// registry.
func (r *PayloadRegistry) Check(pt uint8, owner Owner) error {
	if pt > 127 {
		return fmt.Errorf("%w: %d", ErrInvalidPayloadType, pt)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range conflicts[owner] {
		if r.owners[pt][c] {
			return fmt.Errorf("%w: %d held by %s", ErrPayloadTypeInUse, pt, c)
		}
	}
	return nil
}

// Release drops owner's claim on pt.
func (r *PayloadRegistry) Release(pt uint8, owner Owner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.owners[pt][owner] {
		return fmt.Errorf("%w: %d for %s", ErrPayloadTypeNotOwned, pt, owner)
	}
	delete(r.owners[pt], owner)
	if len(r.owners[pt]) == 0 {
		delete(r.owners, pt)
	}
	return nil
}

// Owned reports whether owner holds pt.
func (r *PayloadRegistry) Owned(pt uint8, owner Owner) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owners[pt][owner]
}
