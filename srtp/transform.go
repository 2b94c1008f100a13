package srtp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"sync"

	pionrtp "github.com/pion/rtp"
)

// Key derivation labels, RFC 3711 section 4.3.
const (
	labelRTPEncryption  = 0x00
	labelRTPAuth        = 0x01
	labelRTPSalt        = 0x02
	labelRTCPEncryption = 0x03
	labelRTCPAuth       = 0x04
	labelRTCPSalt       = 0x05
)

const (
	srtcpIndexLen  = 4
	srtcpEFlag     = 1 << 31
	maxSRTCPIndex  = srtcpEFlag - 1
	seqHalfRange   = 0x8000
	rtcpHeaderSize = 8
)

type sessionKeys struct {
	block   cipher.Block
	salt    []byte
	authKey []byte
}

type sendState struct {
	started bool
	roc     uint32
	last    uint16
}

// index returns the rollover counter for seq and advances the state.
func (s *sendState) index(seq uint16) uint32 {
	if !s.started {
		s.started = true
		s.last = seq
		return s.roc
	}
	switch {
	case seq < s.last && s.last-seq > seqHalfRange:
		s.roc++
		s.last = seq
	case seq > s.last && seq-s.last > seqHalfRange:
		// A retransmission from before the last wrap.
		if s.roc > 0 {
			return s.roc - 1
		}
	case seq > s.last:
		s.last = seq
	}
	return s.roc
}

type recvState struct {
	started bool
	roc     uint32
	last    uint16
}

// estimate guesses the rollover counter of seq, RFC 3711 appendix A.
func (s *recvState) estimate(seq uint16) uint32 {
	if !s.started {
		return s.roc
	}
	if s.last < seqHalfRange {
		if int(seq)-int(s.last) > seqHalfRange && s.roc > 0 {
			return s.roc - 1
		}
		return s.roc
	}
	if int(s.last)-seqHalfRange > int(seq) {
		return s.roc + 1
	}
	return s.roc
}

func (s *recvState) accept(seq uint16, roc uint32) {
	if !s.started || roc > s.roc || (roc == s.roc && seq > s.last) {
		s.started = true
		s.roc = roc
		s.last = seq
	}
}

// transform is the RFC 3711 packet transform for every valid Config.
type transform struct {
	cfg  Config
	rtp  sessionKeys
	rtcp sessionKeys

	mu        sync.Mutex
	send      map[uint32]*sendState
	recv      map[uint32]*recvState
	rtcpIndex map[uint32]uint32
}

func newTransform(cfg Config) (*transform, error) {
	t := &transform{
		cfg:       cfg,
		send:      make(map[uint32]*sendState),
		recv:      make(map[uint32]*recvState),
		rtcpIndex: make(map[uint32]uint32),
	}

	if cfg.CipherKeyLen < masterKeyLen {
		if cfg.Security.authenticates() && cfg.Auth == AuthHMACSHA1 {
			key := append([]byte(nil), cfg.Key[:cfg.AuthKeyLen]...)
			t.rtp.authKey = key
			t.rtcp.authKey = key
		}
		return t, nil
	}

	master, err := aes.NewCipher(cfg.Key[:masterKeyLen])
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	salt := make([]byte, masterSaltLen)
	if cfg.CipherKeyLen == MaxKeyLen {
		copy(salt, cfg.Key[masterKeyLen:MaxKeyLen])
	}

	if t.rtp, err = deriveSession(cfg, master, salt, labelRTPEncryption, labelRTPAuth, labelRTPSalt); err != nil {
		return nil, err
	}
	if t.rtcp, err = deriveSession(cfg, master, salt, labelRTCPEncryption, labelRTCPAuth, labelRTCPSalt); err != nil {
		return nil, err
	}
	return t, nil
}

func deriveSession(cfg Config, master cipher.Block, salt []byte, encLabel, authLabel, saltLabel byte) (sessionKeys, error) {
	var k sessionKeys
	k.salt = deriveKey(master, salt, saltLabel, masterSaltLen)
	if cfg.Security.encrypts() && cfg.Cipher == CipherAESCM128 {
		block, err := aes.NewCipher(deriveKey(master, salt, encLabel, masterKeyLen))
		if err != nil {
			return k, fmt.Errorf("session key: %w", err)
		}
		k.block = block
	}
	if cfg.Security.authenticates() && cfg.Auth == AuthHMACSHA1 {
		k.authKey = deriveKey(master, salt, authLabel, cfg.AuthKeyLen)
	}
	return k, nil
}

// deriveKey runs the AES-CM PRF with a key derivation rate of zero.
func deriveKey(master cipher.Block, salt []byte, label byte, n int) []byte {
	iv := make([]byte, aes.BlockSize)
	copy(iv, salt)
	iv[7] ^= label
	out := make([]byte, n)
	cipher.NewCTR(master, iv).XORKeyStream(out, out)
	return out
}

func counterIV(salt []byte, ssrc uint32, index uint64) []byte {
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint32(iv[4:], ssrc)
	binary.BigEndian.PutUint32(iv[8:], uint32(index>>16))
	binary.BigEndian.PutUint16(iv[12:], uint16(index))
	for i := range salt {
		iv[i] ^= salt[i]
	}
	return iv
}

func (t *transform) tagLen() int {
	if t.rtp.authKey == nil {
		return 0
	}
	return t.cfg.AuthTagLen
}

func (t *transform) tag(key []byte, parts ...[]byte) []byte {
	mac := hmac.New(sha1.New, key)
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)[:t.cfg.AuthTagLen]
}

func rocBytes(roc uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, roc)
	return b
}

func (t *transform) protectRTP(packet []byte) ([]byte, error) {
	var h pionrtp.Header
	n, err := h.Unmarshal(packet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShortPacket, err)
	}

	t.mu.Lock()
	st, ok := t.send[h.SSRC]
	if !ok {
		st = &sendState{}
		t.send[h.SSRC] = st
	}
	roc := st.index(h.SequenceNumber)
	t.mu.Unlock()

	out := make([]byte, len(packet), len(packet)+t.tagLen())
	copy(out, packet)
	if t.rtp.block != nil {
		iv := counterIV(t.rtp.salt, h.SSRC, uint64(roc)<<16|uint64(h.SequenceNumber))
		cipher.NewCTR(t.rtp.block, iv).XORKeyStream(out[n:], out[n:])
	}
	if t.rtp.authKey != nil {
		out = append(out, t.tag(t.rtp.authKey, out, rocBytes(roc))...)
	}
	return out, nil
}

func (t *transform) unprotectRTP(packet []byte) ([]byte, error) {
	var h pionrtp.Header
	n, err := h.Unmarshal(packet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShortPacket, err)
	}
	tagLen := t.tagLen()
	if len(packet) < n+tagLen {
		return nil, ErrShortPacket
	}
	body := packet[:len(packet)-tagLen]

	t.mu.Lock()
	st, ok := t.recv[h.SSRC]
	if !ok {
		st = &recvState{}
		t.recv[h.SSRC] = st
	}
	roc := st.estimate(h.SequenceNumber)
	t.mu.Unlock()

	if t.rtp.authKey != nil {
		want := t.tag(t.rtp.authKey, body, rocBytes(roc))
		if !hmac.Equal(want, packet[len(body):]) {
			return nil, ErrAuthFailed
		}
	}

	out := append([]byte(nil), body...)
	if t.rtp.block != nil {
		iv := counterIV(t.rtp.salt, h.SSRC, uint64(roc)<<16|uint64(h.SequenceNumber))
		cipher.NewCTR(t.rtp.block, iv).XORKeyStream(out[n:], out[n:])
	}

	t.mu.Lock()
	st.accept(h.SequenceNumber, roc)
	t.mu.Unlock()
	return out, nil
}

func (t *transform) protectRTCP(packet []byte) ([]byte, error) {
	if len(packet) < rtcpHeaderSize {
		return nil, ErrShortPacket
	}
	ssrc := binary.BigEndian.Uint32(packet[4:])

	t.mu.Lock()
	index := t.rtcpIndex[ssrc]
	if index >= maxSRTCPIndex {
		t.mu.Unlock()
		return nil, ErrIndexExhausted
	}
	index++
	t.rtcpIndex[ssrc] = index
	t.mu.Unlock()

	out := make([]byte, len(packet), len(packet)+srtcpIndexLen+t.tagLen())
	copy(out, packet)
	word := index
	if t.rtcp.block != nil {
		iv := counterIV(t.rtcp.salt, ssrc, uint64(index))
		cipher.NewCTR(t.rtcp.block, iv).XORKeyStream(out[rtcpHeaderSize:], out[rtcpHeaderSize:])
		word |= srtcpEFlag
	}
	out = binary.BigEndian.AppendUint32(out, word)
	if t.rtcp.authKey != nil {
		out = append(out, t.tag(t.rtcp.authKey, out)...)
	}
	return out, nil
}

func (t *transform) unprotectRTCP(packet []byte) ([]byte, error) {
	tagLen := t.tagLen()
	if len(packet) < rtcpHeaderSize+srtcpIndexLen+tagLen {
		return nil, ErrShortPacket
	}
	body := packet[:len(packet)-tagLen]
	if t.rtcp.authKey != nil {
		want := t.tag(t.rtcp.authKey, body)
		if !hmac.Equal(want, packet[len(body):]) {
			return nil, ErrAuthFailed
		}
	}

	word := binary.BigEndian.Uint32(body[len(body)-srtcpIndexLen:])
	out := append([]byte(nil), body[:len(body)-srtcpIndexLen]...)
	if word&srtcpEFlag != 0 && t.rtcp.block != nil {
		ssrc := binary.BigEndian.Uint32(out[4:])
		iv := counterIV(t.rtcp.salt, ssrc, uint64(word&maxSRTCPIndex))
		cipher.NewCTR(t.rtcp.block, iv).XORKeyStream(out[rtcpHeaderSize:], out[rtcpHeaderSize:])
	}
	return out, nil
}
