package srtp

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/flynn/noise"
	"github.com/pion/randutil"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"
)

const (
	aeadRTPHeader  = 12
	aeadRTCPHeader = 8
	aeadNonceLen   = 8
	aeadTagLen     = 16
)

// AEADEncryption is an Encryption that seals packets with
// ChaCha20-Poly1305. The fixed RTP or RTCP header stays in the clear
// and is authenticated as associated data; the payload is sealed and an
// 8-byte nonce is appended. Each packet grows by 24 bytes.
//
// Both peers derive their keys from a shared secret with HKDF-SHA256.
type AEADEncryption struct {
	rtp  noise.Cipher
	rtcp noise.Cipher

	nonce atomic.Uint64
}

var _ Encryption = (*AEADEncryption)(nil)

// NewAEADEncryption derives the RTP and RTCP keys from secret. info
// separates sessions that reuse a secret.
func NewAEADEncryption(secret []byte, info string) (*AEADEncryption, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty secret", ErrInvalidKey)
	}

	r := hkdf.New(sha256.New, secret, nil, []byte("videoengine-aead-v1:"+info))
	var rtpKey, rtcpKey [32]byte
	if _, err := io.ReadFull(r, rtpKey[:]); err != nil {
		return nil, fmt.Errorf("derive RTP key: %w", err)
	}
	if _, err := io.ReadFull(r, rtcpKey[:]); err != nil {
		return nil, fmt.Errorf("derive RTCP key: %w", err)
	}

	start, err := randutil.CryptoUint64()
	if err != nil {
		return nil, fmt.Errorf("nonce seed: %w", err)
	}

	e := &AEADEncryption{
		rtp:  noise.CipherChaChaPoly.Cipher(rtpKey),
		rtcp: noise.CipherChaChaPoly.Cipher(rtcpKey),
	}
	e.nonce.Store(start)
	return e, nil
}

// Encrypt seals an RTP packet.
func (e *AEADEncryption) Encrypt(channel int, in, out []byte) int {
	return e.seal(e.rtp, aeadRTPHeader, channel, in, out)
}

// Decrypt opens an RTP packet.
func (e *AEADEncryption) Decrypt(channel int, in, out []byte) int {
	return e.open(e.rtp, aeadRTPHeader, channel, in, out)
}

// EncryptRTCP seals an RTCP packet.
func (e *AEADEncryption) EncryptRTCP(channel int, in, out []byte) int {
	return e.seal(e.rtcp, aeadRTCPHeader, channel, in, out)
}

// DecryptRTCP opens an RTCP packet.
func (e *AEADEncryption) DecryptRTCP(channel int, in, out []byte) int {
	return e.open(e.rtcp, aeadRTCPHeader, channel, in, out)
}

func (e *AEADEncryption) seal(c noise.Cipher, header, channel int, in, out []byte) int {
	need := len(in) + aeadTagLen + aeadNonceLen
	if len(in) < header || len(out) < need {
		return -1
	}
	n := e.nonce.Add(1)
	copy(out, in[:header])
	sealed := c.Encrypt(out[:header], n, in[:header], in[header:])
	if len(sealed) != need-aeadNonceLen {
		return -1
	}
	copy(out, sealed)
	binary.BigEndian.PutUint64(out[len(sealed):], n)
	return need
}

func (e *AEADEncryption) open(c noise.Cipher, header, channel int, in, out []byte) int {
	if len(in) < header+aeadTagLen+aeadNonceLen {
		return -1
	}
	n := binary.BigEndian.Uint64(in[len(in)-aeadNonceLen:])
	opened, err := c.Decrypt(nil, n, in[:header], in[header:len(in)-aeadNonceLen])
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "AEADEncryption.open",
			"channel":  channel,
			"error":    err.Error(),
		}).Debug("Dropped packet that failed authentication")
		return -1
	}
	if len(out) < header+len(opened) {
		return -1
	}
	copy(out, in[:header])
	copy(out[header:], opened)
	return header + len(opened)
}
