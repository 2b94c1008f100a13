package srtp

import (
	"fmt"
)

// Cipher selects the SRTP encryption transform.
type Cipher int

const (
	// CipherNull leaves payloads in the clear.
	CipherNull Cipher = iota
	// CipherAESCM128 is AES-128 in counter mode.
	CipherAESCM128
)

// String returns the cipher name.
func (c Cipher) String() string {
	switch c {
	case CipherNull:
		return "NULL"
	case CipherAESCM128:
		return "AES_CM_128"
	default:
		return fmt.Sprintf("Cipher(%d)", int(c))
	}
}

// Auth selects the SRTP message authentication transform.
type Auth int

const (
	// AuthNull appends no tag.
	AuthNull Auth = iota
	// AuthHMACSHA1 appends a truncated HMAC-SHA1 tag.
	AuthHMACSHA1
)

// String returns the auth transform name.
func (a Auth) String() string {
	switch a {
	case AuthNull:
		return "NULL"
	case AuthHMACSHA1:
		return "HMAC_SHA1"
	default:
		return fmt.Sprintf("Auth(%d)", int(a))
	}
}

// Security is the protection level applied to packets.
type Security int

const (
	// SecurityNone applies no protection.
	SecurityNone Security = iota
	// SecurityEncryption encrypts without authentication.
	SecurityEncryption
	// SecurityAuthentication authenticates without encryption.
	SecurityAuthentication
	// SecurityBoth encrypts and authenticates.
	SecurityBoth
)

// String returns the level name.
func (s Security) String() string {
	switch s {
	case SecurityNone:
		return "none"
	case SecurityEncryption:
		return "encryption"
	case SecurityAuthentication:
		return "authentication"
	case SecurityBoth:
		return "encryption+authentication"
	default:
		return fmt.Sprintf("Security(%d)", int(s))
	}
}

func (s Security) encrypts() bool     { return s == SecurityEncryption || s == SecurityBoth }
func (s Security) authenticates() bool { return s == SecurityAuthentication || s == SecurityBoth }

// Key and tag limits.
const (
	// MaxKeyLen is the longest master key plus salt accepted.
	MaxKeyLen = 30
	// MaxAuthKeyLen is the longest HMAC-SHA1 key.
	MaxAuthKeyLen = 20
	// MaxAuthTagLen is the longest HMAC-SHA1 tag.
	MaxAuthTagLen = 20

	masterKeyLen  = 16
	masterSaltLen = 14
)

// Config describes the SRTP protection of one direction of a channel.
//
// With a 30-byte cipher key the first 16 bytes are the master key and
// the remaining 14 the master salt; a 16-byte cipher key uses a zero
// salt. Without a cipher key the first AuthKeyLen bytes of Key are the
// HMAC key itself.
type Config struct {
	Cipher       Cipher
	CipherKeyLen int
	Auth         Auth
	AuthKeyLen   int
	AuthTagLen   int
	Security     Security
	Key          []byte

	// SkipRTCP leaves RTCP unprotected.
	SkipRTCP bool
}

// Validate checks that cipher, auth and security level agree.
func (c Config) Validate() error {
	cipherZero := c.Cipher == CipherNull && c.CipherKeyLen == 0
	authZero := c.Auth == AuthNull && c.AuthKeyLen == 0 && c.AuthTagLen == 0

	switch c.Security {
	case SecurityNone:
		if !cipherZero || !authZero {
			return fmt.Errorf("%w: level %s needs NULL cipher and auth", ErrInvalidConfig, c.Security)
		}
	case SecurityEncryption:
		if !authZero {
			return fmt.Errorf("%w: level %s needs NULL auth", ErrInvalidConfig, c.Security)
		}
	case SecurityAuthentication:
		if !cipherZero {
			return fmt.Errorf("%w: level %s needs NULL cipher", ErrInvalidConfig, c.Security)
		}
	case SecurityBoth:
	default:
		return fmt.Errorf("%w: unknown level %d", ErrInvalidConfig, int(c.Security))
	}

	if c.Security.encrypts() {
		if err := c.validateCipher(); err != nil {
			return err
		}
	}
	if c.Security.authenticates() {
		if err := c.validateAuth(); err != nil {
			return err
		}
	}

	if c.Key == nil {
		return fmt.Errorf("%w: key is nil", ErrInvalidKey)
	}
	if len(c.Key) < c.CipherKeyLen || len(c.Key) < c.AuthKeyLen {
		return fmt.Errorf("%w: %d bytes, need %d", ErrInvalidKey, len(c.Key), max(c.CipherKeyLen, c.AuthKeyLen))
	}
	return nil
}

func (c Config) validateCipher() error {
	switch c.Cipher {
	case CipherAESCM128:
		if c.CipherKeyLen != masterKeyLen && c.CipherKeyLen != MaxKeyLen {
			return fmt.Errorf("%w: %s key length %d not in {16,30}", ErrInvalidConfig, c.Cipher, c.CipherKeyLen)
		}
	case CipherNull:
		if c.CipherKeyLen != 0 && c.CipherKeyLen != masterKeyLen && c.CipherKeyLen != MaxKeyLen {
			return fmt.Errorf("%w: %s key length %d not in {0,16,30}", ErrInvalidConfig, c.Cipher, c.CipherKeyLen)
		}
	default:
		return fmt.Errorf("%w: unknown cipher %d", ErrInvalidConfig, int(c.Cipher))
	}
	return nil
}

func (c Config) validateAuth() error {
	switch c.Auth {
	case AuthHMACSHA1:
		if c.AuthKeyLen < 1 || c.AuthKeyLen > MaxAuthKeyLen {
			return fmt.Errorf("%w: %s key length %d not in 1..20", ErrInvalidConfig, c.Auth, c.AuthKeyLen)
		}
		if c.AuthTagLen < 1 || c.AuthTagLen > MaxAuthTagLen {
			return fmt.Errorf("%w: %s tag length %d not in 1..20", ErrInvalidConfig, c.Auth, c.AuthTagLen)
		}
	case AuthNull:
		if c.AuthKeyLen != 0 || c.AuthTagLen != 0 {
			return fmt.Errorf("%w: %s needs zero key and tag lengths", ErrInvalidConfig, c.Auth)
		}
	default:
		return fmt.Errorf("%w: unknown auth %d", ErrInvalidConfig, int(c.Auth))
	}
	return nil
}

// standardProfile reports whether c is AES_CM_128_HMAC_SHA1_80 with a
// full master key and salt.
func (c Config) standardProfile() bool {
	return c.Security == SecurityBoth &&
		c.Cipher == CipherAESCM128 && c.CipherKeyLen == MaxKeyLen &&
		c.Auth == AuthHMACSHA1 && c.AuthKeyLen == MaxAuthKeyLen && c.AuthTagLen == 10
}

// Overhead returns the bytes added to each RTP packet.
func (c Config) Overhead() int {
	if c.Security.authenticates() {
		return c.AuthTagLen
	}
	return 0
}

// String summarizes the configuration without the key.
func (c Config) String() string {
	return fmt.Sprintf("%s/%d %s/%d/%d %s", c.Cipher, c.CipherKeyLen, c.Auth, c.AuthKeyLen, c.AuthTagLen, c.Security)
}
