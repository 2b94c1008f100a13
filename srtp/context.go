package srtp

import (
	"fmt"
	"sync"

	pionsrtp "github.com/pion/srtp/v2"
	"github.com/sirupsen/logrus"
)

// Context protects or unprotects the packets of one channel direction.
// It is safe for concurrent use.
type Context struct {
	cfg Config

	mu   sync.Mutex
	pion *pionsrtp.Context
	t    *transform
}

// NewContext validates cfg and prepares the session keys.
func NewContext(cfg Config) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewContext",
			"config":   cfg.String(),
			"error":    err.Error(),
		}).Warn("Rejected SRTP configuration")
		return nil, err
	}
	cfg.Key = append([]byte(nil), cfg.Key...)
	c := &Context{cfg: cfg}

	switch {
	case cfg.Security == SecurityNone:
	case cfg.standardProfile():
		p, err := pionsrtp.CreateContext(cfg.Key[:masterKeyLen], cfg.Key[masterKeyLen:MaxKeyLen],
			pionsrtp.ProtectionProfileAes128CmHmacSha1_80)
		if err != nil {
			return nil, fmt.Errorf("create SRTP context: %w", err)
		}
		c.pion = p
	default:
		t, err := newTransform(cfg)
		if err != nil {
			return nil, fmt.Errorf("create SRTP transform: %w", err)
		}
		c.t = t
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewContext",
		"config":   cfg.String(),
		"profile":  c.pion != nil,
	}).Debug("Created SRTP context")
	return c, nil
}

// Config returns the configuration the context was built from. The key
// is not included.
func (c *Context) Config() Config {
	cfg := c.cfg
	cfg.Key = nil
	return cfg
}

// Overhead returns the bytes added to an RTP packet.
func (c *Context) Overhead() int {
	return c.cfg.Overhead()
}

// ProtectRTP returns the protected form of an RTP packet.
func (c *Context) ProtectRTP(packet []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.pion != nil:
		return c.pion.EncryptRTP(nil, packet, nil)
	case c.t != nil:
		return c.t.protectRTP(packet)
	default:
		return append([]byte(nil), packet...), nil
	}
}

// UnprotectRTP authenticates and decrypts an RTP packet.
func (c *Context) UnprotectRTP(packet []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.pion != nil:
		out, err := c.pion.DecryptRTP(nil, packet, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return out, nil
	case c.t != nil:
		return c.t.unprotectRTP(packet)
	default:
		return append([]byte(nil), packet...), nil
	}
}

// ProtectRTCP returns the protected form of a compound RTCP packet.
func (c *Context) ProtectRTCP(packet []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.cfg.SkipRTCP:
		return append([]byte(nil), packet...), nil
	case c.pion != nil:
		return c.pion.EncryptRTCP(nil, packet, nil)
	case c.t != nil:
		return c.t.protectRTCP(packet)
	default:
		return append([]byte(nil), packet...), nil
	}
}

// UnprotectRTCP authenticates and decrypts a compound RTCP packet.
func (c *Context) UnprotectRTCP(packet []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.cfg.SkipRTCP:
		return append([]byte(nil), packet...), nil
	case c.pion != nil:
		out, err := c.pion.DecryptRTCP(nil, packet, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return out, nil
	case c.t != nil:
		return c.t.unprotectRTCP(packet)
	default:
		return append([]byte(nil), packet...), nil
	}
}
