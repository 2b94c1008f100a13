package videoengine

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/videoengine/srtp"
)

// Encryption is the encryption facet: SRTP per direction, or one
// caller-supplied transform for both directions.
type Encryption struct {
	e *Engine
}

// EnableSRTPSend protects outgoing RTP and RTCP with cfg.
func (en Encryption) EnableSRTPSend(channel int, cfg srtp.Config) error {
	return en.e.track("EnableSRTPSend", en.e.enableSRTP(channel, cfg, true))
}

// DisableSRTPSend turns outgoing SRTP off. Disabling when off succeeds.
func (en Encryption) DisableSRTPSend(channel int) error {
	return en.e.track("DisableSRTPSend", en.e.disableSRTP(channel, true))
}

// EnableSRTPReceive unprotects incoming RTP and RTCP with cfg.
func (en Encryption) EnableSRTPReceive(channel int, cfg srtp.Config) error {
	return en.e.track("EnableSRTPReceive", en.e.enableSRTP(channel, cfg, false))
}

// DisableSRTPReceive turns incoming SRTP off. Disabling when off
// succeeds.
func (en Encryption) DisableSRTPReceive(channel int) error {
	return en.e.track("DisableSRTPReceive", en.e.disableSRTP(channel, false))
}

func (e *Engine) enableSRTP(channelID int, cfg srtp.Config, send bool) error {
	c, err := e.channel(channelID)
	if err != nil {
		return err
	}
	ctx, err := srtp.NewContext(cfg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	slot := &c.srtpRecv
	if send {
		slot = &c.srtpSend
	}
	if *slot != nil {
		return ErrSRTPEnabled
	}
	if c.encryption != nil {
		return fmt.Errorf("%w: external encryption registered", ErrEncryptionConflict)
	}
	*slot = ctx

	logrus.WithFields(logrus.Fields{
		"function": "Engine.enableSRTP",
		"channel":  channelID,
		"send":     send,
		"config":   cfg.String(),
	}).Info("SRTP enabled")
	return nil
}

func (e *Engine) disableSRTP(channelID int, send bool) error {
	c, err := e.channel(channelID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if send {
		c.srtpSend = nil
	} else {
		c.srtpRecv = nil
	}
	return nil
}

// Transform selectors for channel.applyEncryption.
func encryptRTP(enc srtp.Encryption) srtp.TransformFunc  { return enc.Encrypt }
func decryptRTP(enc srtp.Encryption) srtp.TransformFunc  { return enc.Decrypt }
func encryptRTCP(enc srtp.Encryption) srtp.TransformFunc { return enc.EncryptRTCP }
func decryptRTCP(enc srtp.Encryption) srtp.TransformFunc { return enc.DecryptRTCP }

// RegisterExternalEncryption installs enc on both directions of
// channel. It conflicts with SRTP in either direction.
func (en Encryption) RegisterExternalEncryption(channel int, enc srtp.Encryption) error {
	if enc == nil {
		return en.e.track("RegisterExternalEncryption", fmt.Errorf("%w: nil encryption", ErrInvalidArgument))
	}
	return en.e.track("RegisterExternalEncryption", en.e.registerEncryption(channel, enc))
}

// RegisterSharedSecretEncryption installs an srtp.AEADEncryption keyed
// from secret. Both ends must pass the same secret and session.
func (en Encryption) RegisterSharedSecretEncryption(channel int, secret []byte, session string) error {
	enc, err := srtp.NewAEADEncryption(secret, session)
	if err != nil {
		return en.e.track("RegisterSharedSecretEncryption", err)
	}
	return en.e.track("RegisterSharedSecretEncryption", en.e.registerEncryption(channel, enc))
}

func (e *Engine) registerEncryption(channelID int, enc srtp.Encryption) error {
	c, err := e.channel(channelID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encryption != nil {
		return ErrEncryptionRegistered
	}
	if c.srtpSend != nil || c.srtpRecv != nil {
		return fmt.Errorf("%w: SRTP enabled", ErrEncryptionConflict)
	}
	c.encryption = enc
	return nil
}

// DeregisterExternalEncryption removes the external transform. No
// callback runs after it returns, so it must not be called from inside
// one.
func (en Encryption) DeregisterExternalEncryption(channel int) error {
	c, err := en.e.channel(channel)
	if err != nil {
		return en.e.track("DeregisterExternalEncryption", err)
	}
	c.mu.Lock()
	if c.encryption == nil {
		c.mu.Unlock()
		return en.e.track("DeregisterExternalEncryption", ErrNoEncryption)
	}
	c.encryption = nil
	c.mu.Unlock()

	// Wait for calls that picked up the transform before it was cleared.
	c.encMu.Lock()
	c.encMu.Unlock() //nolint:staticcheck
	return en.e.track("DeregisterExternalEncryption", nil)
}
