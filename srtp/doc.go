// Package srtp protects RTP and RTCP packets of a channel.
//
// A Config names a cipher, an authentication transform and a security
// level; Validate rejects combinations that do not agree with each
// other. NewContext turns a valid Config into a Context that protects
// outgoing packets or unprotects incoming ones. The AES-CM-128 with
// HMAC-SHA1-80 profile runs on github.com/pion/srtp/v2; the remaining
// combinations use an RFC 3711 transform in this package.
//
// The package also defines Encryption, the contract for caller-supplied
// packet transforms, and AEADEncryption, a ready-made implementation keyed
// from a shared secret. The engine installs it through
// Encryption.RegisterSharedSecretEncryption.
package srtp
