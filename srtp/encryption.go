package srtp

import "fmt"

// Headroom is the number of bytes an Encryption callback may add to a
// packet.
const Headroom = 32

// Encryption is a caller-supplied packet transform installed on a
// channel in place of SRTP. Each method reads in, writes the result to
// out and returns the number of bytes written, or a negative value on
// failure. out holds len(in)+Headroom bytes.
type Encryption interface {
	Encrypt(channel int, in, out []byte) int
	Decrypt(channel int, in, out []byte) int
	EncryptRTCP(channel int, in, out []byte) int
	DecryptRTCP(channel int, in, out []byte) int
}

// TransformFunc is one of the four Encryption methods.
type TransformFunc func(channel int, in, out []byte) int

// Apply runs fn on in and returns the bytes it produced.
func Apply(fn TransformFunc, channel int, in []byte) ([]byte, error) {
	out := make([]byte, len(in)+Headroom)
	n := fn(channel, in, out)
	if n <= 0 || n > len(out) {
		return nil, fmt.Errorf("%w: returned %d for %d input bytes", ErrTransformFailed, n, len(in))
	}
	return out[:n], nil
}
