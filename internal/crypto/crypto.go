// Package crypto implements the per-version stream ciphers that drive the
// two directions of a channel. All three suites are seeded keystream
// generators; encrypt and decrypt are the same XOR and differ only in intent.
package crypto

import "errors"

// ErrNoCandidateKey is returned by the BB multi-key detector when no
// candidate key yields an expected initial command within the detection
// byte budget. The channel treats it as fatal.
var ErrNoCandidateKey = errors.New("no candidate key matched initial command")

// ErrKeyNotCommitted is returned by an imitator cipher used before the
// detector it follows has committed to a key.
var ErrKeyNotCommitted = errors.New("detector has not committed to a key")

// Cipher is one direction of a channel's encryption. Implementations XOR
// data in place with a seeded keystream. When advance is false the keystream
// position is left untouched, which is how headers are peeked before the
// full frame has arrived.
type Cipher interface {
	Encrypt(data []byte, advance bool) error
	Decrypt(data []byte, advance bool) error
	Skip(n int) error
	// BlockSize is the granularity the keystream advances in: 4 octets
	// for the v2/v3 suites, 8 for v4.
	BlockSize() int
}
