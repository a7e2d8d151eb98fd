package crypto

import (
	"encoding/binary"
	"sync"

	"github.com/Elixir70/ragol/internal/constants"
)

// expectedInitialCommands are the commands a v4 client may legitimately send
// as its first encrypted frame. Trial decryptions that don't produce one of
// these are rejected.
var expectedInitialCommands = map[uint16]bool{
	0x93: true, // login
	0x9C: true, // register
	0xDB: true, // client checksum (older v4 builds)
}

func looksLikeInitialCommand(header []byte) bool {
	if len(header) < 8 {
		return false
	}
	size := binary.LittleEndian.Uint16(header[0:2])
	command := binary.LittleEndian.Uint16(header[2:4])
	flag := binary.LittleEndian.Uint32(header[4:8])
	return expectedInitialCommands[command] &&
		size >= 8 && size <= constants.MaxFrameSize &&
		flag == 0
}

// BBDetectorCipher is the inbound half of a v4 channel whose client build is
// unknown. It holds every candidate key file and, on the first inbound block
// whose trial decryption yields an expected initial command, commits to that
// key and behaves as a normal v4 cipher from then on. An imitator keeps the
// opposite direction aligned by observing the commitment.
type BBDetectorCipher struct {
	mu         sync.Mutex
	candidates []*BBKeyFile
	seed       []byte
	committed  *BBCipher
	key        *BBKeyFile
	observed   int
}

// NewBBDetectorCipher creates a detector over the process-wide candidate
// keyset for a connection seeded with seed.
func NewBBDetectorCipher(candidates []*BBKeyFile, seed []byte) *BBDetectorCipher {
	s := make([]byte, len(seed))
	copy(s, seed)
	return &BBDetectorCipher{candidates: candidates, seed: s}
}

// CommittedKey returns the key file the detector settled on, or nil if
// detection is still pending.
func (d *BBDetectorCipher) CommittedKey() *BBKeyFile {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.key
}

// Decrypt tries every candidate key until one produces an expected initial
// command, then delegates to the committed cipher. Returns ErrNoCandidateKey
// once the detection byte budget is exhausted without a match.
func (d *BBDetectorCipher) Decrypt(data []byte, advance bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.committed != nil {
		return d.committed.Decrypt(data, advance)
	}

	for _, cand := range d.candidates {
		trial, err := NewBBCipher(cand, d.seed)
		if err != nil {
			continue
		}
		plain := make([]byte, len(data))
		copy(plain, data)
		if err := trial.Decrypt(plain, false); err != nil {
			continue
		}
		if looksLikeInitialCommand(plain) {
			d.committed = trial
			d.key = cand
			return d.committed.Decrypt(data, advance)
		}
	}

	d.observed += len(data)
	if d.observed > constants.DetectionByteLimit {
		return ErrNoCandidateKey
	}
	// Not enough information yet: leave the bytes untouched and report
	// failure so the channel retries when more ciphertext arrives.
	return ErrKeyNotCommitted
}

// Encrypt is invalid before commitment; the server-to-client direction is
// driven by an imitator instead.
func (d *BBDetectorCipher) Encrypt(data []byte, advance bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.committed == nil {
		return ErrKeyNotCommitted
	}
	return d.committed.Encrypt(data, advance)
}

// Skip advances the committed stream.
func (d *BBDetectorCipher) Skip(n int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.committed == nil {
		return ErrKeyNotCommitted
	}
	return d.committed.Skip(n)
}

// BlockSize returns the v4 advance granularity.
func (d *BBDetectorCipher) BlockSize() int { return 8 }

// BBImitatorCipher drives the outbound direction of a channel whose inbound
// direction is a detector. It stays dormant until the detector commits, then
// builds the matching cipher from its own seed.
type BBImitatorCipher struct {
	mu       sync.Mutex
	detector *BBDetectorCipher
	seed     []byte
	cipher   *BBCipher
}

// NewBBImitatorCipher creates an imitator following detector, seeded with
// the outbound-direction seed.
func NewBBImitatorCipher(detector *BBDetectorCipher, seed []byte) *BBImitatorCipher {
	s := make([]byte, len(seed))
	copy(s, seed)
	return &BBImitatorCipher{detector: detector, seed: s}
}

func (im *BBImitatorCipher) resolve() (*BBCipher, error) {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.cipher != nil {
		return im.cipher, nil
	}
	key := im.detector.CommittedKey()
	if key == nil {
		return nil, ErrKeyNotCommitted
	}
	c, err := NewBBCipher(key, im.seed)
	if err != nil {
		return nil, err
	}
	im.cipher = c
	return c, nil
}

// Encrypt delegates to the cipher built from the detector's committed key.
func (im *BBImitatorCipher) Encrypt(data []byte, advance bool) error {
	c, err := im.resolve()
	if err != nil {
		return err
	}
	return c.Encrypt(data, advance)
}

// Decrypt delegates to the cipher built from the detector's committed key.
func (im *BBImitatorCipher) Decrypt(data []byte, advance bool) error {
	c, err := im.resolve()
	if err != nil {
		return err
	}
	return c.Decrypt(data, advance)
}

// Skip advances the underlying stream.
func (im *BBImitatorCipher) Skip(n int) error {
	c, err := im.resolve()
	if err != nil {
		return err
	}
	return c.Skip(n)
}

// BlockSize returns the v4 advance granularity.
func (im *BBImitatorCipher) BlockSize() int { return 8 }
