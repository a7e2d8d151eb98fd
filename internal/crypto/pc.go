package crypto

import (
	"encoding/binary"

	"github.com/Elixir70/ragol/internal/constants"
)

// PCCipher is the keystream cipher used by the PC-family variants (and the
// v1/v2 console builds). A 32-bit seed expands into a 57-word lagged
// Fibonacci state; the stream advances one word per 4 octets.
type PCCipher struct {
	stream [constants.PCStreamLength]uint32
	offset uint16
}

// NewPCCipher expands seed into the initial stream state.
func NewPCCipher(seed uint32) *PCCipher {
	c := &PCCipher{}

	esi := uint32(1)
	ebx := seed
	edi := uint32(0x15)
	c.stream[56] = ebx
	c.stream[55] = ebx
	for edi <= 0x46E {
		eax := edi
		edx := eax % 55
		ebx -= esi
		edi += 0x15
		c.stream[edx] = esi
		esi = ebx
		ebx = c.stream[edx]
	}
	for i := 0; i < 5; i++ {
		c.update()
	}
	return c
}

func (c *PCCipher) update() {
	for i := 1; i < 25; i++ {
		c.stream[i] -= c.stream[i+31]
	}
	for i := 25; i < 56; i++ {
		c.stream[i] -= c.stream[i-24]
	}
	c.offset = 1
}

func (c *PCCipher) next() uint32 {
	if int(c.offset) == constants.PCStreamLength {
		c.update()
	}
	v := c.stream[c.offset]
	c.offset++
	return v
}

func (c *PCCipher) apply(data []byte) {
	for i := 0; i < len(data); i += 4 {
		w := c.next()
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], w)
		for j := 0; j < 4 && i+j < len(data); j++ {
			data[i+j] ^= tmp[j]
		}
	}
}

// Encrypt XORs data with the keystream. With advance=false the stream
// position is restored afterwards, so only full-frame processing moves it.
func (c *PCCipher) Encrypt(data []byte, advance bool) error {
	if !advance {
		tmp := *c
		tmp.apply(data)
		return nil
	}
	c.apply(data)
	return nil
}

// Decrypt is the same XOR as Encrypt.
func (c *PCCipher) Decrypt(data []byte, advance bool) error {
	return c.Encrypt(data, advance)
}

// Skip advances the keystream by n octets without touching any buffer.
func (c *PCCipher) Skip(n int) error {
	for i := 0; i < n; i += 4 {
		c.next()
	}
	return nil
}

// BlockSize returns the keystream advance granularity.
func (c *PCCipher) BlockSize() int { return 4 }
