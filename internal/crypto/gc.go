package crypto

import (
	"encoding/binary"

	"github.com/Elixir70/ragol/internal/constants"
)

// GCCipher is the keystream cipher used by the GC/XB-family variants. A
// 32-bit seed expands through an LCG into a 521-word state; the stream
// advances one word per 4 octets. Note that the keystream itself is
// byte-order independent; the GameCube's big-endian wire format only
// affects the framing above this layer.
type GCCipher struct {
	stream [constants.GCStreamLength]uint32
	offset uint16
}

// NewGCCipher expands seed into the initial stream state.
func NewGCCipher(seed uint32) *GCCipher {
	c := &GCCipher{}

	var basekey uint32
	idx := 0
	for x := 0; x <= 16; x++ {
		for y := 0; y < 32; y++ {
			seed = seed*0x5D588B65 + 1
			basekey >>= 1
			if seed&0x80000000 != 0 {
				basekey |= 0x80000000
			} else {
				basekey &= 0x7FFFFFFF
			}
		}
		c.stream[idx] = basekey
		idx++
	}
	c.stream[idx-1] = (c.stream[0] >> 9) ^ (c.stream[idx-1] << 23) ^ c.stream[15]

	src1, src2, src3 := 0, 1, idx-1
	for idx != constants.GCStreamLength {
		c.stream[idx] = c.stream[src3] ^ (((c.stream[src1] << 23) & 0xFF800000) ^ ((c.stream[src2] >> 9) & 0x007FFFFF))
		idx++
		src1++
		src2++
		src3++
	}
	for i := 0; i < 3; i++ {
		c.update()
	}
	return c
}

func (c *GCCipher) update() {
	r5, r6, r7 := 0, 489, 0
	for r6 != constants.GCStreamLength {
		c.stream[r5] ^= c.stream[r6]
		r5++
		r6++
	}
	for r5 != constants.GCStreamLength {
		c.stream[r5] ^= c.stream[r7]
		r5++
		r7++
	}
	c.offset = 0
}

func (c *GCCipher) next() uint32 {
	if int(c.offset) == constants.GCStreamLength {
		c.update()
	}
	v := c.stream[c.offset]
	c.offset++
	return v
}

func (c *GCCipher) apply(data []byte) {
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
// position is restored afterwards.
func (c *GCCipher) Encrypt(data []byte, advance bool) error {
	if !advance {
		tmp := *c
		tmp.apply(data)
		return nil
	}
	c.apply(data)
	return nil
}

// Decrypt is the same XOR as Encrypt.
func (c *GCCipher) Decrypt(data []byte, advance bool) error {
	return c.Encrypt(data, advance)
}

// Skip advances the keystream by n octets without touching any buffer.
func (c *GCCipher) Skip(n int) error {
	for i := 0; i < n; i += 4 {
		c.next()
	}
	return nil
}

// BlockSize returns the keystream advance granularity.
func (c *GCCipher) BlockSize() int { return 4 }
