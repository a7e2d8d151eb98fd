// Package prs implements the variable-length bit-oriented LZ codec the
// clients use for bulk payloads such as the joining-player item-state sync.
// Control bits are consumed LSB-first from interleaved control bytes: a set
// bit copies a literal, a clear bit introduces a short (2-5 octet) or long
// (3-9, extended to 256) backreference.
package prs

import (
	"bytes"
	"fmt"
)

const (
	maxShortOffset = 0x100
	maxLongOffset  = 0x2000
)

type bitReader struct {
	data    []byte
	pos     int
	control byte
	bits    int
}

func (r *bitReader) readBit() (int, error) {
	if r.bits == 0 {
		if r.pos >= len(r.data) {
			return 0, fmt.Errorf("control byte past end of input")
		}
		r.control = r.data[r.pos]
		r.pos++
		r.bits = 8
	}
	bit := int(r.control & 1)
	r.control >>= 1
	r.bits--
	return bit, nil
}

func (r *bitReader) readByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, fmt.Errorf("data byte past end of input")
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

// Decompress expands a compressed payload. Backreferences pointing before
// the start of the output are an error.
func Decompress(data []byte) ([]byte, error) {
	r := &bitReader{data: data}
	var out bytes.Buffer

	for {
		bit, err := r.readBit()
		if err != nil {
			return nil, fmt.Errorf("decompressing: %w", err)
		}
		if bit == 1 {
			b, err := r.readByte()
			if err != nil {
				return nil, fmt.Errorf("decompressing literal: %w", err)
			}
			out.WriteByte(b)
			continue
		}

		bit, err = r.readBit()
		if err != nil {
			return nil, fmt.Errorf("decompressing: %w", err)
		}

		var offset, size int
		if bit == 1 {
			// Long copy: 13-bit offset, 3-bit size (0 = extended).
			b1, err := r.readByte()
			if err != nil {
				return nil, fmt.Errorf("decompressing long copy: %w", err)
			}
			b2, err := r.readByte()
			if err != nil {
				return nil, fmt.Errorf("decompressing long copy: %w", err)
			}
			word := int(b1) | int(b2)<<8
			if word == 0 {
				// Terminator.
				return out.Bytes(), nil
			}
			offset = (word >> 3) - maxLongOffset
			size = word & 7
			if size == 0 {
				b3, err := r.readByte()
				if err != nil {
					return nil, fmt.Errorf("decompressing extended copy: %w", err)
				}
				size = int(b3) + 1
			} else {
				size += 2
			}
		} else {
			// Short copy: size 2-5 from two control bits, 8-bit offset.
			hi, err := r.readBit()
			if err != nil {
				return nil, fmt.Errorf("decompressing short copy: %w", err)
			}
			lo, err := r.readBit()
			if err != nil {
				return nil, fmt.Errorf("decompressing short copy: %w", err)
			}
			size = (hi<<1 | lo) + 2
			b, err := r.readByte()
			if err != nil {
				return nil, fmt.Errorf("decompressing short copy: %w", err)
			}
			offset = int(b) - maxShortOffset
		}

		src := out.Len() + offset
		if src < 0 {
			return nil, fmt.Errorf("decompressing: backreference before start (offset %d at %d)", offset, out.Len())
		}
		for i := 0; i < size; i++ {
			out.WriteByte(out.Bytes()[src+i])
		}
	}
}

type bitWriter struct {
	out        bytes.Buffer
	controlPos int
	control    byte
	bits       int
}

func (w *bitWriter) flushControl() {
	if w.bits == 0 {
		return
	}
	w.out.Bytes()[w.controlPos] = w.control
}

func (w *bitWriter) writeBit(bit int) {
	if w.bits == 0 || w.bits == 8 {
		if w.bits == 8 {
			w.out.Bytes()[w.controlPos] = w.control
		}
		w.controlPos = w.out.Len()
		w.out.WriteByte(0)
		w.control = 0
		w.bits = 0
	}
	if bit != 0 {
		w.control |= 1 << uint(w.bits)
	}
	w.bits++
}

func (w *bitWriter) writeByte(b byte) {
	w.out.WriteByte(b)
}

// Compress produces a valid compressed stream using a greedy match search
// over the long-copy window.
func Compress(data []byte) []byte {
	w := &bitWriter{}

	pos := 0
	for pos < len(data) {
		offset, size := findMatch(data, pos)
		if size >= 3 {
			w.writeBit(0)
			w.writeBit(1)
			if size <= 9 {
				word := ((offset + maxLongOffset) << 3) | (size - 2)
				w.writeByte(byte(word))
				w.writeByte(byte(word >> 8))
			} else {
				word := (offset + maxLongOffset) << 3
				w.writeByte(byte(word))
				w.writeByte(byte(word >> 8))
				w.writeByte(byte(size - 1))
			}
			pos += size
		} else {
			w.writeBit(1)
			w.writeByte(data[pos])
			pos++
		}
	}

	// Terminator: long copy with a zero offset/size word.
	w.writeBit(0)
	w.writeBit(1)
	w.writeByte(0)
	w.writeByte(0)
	w.flushControl()
	return w.out.Bytes()
}

// findMatch searches the window for the longest match at pos, capped at 256.
func findMatch(data []byte, pos int) (offset, size int) {
	const maxMatch = 256
	start := pos - maxLongOffset + 1
	if start < 0 {
		start = 0
	}
	for cand := start; cand < pos; cand++ {
		n := 0
		for pos+n < len(data) && n < maxMatch && data[cand+n] == data[pos+n] {
			n++
		}
		if n > size {
			size = n
			offset = cand - pos
		}
	}
	return offset, size
}
