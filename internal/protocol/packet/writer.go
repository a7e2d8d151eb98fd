package packet

import (
	"bytes"
	"encoding/binary"
	"math"
	"sync"
)

// Writer accumulates packed packet data in a fixed byte order.
type Writer struct {
	buf   *bytes.Buffer
	order binary.ByteOrder
}

// writerPool reduces allocations by reusing Writers across packets.
var writerPool = sync.Pool{
	New: func() any {
		return &Writer{
			buf:   bytes.NewBuffer(make([]byte, 0, 512)),
			order: binary.LittleEndian,
		}
	},
}

// Get returns a little-endian Writer from the pool (already reset).
func Get() *Writer {
	w := writerPool.Get().(*Writer)
	w.Reset()
	w.order = binary.LittleEndian
	return w
}

// GetOrder returns a pooled Writer with an explicit byte order.
func GetOrder(order binary.ByteOrder) *Writer {
	w := writerPool.Get().(*Writer)
	w.Reset()
	w.order = order
	return w
}

// Put returns a Writer to the pool. Do not use the Writer after Put.
func (w *Writer) Put() {
	writerPool.Put(w)
}

// NewWriter creates a little-endian packet writer with the given capacity.
func NewWriter(capacity int) *Writer {
	return &Writer{
		buf:   bytes.NewBuffer(make([]byte, 0, capacity)),
		order: binary.LittleEndian,
	}
}

// NewWriterOrder creates a packet writer with an explicit byte order.
func NewWriterOrder(capacity int, order binary.ByteOrder) *Writer {
	return &Writer{
		buf:   bytes.NewBuffer(make([]byte, 0, capacity)),
		order: order,
	}
}

// WriteByte writes a single byte.
func (w *Writer) WriteByte(b byte) error {
	return w.buf.WriteByte(b)
}

// WriteUint16 writes a uint16 in the writer's byte order.
func (w *Writer) WriteUint16(val uint16) {
	var tmp [2]byte
	w.order.PutUint16(tmp[:], val)
	w.buf.Write(tmp[:])
}

// WriteUint32 writes a uint32 in the writer's byte order.
func (w *Writer) WriteUint32(val uint32) {
	var tmp [4]byte
	w.order.PutUint32(tmp[:], val)
	w.buf.Write(tmp[:])
}

// WriteFloat32 writes an IEEE 754 float in the writer's byte order.
func (w *Writer) WriteFloat32(val float32) {
	w.WriteUint32(math.Float32bits(val))
}

// WriteBytes writes raw bytes.
func (w *Writer) WriteBytes(data []byte) {
	_, _ = w.buf.Write(data)
}

// WriteZeroes writes n zero bytes.
func (w *Writer) WriteZeroes(n int) {
	for i := 0; i < n; i++ {
		w.buf.WriteByte(0)
	}
}

// Bytes returns the accumulated packet data.
func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

// Len returns the current length of the packet.
func (w *Writer) Len() int {
	return w.buf.Len()
}

// Reset clears the buffer for reuse.
func (w *Writer) Reset() {
	w.buf.Reset()
}
