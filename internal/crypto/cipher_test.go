package crypto

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func testKeyFile(fill uint32) *BBKeyFile {
	k := &BBKeyFile{}
	for i := range k.InitialKeys {
		k.InitialKeys[i] = fill + uint32(i)*0x9E3779B9
	}
	for i := range k.PrivateKeys {
		k.PrivateKeys[i] = fill ^ (uint32(i)*0x01000193 + 0x811C9DC5)
	}
	return k
}

func testSeed(b byte) []byte {
	seed := make([]byte, 0x30)
	for i := range seed {
		seed[i] = b + byte(i*7)
	}
	return seed
}

func TestPCCipher_Symmetry(t *testing.T) {
	plain := make([]byte, 64)
	for i := range plain {
		plain[i] = byte(i * 3)
	}

	enc := NewPCCipher(0x12345678)
	dec := NewPCCipher(0x12345678)

	data := make([]byte, len(plain))
	copy(data, plain)
	if err := enc.Encrypt(data, true); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(data, plain) {
		t.Fatal("Encrypt did not change the data")
	}
	if err := dec.Decrypt(data, true); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(data, plain) {
		t.Fatalf("round trip mismatch: got %x, want %x", data, plain)
	}
}

func TestPCCipher_DifferentSeedsDiverge(t *testing.T) {
	a := NewPCCipher(1)
	b := NewPCCipher(2)
	bufA := make([]byte, 16)
	bufB := make([]byte, 16)
	a.Encrypt(bufA, true)
	b.Encrypt(bufB, true)
	if bytes.Equal(bufA, bufB) {
		t.Fatal("different seeds produced identical keystreams")
	}
}

func TestGCCipher_Symmetry(t *testing.T) {
	plain := make([]byte, 0x100)
	for i := range plain {
		plain[i] = byte(255 - i)
	}

	enc := NewGCCipher(0xDEADBEEF)
	dec := NewGCCipher(0xDEADBEEF)

	data := make([]byte, len(plain))
	copy(data, plain)
	enc.Encrypt(data, true)
	dec.Decrypt(data, true)
	if !bytes.Equal(data, plain) {
		t.Fatalf("round trip mismatch")
	}
}

func TestGCCipher_SkipKeepsStreamsAligned(t *testing.T) {
	enc := NewGCCipher(0xCAFE)
	dec := NewGCCipher(0xCAFE)

	head := make([]byte, 8)
	enc.Encrypt(head, true)
	if err := dec.Skip(8); err != nil {
		t.Fatalf("Skip: %v", err)
	}

	plain := []byte{1, 2, 3, 4}
	data := make([]byte, 4)
	copy(data, plain)
	enc.Encrypt(data, true)
	dec.Decrypt(data, true)
	if !bytes.Equal(data, plain) {
		t.Fatalf("streams diverged after Skip: got %x, want %x", data, plain)
	}
}

func TestGCCipher_PeekDoesNotAdvance(t *testing.T) {
	enc := NewGCCipher(7)
	dec := NewGCCipher(7)

	frame := make([]byte, 16)
	for i := range frame {
		frame[i] = byte(i)
	}
	wire := make([]byte, 16)
	copy(wire, frame)
	enc.Encrypt(wire, true)

	// Peek the header twice; neither peek may advance the stream.
	for i := 0; i < 2; i++ {
		peek := make([]byte, 4)
		copy(peek, wire[:4])
		dec.Decrypt(peek, false)
		if !bytes.Equal(peek, frame[:4]) {
			t.Fatalf("peek %d mismatch: got %x, want %x", i, peek, frame[:4])
		}
	}

	dec.Decrypt(wire, true)
	if !bytes.Equal(wire, frame) {
		t.Fatalf("full decrypt after peeks mismatch")
	}
}

func TestBBCipher_Symmetry(t *testing.T) {
	key := testKeyFile(0xA5A5A5A5)
	seed := testSeed(0x11)

	enc, err := NewBBCipher(key, seed)
	if err != nil {
		t.Fatalf("NewBBCipher: %v", err)
	}
	dec, err := NewBBCipher(key, seed)
	if err != nil {
		t.Fatalf("NewBBCipher: %v", err)
	}

	plain := make([]byte, 0x48)
	for i := range plain {
		plain[i] = byte(i ^ 0x5C)
	}
	data := make([]byte, len(plain))
	copy(data, plain)
	enc.Encrypt(data, true)
	dec.Decrypt(data, true)
	if !bytes.Equal(data, plain) {
		t.Fatalf("round trip mismatch")
	}
}

func TestBBCipher_SeedSizeEnforced(t *testing.T) {
	if _, err := NewBBCipher(testKeyFile(1), make([]byte, 4)); err == nil {
		t.Fatal("expected error for short seed")
	}
}

func TestBBDetector_CommitsToCorrectKey(t *testing.T) {
	keyA := testKeyFile(0x1111)
	keyB := testKeyFile(0x2222)
	seed := testSeed(0x42)

	// Client encrypts a login command (0x93) with keyB.
	client, err := NewBBCipher(keyB, seed)
	if err != nil {
		t.Fatalf("NewBBCipher: %v", err)
	}
	frame := make([]byte, 0xB0)
	binary.LittleEndian.PutUint16(frame[0:2], uint16(len(frame)))
	binary.LittleEndian.PutUint16(frame[2:4], 0x93)
	wire := make([]byte, len(frame))
	copy(wire, frame)
	client.Encrypt(wire, true)

	det := NewBBDetectorCipher([]*BBKeyFile{keyA, keyB}, seed)
	if err := det.Decrypt(wire, true); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(wire, frame) {
		t.Fatalf("detector decrypted wrong plaintext")
	}
	if det.CommittedKey() != keyB {
		t.Fatal("detector committed to the wrong key")
	}
}

func TestBBDetector_FailsWithinByteBudget(t *testing.T) {
	keyA := testKeyFile(0x1111)
	seed := testSeed(0x42)
	det := NewBBDetectorCipher([]*BBKeyFile{keyA}, seed)

	junk := make([]byte, 0x1000)
	for i := range junk {
		junk[i] = byte(i*13 + 7)
	}
	err := det.Decrypt(junk, true)
	if err != ErrNoCandidateKey {
		t.Fatalf("got %v, want ErrNoCandidateKey", err)
	}
}

func TestBBImitator_FollowsDetector(t *testing.T) {
	key := testKeyFile(0x3333)
	clientSeed := testSeed(0x01)
	serverSeed := testSeed(0x02)

	det := NewBBDetectorCipher([]*BBKeyFile{key}, clientSeed)
	im := NewBBImitatorCipher(det, serverSeed)

	// Before commitment the imitator refuses to encrypt.
	if err := im.Encrypt(make([]byte, 8), true); err != ErrKeyNotCommitted {
		t.Fatalf("got %v, want ErrKeyNotCommitted", err)
	}

	// Drive the detector to commitment.
	client, _ := NewBBCipher(key, clientSeed)
	frame := make([]byte, 0x10)
	binary.LittleEndian.PutUint16(frame[0:2], 0x10)
	binary.LittleEndian.PutUint16(frame[2:4], 0x93)
	client.Encrypt(frame, true)
	if err := det.Decrypt(frame, true); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	// Now the imitator must agree with a cipher built from the same key
	// and server seed.
	want, _ := NewBBCipher(key, serverSeed)
	a := make([]byte, 16)
	b := make([]byte, 16)
	im.Encrypt(a, true)
	want.Encrypt(b, true)
	if !bytes.Equal(a, b) {
		t.Fatal("imitator keystream does not match committed key")
	}
}
