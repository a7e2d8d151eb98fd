package channel

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/Elixir70/ragol/internal/crypto"
	"github.com/Elixir70/ragol/internal/protocol"
)

// pipeConn is an in-memory ReadWriteCloser whose writes land in a buffer
// readable by the test (or by a second channel).
type pipeConn struct {
	in  *bytes.Buffer
	out *bytes.Buffer
}

func (p *pipeConn) Read(b []byte) (int, error) {
	if p.in.Len() == 0 {
		return 0, io.EOF
	}
	return p.in.Read(b)
}
func (p *pipeConn) Write(b []byte) (int, error) { return p.out.Write(b) }
func (p *pipeConn) Close() error                { return nil }

func connPair() (*pipeConn, *pipeConn) {
	a := &bytes.Buffer{}
	b := &bytes.Buffer{}
	return &pipeConn{in: a, out: b}, &pipeConn{in: b, out: a}
}

func TestChannel_RoundTripUnencrypted(t *testing.T) {
	cc, sc := connPair()
	client := New(protocol.VersionGC, "client")
	server := New(protocol.VersionGC, "server")
	client.Bind(cc)
	server.Bind(sc)

	payload := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	if err := client.Send(0x60, 0x00, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if err := server.Fill(); err != nil && err != io.EOF {
		t.Fatalf("Fill: %v", err)
	}
	msg, err := server.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if msg.Command != 0x60 || !bytes.Equal(msg.Data, payload) {
		t.Fatalf("got command=%02X data=%x", msg.Command, msg.Data)
	}
}

func TestChannel_RecvWithoutFullFrame(t *testing.T) {
	cc, sc := connPair()
	client := New(protocol.VersionV2, "client")
	server := New(protocol.VersionV2, "server")
	client.Bind(cc)
	server.Bind(sc)

	// Nothing buffered at all.
	if _, err := server.Recv(); !errors.Is(err, ErrNoCommand) {
		t.Fatalf("got %v, want ErrNoCommand", err)
	}

	// A header promising more data than is buffered.
	sc.in.Write([]byte{0x60, 0x00, 0x10, 0x00}) // size=0x10, only 4 buffered
	server.Fill()
	if _, err := server.Recv(); !errors.Is(err, ErrNoCommand) {
		t.Fatalf("got %v, want ErrNoCommand", err)
	}
}

func TestChannel_EncryptedRoundTripGC(t *testing.T) {
	cc, sc := connPair()
	client := New(protocol.VersionGC, "client")
	server := New(protocol.VersionGC, "server")
	client.Bind(cc)
	server.Bind(sc)

	seed := uint32(0x1234ABCD)
	client.SetCiphers(crypto.NewGCCipher(seed), crypto.NewGCCipher(seed))
	server.SetCiphers(crypto.NewGCCipher(seed), crypto.NewGCCipher(seed))

	for i := 0; i < 3; i++ {
		payload := []byte{byte(i), 2, 3, 4, 5}
		if err := client.Send(0x62, uint32(i), payload); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		server.Fill()
		msg, err := server.Recv()
		if err != nil {
			t.Fatalf("Recv %d: %v", i, err)
		}
		if msg.Command != 0x62 || msg.Flag != uint32(i) {
			t.Fatalf("frame %d: command=%02X flag=%d", i, msg.Command, msg.Flag)
		}
		// header 4 + payload 5 rounds to a logical 12, so data is 8.
		if len(msg.Data) != 8 {
			t.Fatalf("frame %d: data len %d, want 8", i, len(msg.Data))
		}
		if msg.Data[0] != byte(i) {
			t.Fatalf("frame %d: first byte %d", i, msg.Data[0])
		}
	}
}

func TestChannel_BBPaddingOnlyWhenEncrypted(t *testing.T) {
	// Unencrypted: a 9-byte payload yields header(8)+9 = 17 bytes on the
	// wire, unpadded.
	cc, _ := connPair()
	ch := New(protocol.VersionBB, "bb")
	ch.Bind(cc)
	if err := ch.Send(0x03, 0, make([]byte, 9)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := cc.out.Len(); got != 17 {
		t.Fatalf("unencrypted wire size %d, want 17", got)
	}

	// Encrypted: transmitted bytes round to 8, header size field to 4.
	cc2, _ := connPair()
	ch2 := New(protocol.VersionBB, "bb")
	ch2.Bind(cc2)
	key := testKeyFile()
	seed := make([]byte, 0x30)
	enc, err := crypto.NewBBCipher(key, seed)
	if err != nil {
		t.Fatalf("NewBBCipher: %v", err)
	}
	ch2.SetCiphers(nil, enc)
	if err := ch2.Send(0x03, 0, make([]byte, 9)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	wire := cc2.out.Bytes()
	if len(wire)%8 != 0 {
		t.Fatalf("encrypted wire size %d not a multiple of 8", len(wire))
	}
	// Decrypt and check the logical size field: 17 rounded to 4 = 20.
	dec, _ := crypto.NewBBCipher(key, seed)
	dec.Decrypt(wire, true)
	if size := uint16(wire[0]) | uint16(wire[1])<<8; size != 20 {
		t.Fatalf("logical size field %d, want 20", size)
	}
}

func TestChannel_OversizeFrameRejected(t *testing.T) {
	cc, _ := connPair()
	ch := New(protocol.VersionV2, "v2")
	ch.Bind(cc)
	if err := ch.Send(0x60, 0, make([]byte, 0x7C00)); err == nil {
		t.Fatal("expected oversize frame rejection")
	}
}

func TestChannel_ReplaceWith(t *testing.T) {
	cc, sc := connPair()
	orig := New(protocol.VersionGC, "unlinked")
	orig.Bind(cc)
	orig.SetCiphers(crypto.NewGCCipher(1), crypto.NewGCCipher(2))

	promoted := New(protocol.VersionUnknown, "pending")
	promoted.ReplaceWith(orig, "linked")

	if orig.Connected() {
		t.Fatal("original channel should be disconnected after ReplaceWith")
	}
	if !promoted.Connected() {
		t.Fatal("promoted channel should be connected")
	}
	if promoted.Version() != protocol.VersionGC {
		t.Fatalf("promoted version %v, want GC", promoted.Version())
	}

	// The promoted channel owns the transport now.
	if err := promoted.Send(0x05, 0, nil); err != nil {
		t.Fatalf("Send through promoted channel: %v", err)
	}
	server := New(protocol.VersionGC, "server")
	server.Bind(sc)
	server.SetCiphers(crypto.NewGCCipher(2), nil)
	server.Fill()
	msg, err := server.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if msg.Command != 0x05 {
		t.Fatalf("command %02X, want 05", msg.Command)
	}
}

func testKeyFile() *crypto.BBKeyFile {
	k := &crypto.BBKeyFile{}
	for i := range k.InitialKeys {
		k.InitialKeys[i] = uint32(i) * 0x01010101
	}
	for i := range k.PrivateKeys {
		k.PrivateKeys[i] = uint32(i) ^ 0xA5A5A5A5
	}
	return k
}
