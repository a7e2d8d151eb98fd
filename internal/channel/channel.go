// Package channel implements the framed, optionally-encrypted message
// stream that every connection in the system speaks through, on both the
// game server and the proxy.
package channel

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/Elixir70/ragol/internal/constants"
	"github.com/Elixir70/ragol/internal/crypto"
	"github.com/Elixir70/ragol/internal/protocol"
)

// ErrNoCommand is returned by Recv when the inbound buffer does not yet hold
// a complete frame. The caller should fill and retry.
var ErrNoCommand = errors.New("no command available")

// ErrClosed is returned for operations on a disconnected channel.
var ErrClosed = errors.New("channel is closed")

// Message is one logical command received from or sent to a peer.
type Message struct {
	Command uint16
	Flag    uint32
	Data    []byte
}

// State tracks the channel lifecycle.
type State uint8

const (
	StateUnbound State = iota
	StateBound
	StateConnected
	StateDraining
	StateClosed
)

// Channel is a bidirectional framed message stream over a byte transport.
// It owns inbound buffering, decrypt-on-arrival, encrypt-on-send, and frame
// ordering. The version tag may be refined once after login detection.
type Channel struct {
	mu sync.Mutex

	conn    io.ReadWriteCloser
	version protocol.Version
	state   State

	cryptIn  crypto.Cipher
	cryptOut crypto.Cipher

	// Name and the two color tags feed human-readable capture logs.
	Name      string
	SendColor string
	RecvColor string

	localAddr  net.Addr
	remoteAddr net.Addr
	// Virtual connections come from the IP-stack simulator and carry no
	// real peer address.
	virtual bool

	inbound bytes.Buffer
	log     *slog.Logger
}

// New creates an unbound channel for the given version.
func New(version protocol.Version, name string) *Channel {
	return &Channel{
		version: version,
		Name:    name,
		state:   StateUnbound,
		log:     slog.With("channel", name),
	}
}

// Bind attaches a transport. If conn is a net.Conn its addresses are
// captured; otherwise the channel is marked as a virtual connection.
func (ch *Channel) Bind(conn io.ReadWriteCloser) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.conn = conn
	if nc, ok := conn.(net.Conn); ok {
		ch.localAddr = nc.LocalAddr()
		ch.remoteAddr = nc.RemoteAddr()
		ch.virtual = false
	} else {
		ch.localAddr = nil
		ch.remoteAddr = nil
		ch.virtual = true
	}
	ch.state = StateConnected
}

// Version returns the current version tag.
func (ch *Channel) Version() protocol.Version {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.version
}

// SetVersion refines the version tag after login detection.
func (ch *Channel) SetVersion(v protocol.Version) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.version = v
}

// SetCiphers installs the cipher pair. Passing nil disables encryption for
// that direction.
func (ch *Channel) SetCiphers(in, out crypto.Cipher) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.cryptIn = in
	ch.cryptOut = out
}

// Connected reports whether the channel has a live transport.
func (ch *Channel) Connected() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state == StateConnected
}

// IsVirtual reports whether the peer is a simulated connection.
func (ch *Channel) IsVirtual() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.virtual
}

// RemoteAddr returns the peer address, or nil for virtual connections.
func (ch *Channel) RemoteAddr() net.Addr {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.remoteAddr
}

// Fill reads once from the transport into the inbound buffer. Returns the
// transport error verbatim (io.EOF included) so the connection loop can
// tear down.
func (ch *Channel) Fill() error {
	ch.mu.Lock()
	conn := ch.conn
	state := ch.state
	ch.mu.Unlock()
	if conn == nil || state != StateConnected {
		return ErrClosed
	}

	var buf [4096]byte
	n, err := conn.Read(buf[:])
	if n > 0 {
		ch.mu.Lock()
		ch.inbound.Write(buf[:n])
		ch.mu.Unlock()
	}
	return err
}

// Recv consumes one complete frame from the inbound buffer. The header is
// first peeked with a non-advancing decrypt to learn the logical length;
// only when the whole physical frame is buffered are header and body
// consumed with advancing decrypts, keeping ciphers whose advancement
// depends on position in a consistent state.
func (ch *Channel) Recv() (Message, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	headerSize := ch.version.HeaderSize()
	buf := ch.inbound.Bytes()
	if len(buf) < headerSize {
		return Message{}, ErrNoCommand
	}

	peek := make([]byte, headerSize)
	copy(peek, buf[:headerSize])
	if ch.cryptIn != nil {
		if err := ch.cryptIn.Decrypt(peek, false); err != nil {
			if errors.Is(err, crypto.ErrKeyNotCommitted) {
				return Message{}, ErrNoCommand
			}
			return Message{}, fmt.Errorf("peeking header: %w", err)
		}
	}
	hdr, err := protocol.DecodeHeader(peek, ch.version)
	if err != nil {
		return Message{}, fmt.Errorf("decoding header: %w", err)
	}

	logicalSize := int(hdr.Size)
	if logicalSize < headerSize {
		return Message{}, fmt.Errorf("invalid frame size %#x (header is %d)", logicalSize, headerSize)
	}

	// While encryption is active, the v4 variant pads transmitted frames
	// to 8 octets without reflecting it in the size field.
	physicalSize := logicalSize
	if ch.cryptIn != nil && ch.version == protocol.VersionBB {
		physicalSize = (logicalSize + 7) &^ 7
	}
	if len(buf) < physicalSize {
		return Message{}, ErrNoCommand
	}

	// The full frame is buffered; consume it with advancing decrypts.
	frame := make([]byte, physicalSize)
	if n, _ := ch.inbound.Read(frame); n != physicalSize {
		return Message{}, fmt.Errorf("buffered frame truncated (%d < %d)", n, physicalSize)
	}
	if ch.cryptIn != nil {
		if err := ch.cryptIn.Decrypt(frame[:headerSize], true); err != nil {
			return Message{}, fmt.Errorf("decrypting header: %w", err)
		}
		if err := ch.cryptIn.Decrypt(frame[headerSize:], true); err != nil {
			return Message{}, fmt.Errorf("decrypting body: %w", err)
		}
	}

	data := frame[headerSize:logicalSize]
	ch.log.Debug("received command",
		"version", ch.version.String(),
		"command", fmt.Sprintf("%04X", hdr.Command),
		"flag", fmt.Sprintf("%08X", hdr.Flag),
		"size", len(data),
		"color", ch.RecvColor)
	return Message{Command: hdr.Command, Flag: hdr.Flag, Data: data}, nil
}

// Send frames, pads, optionally encrypts, and writes one command. The
// header's size field is the logical size; on v4 the transmitted bytes are
// additionally rounded to 8 while encryption is active.
func (ch *Channel) Send(command uint16, flag uint32, payload []byte) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.sendLocked(command, flag, payload)
}

func (ch *Channel) sendLocked(command uint16, flag uint32, payload []byte) error {
	if ch.conn == nil || ch.state != StateConnected {
		ch.log.Warn("attempted to send command on closed channel; dropping data")
		return ErrClosed
	}

	headerSize := ch.version.HeaderSize()
	encrypted := ch.cryptOut != nil

	logicalSize := headerSize + len(payload)
	physicalSize := logicalSize
	if encrypted {
		switch ch.version {
		case protocol.VersionBB:
			// Length field rounds to 4; transmitted bytes round to 8.
			logicalSize = (logicalSize + 3) &^ 3
			physicalSize = (headerSize + len(payload) + 7) &^ 7
		default:
			logicalSize = (logicalSize + 3) &^ 3
			physicalSize = logicalSize
		}
	}

	if physicalSize > constants.MaxFrameSize {
		return fmt.Errorf("outbound command too large (%#x > %#x)", physicalSize, constants.MaxFrameSize)
	}

	frame := make([]byte, physicalSize)
	hdr := protocol.Header{Command: command, Flag: flag, Size: uint16(logicalSize)}
	if err := protocol.EncodeHeader(frame, ch.version, hdr); err != nil {
		return err
	}
	copy(frame[headerSize:], payload)

	ch.log.Debug("sending command",
		"version", ch.version.String(),
		"command", fmt.Sprintf("%04X", command),
		"flag", fmt.Sprintf("%08X", flag),
		"size", len(payload),
		"color", ch.SendColor)

	if encrypted {
		if err := ch.cryptOut.Encrypt(frame, true); err != nil {
			return fmt.Errorf("encrypting frame: %w", err)
		}
	}

	if _, err := ch.conn.Write(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Disconnect flushes pending output and closes the transport. After the
// first call, inbound processing is disabled and further sends fail.
func (ch *Channel) Disconnect() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.disconnectLocked()
}

func (ch *Channel) disconnectLocked() {
	if ch.conn != nil {
		// Writes are synchronous, so nothing is pending beyond the
		// transport; the draining state only exists for the brief close.
		ch.state = StateDraining
		_ = ch.conn.Close()
		ch.conn = nil
	}
	ch.state = StateClosed
	ch.cryptIn = nil
	ch.cryptOut = nil
	ch.localAddr = nil
	ch.remoteAddr = nil
	ch.virtual = false
	ch.inbound.Reset()
}

// ReplaceWith transfers the transport, ciphers, buffered input, and peer
// addresses from other into ch, leaving other disconnected. Used when an
// unlinked proxy session is promoted into a linked session.
func (ch *Channel) ReplaceWith(other *Channel, name string) {
	ch.mu.Lock()
	other.mu.Lock()

	ch.conn = other.conn
	ch.localAddr = other.localAddr
	ch.remoteAddr = other.remoteAddr
	ch.virtual = other.virtual
	ch.version = other.version
	ch.cryptIn = other.cryptIn
	ch.cryptOut = other.cryptOut
	ch.state = other.state
	ch.inbound.Reset()
	ch.inbound.Write(other.inbound.Bytes())
	ch.Name = name
	ch.log = slog.With("channel", name)

	other.conn = nil
	other.mu.Unlock()
	ch.mu.Unlock()
	other.Disconnect()
}
