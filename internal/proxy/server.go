// Package proxy implements the intercepting man-in-the-middle proxy: it
// terminates the client's encrypted session, performs its own handshake
// against a real upstream server, and splices the two halves while
// observing and rewriting traffic.
package proxy

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/Elixir70/ragol/internal/channel"
	"github.com/Elixir70/ragol/internal/config"
	"github.com/Elixir70/ragol/internal/constants"
	"github.com/Elixir70/ragol/internal/crypto"
	"github.com/Elixir70/ragol/internal/license"
	"github.com/Elixir70/ragol/internal/protocol"
	"github.com/Elixir70/ragol/internal/protocol/packet"
)

const proxyCopyright = "Phantasy game server. Copyright respective owners."

// Server owns the proxy's session registry, keyed by license serial once
// credentials are known. Reconnects by the same identity resume the
// existing linked session.
type Server struct {
	cfg      config.Config
	licenses *license.Index
	bbKeys   []*crypto.BBKeyFile

	mu       sync.Mutex
	sessions map[uint32]*LinkedSession
}

// NewServer creates the proxy.
func NewServer(cfg config.Config, idx *license.Index, bbKeys []*crypto.BBKeyFile) *Server {
	return &Server{
		cfg:      cfg,
		licenses: idx,
		bbKeys:   bbKeys,
		sessions: make(map[uint32]*LinkedSession),
	}
}

// Run listens for proxy clients until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.ProxyPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, protocol.VersionV2)
}

// Serve runs the accept loop. Connections start at the listener's initial
// version; the login opcode refines it.
func (s *Server) Serve(ctx context.Context, ln net.Listener, initial protocol.Version) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	slog.Info("proxy listening", "addr", ln.Addr().String(), "initial_version", initial.String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		go s.handleConn(conn, initial)
	}
}

// handleConn runs an unlinked session until its login command promotes it
// into a linked one.
func (s *Server) handleConn(conn net.Conn, initial protocol.Version) {
	ch := channel.New(initial, fmt.Sprintf("UnlinkedSession:%s", conn.RemoteAddr()))
	ch.Bind(conn)
	ses := &UnlinkedSession{
		server: s,
		ch:     ch,
		log:    slog.With("unlinked", conn.RemoteAddr().String()),
		local:  initial,
	}

	if err := ses.handshake(); err != nil {
		ses.log.Warn("handshake failed", "error", err)
		ch.Disconnect()
		return
	}

	for {
		if err := ch.Fill(); err != nil {
			if !errors.Is(err, io.EOF) {
				ses.log.Warn("transport error", "error", err)
			}
			ch.Disconnect()
			return
		}
		for {
			msg, err := ch.Recv()
			if errors.Is(err, channel.ErrNoCommand) {
				break
			}
			if err != nil {
				ses.log.Warn("protocol violation", "error", err)
				ch.Disconnect()
				return
			}
			done, err := ses.onCommand(msg)
			if err != nil {
				ses.log.Error("failed to process command from unlinked client", "error", err)
				ch.Disconnect()
				return
			}
			if done {
				// The channel now belongs to a linked session.
				return
			}
		}
	}
}

// handshake mirrors the game server's: send the server-init command with
// fresh keys, install the matching cipher pair.
func (ses *UnlinkedSession) handshake() error {
	ch := ses.ch
	if ses.local == protocol.VersionBB {
		serverSeed := make([]byte, constants.BBSeedSize)
		clientSeed := make([]byte, constants.BBSeedSize)
		if _, err := rand.Read(serverSeed); err != nil {
			return fmt.Errorf("generating seeds: %w", err)
		}
		if _, err := rand.Read(clientSeed); err != nil {
			return fmt.Errorf("generating seeds: %w", err)
		}
		w := packet.NewWriter(0x60 + 2*constants.BBSeedSize)
		w.WriteBytes(protocol.EncodeText(proxyCopyright, 0x60, protocol.EncodingASCII, ""))
		w.WriteBytes(serverSeed)
		w.WriteBytes(clientSeed)
		if err := ch.Send(0x03, 0, w.Bytes()); err != nil {
			return fmt.Errorf("sending server init: %w", err)
		}
		ses.detector = crypto.NewBBDetectorCipher(ses.server.bbKeys, clientSeed)
		ch.SetCiphers(ses.detector, crypto.NewBBImitatorCipher(ses.detector, serverSeed))
		return nil
	}

	var seeds [8]byte
	if _, err := rand.Read(seeds[:]); err != nil {
		return fmt.Errorf("generating seeds: %w", err)
	}
	serverSeed := binary.LittleEndian.Uint32(seeds[0:4])
	clientSeed := binary.LittleEndian.Uint32(seeds[4:8])

	w := packet.NewWriterOrder(0x48, byteOrderFor(ses.local))
	w.WriteBytes(protocol.EncodeText(proxyCopyright, 0x40, protocol.EncodingASCII, ""))
	w.WriteUint32(serverSeed)
	w.WriteUint32(clientSeed)
	if err := ch.Send(0x02, 0, w.Bytes()); err != nil {
		return fmt.Errorf("sending server init: %w", err)
	}
	if ses.local.IsV3() {
		ch.SetCiphers(crypto.NewGCCipher(clientSeed), crypto.NewGCCipher(serverSeed))
	} else {
		ch.SetCiphers(crypto.NewPCCipher(clientSeed), crypto.NewPCCipher(serverSeed))
	}
	return nil
}

// onCommand processes one command from the unlinked client. Only the
// version-specific login opcodes are legal here; its opcode disambiguates
// the exact variant. Returns done=true when the session was promoted.
func (ses *UnlinkedSession) onCommand(msg channel.Message) (bool, error) {
	r := packet.NewReaderOrder(msg.Data, byteOrderFor(ses.ch.Version()))

	switch msg.Command {
	case 0x8B:
		ses.ch.SetVersion(protocol.VersionProtoA)
		ses.log.Info("version changed", "version", "ProtoA")
		if err := ses.captureSerialLogin(r); err != nil {
			return false, err
		}
	case 0x93:
		if ses.local == protocol.VersionBB {
			if err := ses.captureBBLogin(msg.Data); err != nil {
				return false, err
			}
		} else {
			ses.ch.SetVersion(protocol.VersionV1)
			ses.log.Info("version changed", "version", "V1")
			if err := ses.captureSerialLogin(r); err != nil {
				return false, err
			}
		}
	case 0x9D:
		if err := ses.captureSerialLogin(r); err != nil {
			return false, err
		}
		if ses.subVersion >= 0x30 {
			ses.ch.SetVersion(protocol.VersionGC)
			ses.log.Info("version changed", "version", "GC")
		} else {
			ses.ch.SetVersion(protocol.VersionV2)
			ses.log.Info("version changed", "version", "V2")
		}
	case 0x9E:
		if ses.local == protocol.VersionXB {
			// The Xbox 9E carries its own body; the session is not
			// linkable until the 9F client-config half arrives.
			if err := ses.captureXBLogin(r); err != nil {
				return false, err
			}
			ses.awaitingClientConfig = true
			if err := ses.ch.Send(0x9F, 0, nil); err != nil {
				return false, fmt.Errorf("requesting client config: %w", err)
			}
			return false, nil
		}
		if err := ses.captureSerialLogin(r); err != nil {
			return false, err
		}
		if ses.subVersion >= 0x40 {
			ses.ch.SetVersion(protocol.VersionGCEp3)
			ses.log.Info("version changed", "version", "GC-Ep3")
		} else {
			ses.ch.SetVersion(protocol.VersionGC)
		}
	case 0x9F:
		if !ses.awaitingClientConfig {
			return false, fmt.Errorf("unexpected 9F outside XB login")
		}
		ses.awaitingClientConfig = false
		ses.xbClientConfig = make([]byte, len(msg.Data))
		copy(ses.xbClientConfig, msg.Data)
	default:
		return false, fmt.Errorf("command %02X is not a login command", msg.Command)
	}

	if ses.license == nil || ses.awaitingClientConfig {
		return false, nil
	}
	return true, ses.server.promote(ses)
}

func (ses *UnlinkedSession) captureSerialLogin(r *packet.Reader) error {
	var err error
	if ses.subVersion, err = r.ReadByte(); err != nil {
		return fmt.Errorf("parsing login: %w", err)
	}
	if _, err = r.ReadByte(); err != nil { // language
		return fmt.Errorf("parsing login: %w", err)
	}
	if err = r.Skip(2); err != nil {
		return fmt.Errorf("parsing login: %w", err)
	}
	serialRaw, err := r.ReadBytes(16)
	if err != nil {
		return fmt.Errorf("parsing login serial: %w", err)
	}
	keyRaw, err := r.ReadBytes(16)
	if err != nil {
		return fmt.Errorf("parsing login access key: %w", err)
	}
	nameRaw, err := r.ReadBytes(16)
	if err != nil {
		return fmt.Errorf("parsing login name: %w", err)
	}

	var serial uint32
	if _, err := fmt.Sscanf(protocol.DecodeText(serialRaw, protocol.EncodingASCII), "%x", &serial); err != nil {
		return fmt.Errorf("parsing serial number: %w", err)
	}
	accessKey := protocol.DecodeText(keyRaw, protocol.EncodingASCII)

	lic, err := ses.server.licenses.VerifyV1V2(serial, accessKey)
	if errors.Is(err, license.ErrMissingLicense) {
		// The proxy only observes credentials; unknown ones pass
		// through as temporary identities.
		lic = ses.server.licenses.CreateTemporary(serial, accessKey)
	} else if err != nil {
		return fmt.Errorf("verifying credentials: %w", err)
	}
	ses.license = lic
	ses.characterName = protocol.DecodeText(nameRaw, protocol.EncodingLanguage1B)
	return nil
}

// captureXBLogin decodes the Xbox login body: gamertag, hex-encoded user
// ID, character name, and the network location carrying the account ID.
func (ses *UnlinkedSession) captureXBLogin(r *packet.Reader) error {
	var err error
	if ses.subVersion, err = r.ReadByte(); err != nil {
		return fmt.Errorf("parsing XB login: %w", err)
	}
	if _, err = r.ReadByte(); err != nil { // language
		return fmt.Errorf("parsing XB login: %w", err)
	}
	if err = r.Skip(2); err != nil {
		return fmt.Errorf("parsing XB login: %w", err)
	}
	tagRaw, err := r.ReadBytes(16)
	if err != nil {
		return fmt.Errorf("parsing XB login gamertag: %w", err)
	}
	keyRaw, err := r.ReadBytes(16)
	if err != nil {
		return fmt.Errorf("parsing XB login user ID: %w", err)
	}
	nameRaw, err := r.ReadBytes(16)
	if err != nil {
		return fmt.Errorf("parsing XB login name: %w", err)
	}
	netloc, err := r.ReadBytes(16)
	if err != nil {
		return fmt.Errorf("parsing XB login netloc: %w", err)
	}

	gamertag := protocol.DecodeText(tagRaw, protocol.EncodingASCII)
	var userID uint64
	key := protocol.DecodeText(keyRaw, protocol.EncodingASCII)
	if _, err := fmt.Sscanf(key, "%x", &userID); err != nil {
		return fmt.Errorf("parsing XB user ID %q: %w", key, err)
	}
	accountID := binary.LittleEndian.Uint64(netloc[0:8])

	lic, err := ses.server.licenses.VerifyXB(gamertag, userID, accountID)
	if errors.Is(err, license.ErrMissingLicense) {
		lic = ses.server.licenses.CreateTemporaryXB(gamertag, userID, accountID)
	} else if err != nil {
		return fmt.Errorf("verifying XB credentials: %w", err)
	}
	ses.license = lic
	ses.characterName = protocol.DecodeText(nameRaw, protocol.EncodingASCII)
	return nil
}

func (ses *UnlinkedSession) captureBBLogin(data []byte) error {
	r := packet.NewReader(data)
	if err := r.Skip(4); err != nil {
		return fmt.Errorf("parsing v4 login: %w", err)
	}
	userRaw, err := r.ReadBytes(16)
	if err != nil {
		return fmt.Errorf("parsing v4 login: %w", err)
	}
	passRaw, err := r.ReadBytes(16)
	if err != nil {
		return fmt.Errorf("parsing v4 login: %w", err)
	}
	username := protocol.DecodeText(userRaw, protocol.EncodingASCII)
	password := protocol.DecodeText(passRaw, protocol.EncodingASCII)

	lic, err := ses.server.licenses.VerifyBB(username, password)
	if errors.Is(err, license.ErrMissingLicense) {
		lic, err = ses.server.licenses.CreateBB(username, password)
	}
	if err != nil {
		return fmt.Errorf("verifying v4 credentials: %w", err)
	}
	ses.license = lic
	// The raw login is cached and replayed into the upstream verbatim.
	ses.loginCommand = make([]byte, len(data))
	copy(ses.loginCommand, data)
	return nil
}

// promote converts an unlinked session into (or merges it with) the linked
// session for its license.
func (s *Server) promote(ses *UnlinkedSession) error {
	serial := ses.license.SerialNumber

	s.mu.Lock()
	ls, ok := s.sessions[serial]
	if !ok {
		up, err := s.upstreamFor(ses.ch.Version())
		if err != nil {
			s.mu.Unlock()
			return err
		}
		ls = newLinkedSession(s, serial, ses.ch.Version(), up)
		s.sessions[serial] = ls
	}
	s.mu.Unlock()

	return ls.Resume(ses.ch, ses.license, ses.subVersion, ses.characterName, ses.loginCommand, ses.xbClientConfig)
}

// upstreamFor picks the configured destination for a version.
func (s *Server) upstreamFor(v protocol.Version) (net.TCPAddr, error) {
	up, ok := s.cfg.ProxyUpstreams[v.String()]
	if !ok {
		return net.TCPAddr{}, fmt.Errorf("no proxy upstream configured for %s", v)
	}
	ip := net.ParseIP(up.Host)
	if ip == nil {
		ips, err := net.LookupIP(up.Host)
		if err != nil || len(ips) == 0 {
			return net.TCPAddr{}, fmt.Errorf("resolving upstream %s: %w", up.Host, err)
		}
		ip = ips[0]
	}
	return net.TCPAddr{IP: ip, Port: up.Port}, nil
}

// homeAddress returns the 4-octet home-server address used in reconnect
// directives.
func (s *Server) homeAddress() []byte {
	ip := net.ParseIP(s.cfg.BindAddress)
	if ip4 := ip.To4(); ip4 != nil && !ip4.IsUnspecified() {
		return ip4
	}
	return []byte{127, 0, 0, 1}
}

// SessionBySerial returns the linked session for an identity, or nil.
func (s *Server) SessionBySerial(serial uint32) *LinkedSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[serial]
}

// NumSessions returns the number of linked sessions.
func (s *Server) NumSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) deleteSession(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; ok {
		delete(s.sessions, id)
		slog.Info("closed linked session", "session", fmt.Sprintf("%08X", id))
	}
}
