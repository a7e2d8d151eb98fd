package gameserver

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
	"time"

	"github.com/Elixir70/ragol/internal/channel"
	"github.com/Elixir70/ragol/internal/config"
	"github.com/Elixir70/ragol/internal/constants"
	"github.com/Elixir70/ragol/internal/crypto"
	"github.com/Elixir70/ragol/internal/item"
	"github.com/Elixir70/ragol/internal/license"
	"github.com/Elixir70/ragol/internal/lobby"
	"github.com/Elixir70/ragol/internal/protocol"
	"github.com/Elixir70/ragol/internal/protocol/packet"
	"github.com/Elixir70/ragol/internal/subcmd"
)

const serverCopyright = "Phantasy game server. Copyright respective owners."

// Server accepts game client connections, negotiates ciphers, and routes
// commands. Sessions are keyed by license serial in the registry; the
// registry is the sole owner of sessions.
type Server struct {
	cfg      config.Config
	licenses *license.Index
	lobbies  *lobby.Manager
	router   *subcmd.Router
	handler  *Handler
	bbKeys   []*crypto.BBKeyFile

	mu       sync.Mutex
	listener net.Listener
	sessions map[uint32]*Client

	defaultLobby *lobby.Lobby
}

// NewServer wires the server's components. dropGen and tables may be nil;
// the router then runs with drops disabled and codec-default stack bounds.
func NewServer(cfg config.Config, idx *license.Index, bbKeys []*crypto.BBKeyFile, dropGen DropGenerator, tables map[protocol.Version]item.ParameterTable) *Server {
	s := &Server{
		cfg:      cfg,
		licenses: idx,
		lobbies:  lobby.NewManager(),
		bbKeys:   bbKeys,
		sessions: make(map[uint32]*Client),
	}
	s.router = subcmd.NewRouter(&environment{tables: tables, dropGen: dropGen})
	s.handler = NewHandler(s)

	s.defaultLobby = s.lobbies.CreateLobby("lobby-1", true)
	s.defaultLobby.Persistent = true
	s.defaultLobby.SetDropMode(defaultDropMode(cfg))
	return s
}

func defaultDropMode(cfg config.Config) lobby.DropMode {
	dm, ok := cfg.DropModes["v4/normal"]
	if !ok {
		return lobby.DropClient
	}
	switch dm.Default {
	case "disabled":
		return lobby.DropDisabled
	case "client":
		return lobby.DropClient
	case "server-shared":
		return lobby.DropServerShared
	case "server-duplicate":
		return lobby.DropServerDuplicate
	case "server-private":
		return lobby.DropServerPrivate
	default:
		return lobby.DropClient
	}
}

// Lobbies returns the lobby registry.
func (s *Server) Lobbies() *lobby.Manager { return s.lobbies }

// Addr returns the listen address, or nil before Run.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run listens and serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.GamePort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the accept loop on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	slog.Info("game server listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		go s.handleConn(ctx, conn, protocol.VersionV2)
	}
}

// ServeXB runs an accept loop whose connections start as the Xbox variant.
// Its 0x9E login body differs from the GameCube one, so the port decides.
func (s *Server) ServeXB(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	slog.Info("XB game server listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		go s.handleConn(ctx, conn, protocol.VersionXB)
	}
}

// ServeBB runs an accept loop whose connections start as v4.
func (s *Server) ServeBB(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	slog.Info("v4 game server listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		go s.handleConn(ctx, conn, protocol.VersionBB)
	}
}

// handleConn owns one connection goroutine: handshake, read loop, timers,
// teardown.
func (s *Server) handleConn(ctx context.Context, conn net.Conn, initial protocol.Version) {
	ch := channel.New(initial, fmt.Sprintf("GameClient:%s", conn.RemoteAddr()))
	ch.Bind(conn)
	c := NewClient(ch)
	defer s.dropSession(c)

	if err := s.handshake(c); err != nil {
		c.Log().Warn("handshake failed", "error", err)
		c.Disconnect()
		return
	}

	// Ping and idle timers; both are cancelled by session disconnect.
	timerCtx, cancelTimers := context.WithCancel(ctx)
	defer cancelTimers()
	go s.runTimers(timerCtx, c)

	for {
		if err := ch.Fill(); err != nil {
			if !errors.Is(err, io.EOF) {
				c.Log().Warn("transport error", "error", err)
			}
			c.Disconnect()
			return
		}
		for {
			msg, err := ch.Recv()
			if errors.Is(err, channel.ErrNoCommand) {
				break
			}
			if err != nil {
				c.Log().Warn("protocol violation; terminating session", "error", err)
				c.Disconnect()
				return
			}
			if err := s.handler.Handle(c, msg); err != nil {
				c.Log().Warn("fatal command error; terminating session", "error", err)
				c.Disconnect()
				return
			}
			if c.State() == ClientStateDisconnected {
				return
			}
		}
	}
}

// handshake sends the version-appropriate server-init command with freshly
// generated keys and installs the cipher pair.
func (s *Server) handshake(c *Client) error {
	ch := c.Channel()
	if ch.Version() == protocol.VersionBB {
		serverSeed := make([]byte, constants.BBSeedSize)
		clientSeed := make([]byte, constants.BBSeedSize)
		if _, err := rand.Read(serverSeed); err != nil {
			return fmt.Errorf("generating seeds: %w", err)
		}
		if _, err := rand.Read(clientSeed); err != nil {
			return fmt.Errorf("generating seeds: %w", err)
		}

		w := packet.NewWriter(0x60 + 2*constants.BBSeedSize)
		w.WriteBytes(protocol.EncodeText(serverCopyright, 0x60, protocol.EncodingASCII, ""))
		w.WriteBytes(serverSeed)
		w.WriteBytes(clientSeed)
		if err := ch.Send(CmdServerInitBB, 0, w.Bytes()); err != nil {
			return fmt.Errorf("sending server init: %w", err)
		}

		// The client's build (and therefore key file) is unknown until
		// its first encrypted command arrives: detect inbound, imitate
		// outbound.
		det := crypto.NewBBDetectorCipher(s.bbKeys, clientSeed)
		im := crypto.NewBBImitatorCipher(det, serverSeed)
		ch.SetCiphers(det, im)
		return nil
	}

	var seeds [8]byte
	if _, err := rand.Read(seeds[:]); err != nil {
		return fmt.Errorf("generating seeds: %w", err)
	}
	serverSeed := binary.LittleEndian.Uint32(seeds[0:4])
	clientSeed := binary.LittleEndian.Uint32(seeds[4:8])

	w := packet.NewWriterOrder(0x40+8, byteOrderFor(ch.Version()))
	w.WriteBytes(protocol.EncodeText(serverCopyright, 0x40, protocol.EncodingASCII, ""))
	w.WriteUint32(serverSeed)
	w.WriteUint32(clientSeed)
	if err := ch.Send(CmdServerInitV2V3, 0, w.Bytes()); err != nil {
		return fmt.Errorf("sending server init: %w", err)
	}

	if ch.Version().IsV3() || ch.Version() == protocol.VersionGC {
		ch.SetCiphers(crypto.NewGCCipher(clientSeed), crypto.NewGCCipher(serverSeed))
	} else {
		ch.SetCiphers(crypto.NewPCCipher(clientSeed), crypto.NewPCCipher(serverSeed))
	}
	return nil
}

func byteOrderFor(v protocol.Version) binary.ByteOrder {
	if v.IsBigEndian() {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// runTimers drives the periodic ping and the idle timeout for one session.
func (s *Server) runTimers(ctx context.Context, c *Client) {
	ping := time.NewTicker(s.cfg.PingInterval)
	idle := time.NewTicker(s.cfg.IdleTimeout / 2)
	defer ping.Stop()
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := c.Send(CmdPing, 0, nil); err != nil {
				return
			}
		case <-idle.C:
			if c.IdleSince() > s.cfg.IdleTimeout {
				c.Log().Info("idle timeout; disconnecting")
				c.Disconnect()
				return
			}
		}
	}
}

// registerSession installs the session under its identity. A previous
// session with the same identity is displaced.
func (s *Server) registerSession(serial uint32, c *Client) {
	s.mu.Lock()
	old := s.sessions[serial]
	s.sessions[serial] = c
	s.mu.Unlock()
	if old != nil && old != c {
		old.Log().Info("displaced by new session with same identity")
		old.Disconnect()
	}
}

// dropSession removes the session from its lobby and the registry.
func (s *Server) dropSession(c *Client) {
	if l := c.Lobby(); l != nil {
		l.RemoveClient(c)
		c.SetLobby(nil)
		s.lobbies.OnClientRemoved(l)
	}
	if lic := c.License(); lic != nil {
		s.mu.Lock()
		if s.sessions[lic.SerialNumber] == c {
			delete(s.sessions, lic.SerialNumber)
		}
		s.mu.Unlock()
	}
	c.Disconnect()
}

// joinDefaultLobby places a logged-in client into the default lobby.
func (s *Server) joinDefaultLobby(c *Client) error {
	slot, err := s.defaultLobby.AddClient(c, -1)
	if errors.Is(err, lobby.ErrNoFreeSlot) {
		c.Log().Warn("default lobby full")
		return nil
	}
	if err != nil {
		return err
	}
	c.SetLobby(s.defaultLobby)
	c.SetState(ClientStateInLobby)
	c.OpenJoinQueue()
	c.Log().Info("joined lobby", "slot", slot)
	return nil
}

// SessionBySerial returns the live session for an identity, or nil.
func (s *Server) SessionBySerial(serial uint32) *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[serial]
}
