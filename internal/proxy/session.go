package proxy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Elixir70/ragol/internal/channel"
	"github.com/Elixir70/ragol/internal/constants"
	"github.com/Elixir70/ragol/internal/crypto"
	"github.com/Elixir70/ragol/internal/license"
	"github.com/Elixir70/ragol/internal/protocol"
	"github.com/Elixir70/ragol/internal/protocol/packet"
)

// DisconnectAction selects how long a linked session lingers after losing
// its connections, waiting for the client to come back.
type DisconnectAction int

const (
	LongTimeout   DisconnectAction = iota // 5 minutes
	MediumTimeout                         // 30 seconds
	ShortTimeout                          // 10 seconds
	CloseImmediately
)

func (a DisconnectAction) timeout() time.Duration {
	switch a {
	case LongTimeout:
		return 5 * time.Minute
	case MediumTimeout:
		return 30 * time.Second
	case ShortTimeout:
		return 10 * time.Second
	default:
		return 0
	}
}

// UnlinkedSession is a client connection whose upstream has not been
// chosen: the handshake is done, the login command has not yet arrived.
type UnlinkedSession struct {
	server   *Server
	ch       *channel.Channel
	log      *slog.Logger
	local    protocol.Version
	detector *crypto.BBDetectorCipher

	// Captured at login time.
	license       *license.License
	subVersion    uint8
	characterName string
	loginCommand  []byte // v4 login, cached for upstream replay

	// The Xbox login splits across 0x9E and 0x9F; promotion waits for
	// the client-config half.
	awaitingClientConfig bool
	xbClientConfig       []byte
}

// LinkedSession is a proxy session paired with an upstream. Both channels
// share the session identity and forward through the splice.
type LinkedSession struct {
	server *Server
	id     uint32
	log    *slog.Logger

	mu sync.Mutex

	version    protocol.Version
	clientCh   *channel.Channel
	serverCh   *channel.Channel
	upstream   net.TCPAddr
	license    *license.License
	subVersion uint8
	name       string

	loginCommand []byte // v4 login replayed into upstream

	// xbClientConfig answers the upstream's 0x9F request on XB sessions.
	xbClientConfig []byte

	// remoteGuildCard is the upstream-provided identity substituted for
	// the client's canonical one in both streams; -1 until observed.
	remoteGuildCard int64

	disconnectAction DisconnectAction
	deleteTimer      *time.Timer

	upstreamReady bool
}

func newLinkedSession(server *Server, id uint32, version protocol.Version, upstream net.TCPAddr) *LinkedSession {
	ls := &LinkedSession{
		server:           server,
		id:               id,
		log:              slog.With("session", fmt.Sprintf("%08X", id)),
		version:          version,
		upstream:         upstream,
		remoteGuildCard:  -1,
		disconnectAction: LongTimeout,
		clientCh:         channel.New(version, fmt.Sprintf("LinkedSession:%08X:client", id)),
		serverCh:         channel.New(version, fmt.Sprintf("LinkedSession:%08X:server", id)),
	}
	return ls
}

// Resume attaches (or re-attaches) a client channel and connects upstream.
// Cancels any pending deletion timer.
func (ls *LinkedSession) Resume(clientCh *channel.Channel, lic *license.License, subVersion uint8, name string, loginCommand, xbClientConfig []byte) error {
	ls.mu.Lock()
	if ls.deleteTimer != nil {
		ls.deleteTimer.Stop()
		ls.deleteTimer = nil
	}
	ls.license = lic
	ls.subVersion = subVersion
	ls.name = name
	if loginCommand != nil {
		ls.loginCommand = loginCommand
	}
	if xbClientConfig != nil {
		ls.xbClientConfig = xbClientConfig
	}
	ls.version = clientCh.Version()
	ls.upstreamReady = false
	ls.clientCh.ReplaceWith(clientCh, fmt.Sprintf("LinkedSession:%08X:client", ls.id))
	ls.mu.Unlock()

	ls.log.Info("resuming linked session", "upstream", ls.upstream.String())
	return ls.connect()
}

// connect dials the upstream and starts the two splice directions.
func (ls *LinkedSession) connect() error {
	conn, err := net.DialTCP("tcp", nil, &ls.upstream)
	if err != nil {
		ls.log.Warn("connecting upstream", "error", err)
		ls.sendToHomeServer("The server is\nunavailable.")
		return fmt.Errorf("connecting upstream %s: %w", ls.upstream.String(), err)
	}

	ls.mu.Lock()
	ls.serverCh = channel.New(ls.version, fmt.Sprintf("LinkedSession:%08X:server", ls.id))
	ls.serverCh.Bind(conn)
	ls.mu.Unlock()

	go ls.spliceLoop(ls.serverCh, true)
	go ls.spliceLoop(ls.clientCh, false)
	return nil
}

// spliceLoop drains one side: decrypt, observe, optionally rewrite,
// re-encrypt with the opposite side's cipher, send.
func (ls *LinkedSession) spliceLoop(ch *channel.Channel, isServer bool) {
	for {
		if err := ch.Fill(); err != nil {
			if !errors.Is(err, io.EOF) {
				ls.log.Warn("stream error", "server_side", isServer, "error", err)
			}
			ls.onStreamClosed(isServer)
			return
		}
		for {
			msg, err := ch.Recv()
			if errors.Is(err, channel.ErrNoCommand) {
				break
			}
			if err != nil {
				ls.log.Warn("protocol violation on splice", "server_side", isServer, "error", err)
				ls.onStreamClosed(isServer)
				return
			}
			if err := ls.onCommand(isServer, msg); err != nil {
				ls.log.Warn("processing spliced command", "server_side", isServer, "error", err)
				ls.Disconnect(ShortTimeout)
				return
			}
		}
	}
}

// onCommand observes one decrypted command and forwards it to the other
// side. The upstream's server-init is consumed here: it drives the
// proxy-side handshake instead of reaching the client.
func (ls *LinkedSession) onCommand(fromServer bool, msg channel.Message) error {
	if fromServer {
		switch msg.Command {
		case 0x02, 0x03:
			if !ls.upstreamServerReady() {
				return ls.onUpstreamInit(msg)
			}
		case 0x04:
			ls.observeSecurityAck(msg.Data)
		case 0x9F:
			// The upstream asks for the XB client config; answer with
			// the copy captured during the client's own handshake
			// instead of bouncing the request down.
			if ls.version == protocol.VersionXB {
				return ls.serverCh.Send(0x9F, 0, ls.xbClientConfig)
			}
		}
		ls.substituteGuildCard(msg.Command, msg.Data, false)
		return ls.clientCh.Send(msg.Command, msg.Flag, msg.Data)
	}

	ls.substituteGuildCard(msg.Command, msg.Data, true)
	return ls.serverCh.Send(msg.Command, msg.Flag, msg.Data)
}

func (ls *LinkedSession) upstreamServerReady() bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.upstreamReady
}

// onUpstreamInit performs the proxy's own handshake against the real
// server: install ciphers from the advertised seeds and replay the login.
func (ls *LinkedSession) onUpstreamInit(msg channel.Message) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.version == protocol.VersionBB {
		if len(msg.Data) < 0x60+2*constants.BBSeedSize {
			return fmt.Errorf("v4 server init too short (%d)", len(msg.Data))
		}
		serverSeed := msg.Data[0x60 : 0x60+constants.BBSeedSize]
		clientSeed := msg.Data[0x60+constants.BBSeedSize : 0x60+2*constants.BBSeedSize]
		if len(ls.server.bbKeys) == 0 {
			return fmt.Errorf("no v4 key files configured")
		}
		key := ls.server.bbKeys[0]
		in, err := crypto.NewBBCipher(key, serverSeed)
		if err != nil {
			return fmt.Errorf("building upstream cipher: %w", err)
		}
		out, err := crypto.NewBBCipher(key, clientSeed)
		if err != nil {
			return fmt.Errorf("building upstream cipher: %w", err)
		}
		ls.serverCh.SetCiphers(in, out)
		ls.upstreamReady = true

		// Replay the captured login into the upstream.
		if ls.loginCommand != nil {
			if err := ls.serverCh.Send(0x93, 0, ls.loginCommand); err != nil {
				return fmt.Errorf("replaying v4 login: %w", err)
			}
		}
		ls.maybeOverrideLobbyEvent()
		return nil
	}

	if len(msg.Data) < 0x48 {
		return fmt.Errorf("server init too short (%d)", len(msg.Data))
	}
	rd := packet.NewReaderOrder(msg.Data[0x40:], byteOrderFor(ls.version))
	serverSeed, err := rd.ReadUint32()
	if err != nil {
		return fmt.Errorf("parsing upstream seeds: %w", err)
	}
	clientSeed, err := rd.ReadUint32()
	if err != nil {
		return fmt.Errorf("parsing upstream seeds: %w", err)
	}
	if ls.version.IsV3() {
		ls.serverCh.SetCiphers(crypto.NewGCCipher(serverSeed), crypto.NewGCCipher(clientSeed))
	} else {
		ls.serverCh.SetCiphers(crypto.NewPCCipher(serverSeed), crypto.NewPCCipher(clientSeed))
	}
	ls.upstreamReady = true

	if err := ls.replayLoginLocked(); err != nil {
		return err
	}
	ls.maybeOverrideLobbyEvent()
	return nil
}

// replayLoginLocked reconstructs the client's login from the captured
// credentials and sends it upstream.
func (ls *LinkedSession) replayLoginLocked() error {
	if ls.license == nil {
		return fmt.Errorf("no credentials captured for login replay")
	}

	w := packet.NewWriterOrder(0x40, byteOrderFor(ls.version))
	w.WriteByte(ls.subVersion)
	w.WriteByte(1)
	w.WriteUint16(0)
	if ls.version == protocol.VersionXB {
		// The XB 9E carries gamertag, hex user ID, and netloc.
		w.WriteBytes(protocol.EncodeText(ls.license.XBGamertag, 16, protocol.EncodingASCII, ""))
		w.WriteBytes(protocol.EncodeText(fmt.Sprintf("%016X", ls.license.XBUserID), 16, protocol.EncodingASCII, ""))
		w.WriteBytes(protocol.EncodeText(ls.name, 16, protocol.EncodingASCII, ""))
		var netloc [16]byte
		binary.LittleEndian.PutUint64(netloc[0:8], ls.license.XBAccountID)
		w.WriteBytes(netloc[:])
		if err := ls.serverCh.Send(0x9E, 0, w.Bytes()); err != nil {
			return fmt.Errorf("replaying XB login: %w", err)
		}
		return nil
	}

	w.WriteBytes(protocol.EncodeText(fmt.Sprintf("%08X", ls.effectiveGuildCard()), 16, protocol.EncodingASCII, ""))
	w.WriteBytes(protocol.EncodeText(ls.license.AccessKey, 16, protocol.EncodingASCII, ""))
	w.WriteBytes(protocol.EncodeText(ls.name, 16, protocol.EncodingLanguage1B, "\tE"))

	opcode := uint16(0x93)
	switch ls.version.Generation() {
	case protocol.Gen2:
		opcode = 0x9D
	case protocol.Gen3:
		opcode = 0x9E
	}
	if err := ls.serverCh.Send(opcode, 0, w.Bytes()); err != nil {
		return fmt.Errorf("replaying login: %w", err)
	}
	return nil
}

func (ls *LinkedSession) effectiveGuildCard() uint32 {
	if ls.remoteGuildCard >= 0 {
		return uint32(ls.remoteGuildCard)
	}
	return ls.id
}

// maybeOverrideLobbyEvent sends the configured lobby-event byte to the
// client right after the upstream connects, for v3+ variants.
func (ls *LinkedSession) maybeOverrideLobbyEvent() {
	ev := ls.server.cfg.OverrideLobbyEvent
	if ev == 0xFF || !(ls.version.IsV3() || ls.version.IsV4()) {
		return
	}
	if err := ls.clientCh.Send(0xDA, uint32(ev), nil); err != nil {
		ls.log.Warn("overriding lobby event", "error", err)
	}
}

// observeSecurityAck captures the upstream-assigned identity for the
// guild-card substitution.
func (ls *LinkedSession) observeSecurityAck(data []byte) {
	if len(data) < 8 {
		return
	}
	remote := int64(binary.LittleEndian.Uint32(data[4:8]))
	ls.mu.Lock()
	if ls.remoteGuildCard != remote {
		ls.log.Info("upstream assigned guild card", "number", fmt.Sprintf("%08X", remote))
		ls.remoteGuildCard = remote
	}
	ls.mu.Unlock()
}

// substituteGuildCard swaps the canonical and upstream identities in the
// commands that carry one at a fixed offset.
func (ls *LinkedSession) substituteGuildCard(command uint16, data []byte, toServer bool) {
	ls.mu.Lock()
	remote := ls.remoteGuildCard
	canonical := ls.id
	ls.mu.Unlock()
	if remote < 0 || command != 0x04 || len(data) < 8 {
		return
	}
	if toServer {
		binary.LittleEndian.PutUint32(data[4:8], uint32(remote))
	} else {
		binary.LittleEndian.PutUint32(data[4:8], canonical)
	}
}

// onStreamClosed handles EOF or error on either side. Upstream loss sends
// the client home; client loss just tears the pair down.
func (ls *LinkedSession) onStreamClosed(isServer bool) {
	if isServer {
		ls.log.Info("upstream has disconnected")
		ls.sendToHomeServer("The server has\ndisconnected.")
		return
	}
	ls.log.Info("client has disconnected")
	ls.Disconnect(ShortTimeout)
}

// sendToHomeServer redirects the client back to the home game server with
// an info box, then closes immediately. v4 clients cannot be redirected
// mid-session, so their sessions just close.
func (ls *LinkedSession) sendToHomeServer(message string) {
	ls.mu.Lock()
	lic := ls.license
	version := ls.version
	ls.mu.Unlock()

	if lic == nil || version == protocol.VersionBB {
		ls.Disconnect(CloseImmediately)
		return
	}

	info := fmt.Sprintf("You've returned to\n%s\n\n%s", ls.server.cfg.ServerName, message)
	if err := ls.sendInfoBox(info); err != nil {
		ls.log.Warn("sending info box", "error", err)
	}

	// Reconnect directive back to the home server's login port.
	w := packet.NewWriterOrder(12, byteOrderFor(version))
	w.WriteBytes(ls.server.homeAddress())
	w.WriteUint16(uint16(ls.server.cfg.GamePort))
	w.WriteUint16(0)
	if err := ls.clientCh.Send(0x19, 0, w.Bytes()); err != nil {
		ls.log.Warn("sending reconnect directive", "error", err)
	}
	ls.Disconnect(CloseImmediately)
}

// sendInfoBox shows a large message box on the client.
func (ls *LinkedSession) sendInfoBox(text string) error {
	enc := protocol.EncodingLanguage1B
	if ls.version == protocol.VersionPC || ls.version == protocol.VersionBB {
		enc = protocol.EncodingUTF16LE
	}
	width := len(text) + 2
	if enc == protocol.EncodingUTF16LE {
		width = len(text)*2 + 2
	}
	return ls.clientCh.Send(0x11, 0, protocol.EncodeText(text, width, enc, ""))
}

// Disconnect closes both channels and schedules session deletion per the
// disposition. A client reconnecting with the same license before the
// timer fires resumes the session.
func (ls *LinkedSession) Disconnect(action DisconnectAction) {
	ls.clientCh.Disconnect()
	ls.serverCh.Disconnect()

	ls.mu.Lock()
	defer ls.mu.Unlock()
	// A pending shorter disposition wins over a later, longer one.
	if ls.deleteTimer != nil {
		if action.timeout() >= ls.disconnectAction.timeout() {
			return
		}
		ls.deleteTimer.Stop()
	}
	ls.disconnectAction = action
	ls.deleteTimer = time.AfterFunc(action.timeout(), func() {
		ls.server.deleteSession(ls.id)
	})
}

func byteOrderFor(v protocol.Version) binary.ByteOrder {
	if v.IsBigEndian() {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
