package gameserver

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Elixir70/ragol/internal/channel"
	"github.com/Elixir70/ragol/internal/config"
	"github.com/Elixir70/ragol/internal/license"
	"github.com/Elixir70/ragol/internal/protocol"
	"github.com/Elixir70/ragol/internal/protocol/packet"
)

// Command numbers on the outer protocol.
const (
	CmdServerInitV2V3 = 0x02
	CmdServerInitBB   = 0x03
	CmdSecurityAck    = 0x04
	CmdDisconnect     = 0x05
	CmdLoginProtoA    = 0x8B
	CmdLoginV1BB      = 0x93
	CmdLoginV2GC      = 0x9D
	CmdLoginV3        = 0x9E
	CmdGameCommand    = 0x60
	CmdGamePrivate    = 0x62
	CmdGameLarge      = 0x6C
	CmdGamePrivateL   = 0x6D
	CmdDoneJoining    = 0x6F
	CmdEp3Game        = 0xC9
	CmdEp3GameLarge   = 0xCB
	CmdPing           = 0x1D
)

// Handler dispatches decrypted commands for the game server.
type Handler struct {
	srv *Server
}

// NewHandler creates the command dispatcher.
func NewHandler(srv *Server) *Handler {
	return &Handler{srv: srv}
}

// Handle processes one inbound command. A returned error is a protocol
// violation and terminates the session.
func (h *Handler) Handle(c *Client, msg channel.Message) error {
	c.TouchRecv()

	switch msg.Command {
	case CmdPing:
		return nil

	case CmdDisconnect:
		c.Disconnect()
		return nil

	case CmdLoginProtoA, CmdLoginV1BB, CmdLoginV2GC, CmdLoginV3:
		return h.handleLogin(c, msg)

	case CmdGameCommand, CmdGamePrivate, CmdGameLarge, CmdGamePrivateL, CmdEp3Game, CmdEp3GameLarge:
		if c.State() < ClientStateInLobby {
			return fmt.Errorf("game command %02X before lobby join", msg.Command)
		}
		return h.srv.router.Handle(c, msg.Command, msg.Flag, msg.Data)

	case CmdDoneJoining:
		c.FlushJoinQueue()
		return nil

	default:
		c.Log().Warn("unknown command; dropping",
			"command", fmt.Sprintf("%04X", msg.Command))
		return nil
	}
}

// loginFields is the common shape of the non-v4 login commands.
type loginFields struct {
	SubVersion uint8
	Language   uint8
	Serial     string
	AccessKey  string
	Name       string
}

func parseLogin(data []byte) (loginFields, error) {
	r := packet.NewReader(data)
	var f loginFields
	var err error
	if f.SubVersion, err = r.ReadByte(); err != nil {
		return f, fmt.Errorf("parsing login: %w", err)
	}
	if f.Language, err = r.ReadByte(); err != nil {
		return f, fmt.Errorf("parsing login: %w", err)
	}
	if err = r.Skip(2); err != nil {
		return f, fmt.Errorf("parsing login: %w", err)
	}
	serialRaw, err := r.ReadBytes(16)
	if err != nil {
		return f, fmt.Errorf("parsing login serial: %w", err)
	}
	keyRaw, err := r.ReadBytes(16)
	if err != nil {
		return f, fmt.Errorf("parsing login access key: %w", err)
	}
	nameRaw, err := r.ReadBytes(16)
	if err != nil {
		return f, fmt.Errorf("parsing login name: %w", err)
	}
	f.Serial = protocol.DecodeText(serialRaw, protocol.EncodingASCII)
	f.AccessKey = protocol.DecodeText(keyRaw, protocol.EncodingASCII)
	f.Name = protocol.DecodeText(nameRaw, protocol.EncodingLanguage1B)
	return f, nil
}

// xbLoginFields is the Xbox login shape: the serial-number field carries
// the gamertag, the access-key field the hex-encoded 64-bit user ID, and a
// trailing network-location block carries the account ID.
type xbLoginFields struct {
	SubVersion uint8
	Language   uint8
	Gamertag   string
	UserID     uint64
	AccountID  uint64
	Name       string
}

func parseXBLogin(data []byte) (xbLoginFields, error) {
	r := packet.NewReader(data)
	var f xbLoginFields
	var err error
	if f.SubVersion, err = r.ReadByte(); err != nil {
		return f, fmt.Errorf("parsing XB login: %w", err)
	}
	if f.Language, err = r.ReadByte(); err != nil {
		return f, fmt.Errorf("parsing XB login: %w", err)
	}
	if err = r.Skip(2); err != nil {
		return f, fmt.Errorf("parsing XB login: %w", err)
	}
	tagRaw, err := r.ReadBytes(16)
	if err != nil {
		return f, fmt.Errorf("parsing XB login gamertag: %w", err)
	}
	keyRaw, err := r.ReadBytes(16)
	if err != nil {
		return f, fmt.Errorf("parsing XB login user ID: %w", err)
	}
	nameRaw, err := r.ReadBytes(16)
	if err != nil {
		return f, fmt.Errorf("parsing XB login name: %w", err)
	}
	netloc, err := r.ReadBytes(16)
	if err != nil {
		return f, fmt.Errorf("parsing XB login netloc: %w", err)
	}

	f.Gamertag = protocol.DecodeText(tagRaw, protocol.EncodingASCII)
	key := protocol.DecodeText(keyRaw, protocol.EncodingASCII)
	if _, err := fmt.Sscanf(key, "%x", &f.UserID); err != nil {
		return f, fmt.Errorf("parsing XB user ID %q: %w", key, err)
	}
	f.AccountID = binary.LittleEndian.Uint64(netloc[0:8])
	f.Name = protocol.DecodeText(nameRaw, protocol.EncodingASCII)
	return f, nil
}

// bbLoginFields is the v4 login shape.
type bbLoginFields struct {
	Username string
	Password string
}

func parseBBLogin(data []byte) (bbLoginFields, error) {
	r := packet.NewReader(data)
	var f bbLoginFields
	if err := r.Skip(4); err != nil {
		return f, fmt.Errorf("parsing v4 login: %w", err)
	}
	userRaw, err := r.ReadBytes(16)
	if err != nil {
		return f, fmt.Errorf("parsing v4 login username: %w", err)
	}
	passRaw, err := r.ReadBytes(16)
	if err != nil {
		return f, fmt.Errorf("parsing v4 login password: %w", err)
	}
	f.Username = protocol.DecodeText(userRaw, protocol.EncodingASCII)
	f.Password = protocol.DecodeText(passRaw, protocol.EncodingASCII)
	return f, nil
}

// handleLogin refines the channel version from the opcode, verifies the
// credentials, and moves the client into the lobby on success. An invalid
// login opcode for the channel's state is a protocol violation.
func (h *Handler) handleLogin(c *Client, msg channel.Message) error {
	if c.State() != ClientStateConnected {
		return fmt.Errorf("login command %02X after login", msg.Command)
	}

	ch := c.Channel()
	isBB := ch.Version() == protocol.VersionBB

	var lic *license.License
	switch msg.Command {
	case CmdLoginProtoA:
		ch.SetVersion(protocol.VersionProtoA)
		f, err := parseLogin(msg.Data)
		if err != nil {
			return err
		}
		l, err := h.verifyPrototype(f)
		if err != nil {
			return err
		}
		lic = l
		c.SetName(f.Name)

	case CmdLoginV1BB:
		if isBB {
			f, err := parseBBLogin(msg.Data)
			if err != nil {
				return err
			}
			l, err := h.srv.licenses.VerifyBB(f.Username, f.Password)
			if errors.Is(err, license.ErrMissingLicense) && h.srv.cfg.AutoCreateAccounts {
				l, err = h.srv.licenses.CreateBB(f.Username, f.Password)
				if err == nil {
					c.Log().Info("created license", "serial", fmt.Sprintf("%08X", l.SerialNumber))
				}
			}
			if err != nil {
				return fmt.Errorf("verifying v4 login: %w", err)
			}
			lic = l
		} else {
			ch.SetVersion(protocol.VersionV1)
			f, err := parseLogin(msg.Data)
			if err != nil {
				return err
			}
			l, err := h.verifySerial(f, false)
			if err != nil {
				return err
			}
			lic = l
			c.SetName(f.Name)
		}

	case CmdLoginV2GC:
		f, err := parseLogin(msg.Data)
		if err != nil {
			return err
		}
		if f.SubVersion >= 0x30 {
			ch.SetVersion(protocol.VersionGC)
		} else {
			ch.SetVersion(protocol.VersionV2)
		}
		l, err := h.verifySerial(f, f.SubVersion >= 0x30)
		if err != nil {
			return err
		}
		lic = l
		c.SetName(f.Name)

	case CmdLoginV3:
		if ch.Version() == protocol.VersionXB {
			// The Xbox 9E carries a different body entirely:
			// gamertag, hex user ID, and the network location.
			f, err := parseXBLogin(msg.Data)
			if err != nil {
				return err
			}
			l, err := h.srv.licenses.VerifyXB(f.Gamertag, f.UserID, f.AccountID)
			if err != nil {
				return fmt.Errorf("verifying XB login: %w", err)
			}
			lic = l
			c.SetName(f.Name)
			break
		}
		f, err := parseLogin(msg.Data)
		if err != nil {
			return err
		}
		if f.SubVersion >= 0x40 {
			ch.SetVersion(protocol.VersionGCEp3)
		} else {
			ch.SetVersion(protocol.VersionGC)
		}
		l, err := h.verifySerial(f, true)
		if err != nil {
			return err
		}
		lic = l
		c.SetName(f.Name)
	}

	c.SetLicense(lic)
	c.SetState(ClientStateLoggedIn)
	h.srv.registerSession(lic.SerialNumber, c)
	c.Log().Info("login verified",
		"serial", fmt.Sprintf("%08X", lic.SerialNumber),
		"version", c.Version().String())

	// Acknowledge with the client's canonical identity.
	ack := packet.NewWriter(8)
	ack.WriteUint32(0x00010000)
	ack.WriteUint32(lic.SerialNumber)
	if err := c.Send(CmdSecurityAck, 0, ack.Bytes()); err != nil {
		return fmt.Errorf("sending login ack: %w", err)
	}

	return h.srv.joinDefaultLobby(c)
}

func (h *Handler) verifySerial(f loginFields, gc bool) (*license.License, error) {
	serial, err := parseSerialNumber(f.Serial)
	if err != nil {
		return nil, err
	}
	if gc {
		l, err := h.srv.licenses.VerifyGC(serial, f.AccessKey)
		if err != nil {
			return nil, fmt.Errorf("verifying GC login: %w", err)
		}
		return l, nil
	}
	l, err := h.srv.licenses.VerifyV1V2(serial, f.AccessKey)
	if err != nil {
		return nil, fmt.Errorf("verifying login: %w", err)
	}
	return l, nil
}

// verifyPrototype applies the configured prototype admissibility policy.
func (h *Handler) verifyPrototype(f loginFields) (*license.License, error) {
	serial, err := parseSerialNumber(f.Serial)
	if err != nil {
		return nil, err
	}
	l, err := h.srv.licenses.VerifyV1V2(serial, f.AccessKey)
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, license.ErrMissingLicense) {
		return nil, fmt.Errorf("verifying prototype login: %w", err)
	}
	switch h.srv.cfg.ProtoPolicy {
	case config.ProtoReject:
		return nil, fmt.Errorf("verifying prototype login: %w", err)
	case config.ProtoTemporary:
		return h.srv.licenses.CreateTemporary(serial, f.AccessKey), nil
	case config.ProtoPermanent:
		l := &license.License{SerialNumber: serial, AccessKey: f.AccessKey}
		h.srv.licenses.Add(l)
		return l, nil
	default:
		return nil, fmt.Errorf("verifying prototype login: %w", err)
	}
}

func parseSerialNumber(s string) (uint32, error) {
	var serial uint32
	if _, err := fmt.Sscanf(s, "%x", &serial); err != nil {
		return 0, fmt.Errorf("parsing serial number %q: %w", s, err)
	}
	return serial, nil
}
