package gameserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Elixir70/ragol/internal/channel"
	"github.com/Elixir70/ragol/internal/config"
	"github.com/Elixir70/ragol/internal/crypto"
	"github.com/Elixir70/ragol/internal/license"
	"github.com/Elixir70/ragol/internal/protocol"
	"github.com/Elixir70/ragol/internal/protocol/packet"
)

func testServer(t *testing.T) (*Server, net.Listener, context.CancelFunc) {
	t.Helper()
	cfg := config.Default()
	idx := license.NewIndex(nil)
	idx.Add(&license.License{SerialNumber: 0x00ABCDEF, AccessKey: "key123"})

	srv := NewServer(cfg, idx, nil, nil, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, ln)
	return srv, ln, cancel
}

// recvBlocking fills the channel until one complete frame is available.
func recvBlocking(t *testing.T, ch *channel.Channel) channel.Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := ch.Recv()
		if err == nil {
			return msg
		}
		require.ErrorIs(t, err, channel.ErrNoCommand)
		require.NoError(t, ch.Fill())
	}
	t.Fatal("timed out waiting for command")
	return channel.Message{}
}

func TestHandshakeAndLogin(t *testing.T) {
	srv, ln, cancel := testServer(t)
	defer cancel()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	ch := channel.New(protocol.VersionV2, "test-client")
	ch.Bind(conn)

	// Server init carries copyright + server seed + client seed.
	init := recvBlocking(t, ch)
	require.Equal(t, uint16(CmdServerInitV2V3), init.Command)
	require.GreaterOrEqual(t, len(init.Data), 0x48)
	rd := packet.NewReader(init.Data[0x40:])
	serverSeed, err := rd.ReadUint32()
	require.NoError(t, err)
	clientSeed, err := rd.ReadUint32()
	require.NoError(t, err)

	// Mirror of the server's install: client encrypts with its seed,
	// decrypts with the server's.
	ch.SetCiphers(crypto.NewPCCipher(serverSeed), crypto.NewPCCipher(clientSeed))

	// V1 login with serial + access key.
	w := packet.NewWriter(0x40)
	w.WriteByte(0x01) // sub_version
	w.WriteByte(0x01) // language
	w.WriteUint16(0)
	w.WriteBytes(protocol.EncodeText("00ABCDEF", 16, protocol.EncodingASCII, ""))
	w.WriteBytes(protocol.EncodeText("key123", 16, protocol.EncodingASCII, ""))
	w.WriteBytes(protocol.EncodeText("Heathcliff", 16, protocol.EncodingLanguage1B, "\tE"))
	require.NoError(t, ch.Send(CmdLoginV1BB, 0, w.Bytes()))

	ack := recvBlocking(t, ch)
	require.Equal(t, uint16(CmdSecurityAck), ack.Command)
	ackRd := packet.NewReader(ack.Data)
	tag, err := ackRd.ReadUint32()
	require.NoError(t, err)
	require.Equal(t, uint32(0x00010000), tag)
	serial, err := ackRd.ReadUint32()
	require.NoError(t, err)
	require.Equal(t, uint32(0x00ABCDEF), serial)

	// The session is registered under its identity and in the lobby.
	require.Eventually(t, func() bool {
		c := srv.SessionBySerial(0x00ABCDEF)
		return c != nil && c.State() == ClientStateInLobby
	}, 2*time.Second, 10*time.Millisecond)

	c := srv.SessionBySerial(0x00ABCDEF)
	require.Equal(t, protocol.VersionV1, c.Version())
	require.Equal(t, "Heathcliff", c.Name())
}

func TestXBLogin(t *testing.T) {
	cfg := config.Default()
	idx := license.NewIndex(nil)
	idx.Add(&license.License{
		SerialNumber: 0x00424242,
		XBGamertag:   "MasterRaven",
		XBUserID:     0x0009000011112222,
		XBAccountID:  0x33334444,
	})
	srv := NewServer(cfg, idx, nil, nil, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ServeXB(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	ch := channel.New(protocol.VersionXB, "xb-client")
	ch.Bind(conn)

	init := recvBlocking(t, ch)
	require.Equal(t, uint16(CmdServerInitV2V3), init.Command)
	rd := packet.NewReader(init.Data[0x40:])
	serverSeed, _ := rd.ReadUint32()
	clientSeed, _ := rd.ReadUint32()
	// The Xbox family uses the GC cipher suite.
	ch.SetCiphers(crypto.NewGCCipher(serverSeed), crypto.NewGCCipher(clientSeed))

	w := packet.NewWriter(0x44)
	w.WriteByte(0x01) // sub_version
	w.WriteByte(0x01) // language
	w.WriteUint16(0)
	w.WriteBytes(protocol.EncodeText("MasterRaven", 16, protocol.EncodingASCII, ""))
	w.WriteBytes(protocol.EncodeText("0009000011112222", 16, protocol.EncodingASCII, ""))
	w.WriteBytes(protocol.EncodeText("Raven", 16, protocol.EncodingASCII, ""))
	var netloc [16]byte
	netloc[0], netloc[1] = 0x44, 0x44 // account id 0x33334444 LE
	netloc[2], netloc[3] = 0x33, 0x33
	w.WriteBytes(netloc[:])
	require.NoError(t, ch.Send(CmdLoginV3, 0, w.Bytes()))

	ack := recvBlocking(t, ch)
	require.Equal(t, uint16(CmdSecurityAck), ack.Command)

	require.Eventually(t, func() bool {
		c := srv.SessionBySerial(0x00424242)
		return c != nil && c.State() == ClientStateInLobby
	}, 2*time.Second, 10*time.Millisecond)

	c := srv.SessionBySerial(0x00424242)
	require.Equal(t, protocol.VersionXB, c.Version())
	require.Equal(t, "Raven", c.Name())
}

func TestLoginBadCredentialsTerminates(t *testing.T) {
	_, ln, cancel := testServer(t)
	defer cancel()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	ch := channel.New(protocol.VersionV2, "test-client")
	ch.Bind(conn)

	init := recvBlocking(t, ch)
	rd := packet.NewReader(init.Data[0x40:])
	serverSeed, _ := rd.ReadUint32()
	clientSeed, _ := rd.ReadUint32()
	ch.SetCiphers(crypto.NewPCCipher(serverSeed), crypto.NewPCCipher(clientSeed))

	w := packet.NewWriter(0x40)
	w.WriteByte(0x01)
	w.WriteByte(0x01)
	w.WriteUint16(0)
	w.WriteBytes(protocol.EncodeText("00ABCDEF", 16, protocol.EncodingASCII, ""))
	w.WriteBytes(protocol.EncodeText("wrong", 16, protocol.EncodingASCII, ""))
	w.WriteBytes(protocol.EncodeText("Nemo", 16, protocol.EncodingLanguage1B, "\tE"))
	require.NoError(t, ch.Send(CmdLoginV1BB, 0, w.Bytes()))

	// The server tears the connection down.
	require.Eventually(t, func() bool {
		return ch.Fill() != nil
	}, 3*time.Second, 20*time.Millisecond)
}
