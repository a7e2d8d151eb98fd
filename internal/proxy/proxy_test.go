package proxy

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

// fakeUpstream accepts one connection, performs the server side of the
// handshake, reads the replayed login, then drops the connection.
func fakeUpstream(t *testing.T) (net.Listener, chan channel.Message) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	got := make(chan channel.Message, 4)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		ch := channel.New(protocol.VersionV1, "fake-upstream")
		ch.Bind(conn)

		w := packet.NewWriter(0x48)
		w.WriteBytes(protocol.EncodeText("fake upstream", 0x40, protocol.EncodingASCII, ""))
		w.WriteUint32(0x1111) // server seed
		w.WriteUint32(0x2222) // client seed
		if err := ch.Send(0x02, 0, w.Bytes()); err != nil {
			return
		}
		ch.SetCiphers(crypto.NewPCCipher(0x2222), crypto.NewPCCipher(0x1111))

		// Read the replayed login, then drop the connection to trigger
		// the upstream-loss path.
		for {
			if err := ch.Fill(); err != nil {
				return
			}
			msg, err := ch.Recv()
			if err == nil {
				got <- msg
				conn.Close()
				return
			}
		}
	}()
	return ln, got
}

func TestUpstreamLossRedirectsClientHome(t *testing.T) {
	upLn, upGot := fakeUpstream(t)
	defer upLn.Close()
	upAddr := upLn.Addr().(*net.TCPAddr)

	cfg := config.Default()
	cfg.ServerName = "home-ship"
	cfg.ProxyUpstreams = map[string]config.Upstream{
		"V1": {Host: "127.0.0.1", Port: upAddr.Port},
	}

	idx := license.NewIndex(nil)
	idx.Add(&license.License{SerialNumber: 0x00ABCDEF, AccessKey: "key123"})
	srv := NewServer(cfg, idx, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, ln, protocol.VersionV2)

	// Client side: handshake with the proxy.
	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	ch := channel.New(protocol.VersionV2, "test-client")
	ch.Bind(conn)

	init := recvBlocking(t, ch)
	require.Equal(t, uint16(0x02), init.Command)
	rd := packet.NewReader(init.Data[0x40:])
	serverSeed, _ := rd.ReadUint32()
	clientSeed, _ := rd.ReadUint32()
	ch.SetCiphers(crypto.NewPCCipher(serverSeed), crypto.NewPCCipher(clientSeed))

	// Login (0x93, V1 variant) with known credentials.
	w := packet.NewWriter(0x40)
	w.WriteByte(0x01)
	w.WriteByte(0x01)
	w.WriteUint16(0)
	w.WriteBytes(protocol.EncodeText("00ABCDEF", 16, protocol.EncodingASCII, ""))
	w.WriteBytes(protocol.EncodeText("key123", 16, protocol.EncodingASCII, ""))
	w.WriteBytes(protocol.EncodeText("Red Ring", 16, protocol.EncodingLanguage1B, "\tE"))
	require.NoError(t, ch.Send(0x93, 0, w.Bytes()))

	// The channel version refines to V1 for everything after the login.
	ch.SetVersion(protocol.VersionV1)

	// The proxy replays the login upstream.
	replayed := <-upGot
	require.Equal(t, uint16(0x93), replayed.Command)

	// Upstream dropped: the client gets an info box naming the home
	// server, then the reconnect directive.
	infoSeen := false
	for {
		msg := recvBlocking(t, ch)
		if msg.Command == 0x11 {
			infoSeen = true
			require.Contains(t, protocol.DecodeText(msg.Data, protocol.EncodingLanguage1B), "home-ship")
			continue
		}
		require.Equal(t, uint16(0x19), msg.Command)
		require.True(t, infoSeen, "info box must precede the reconnect directive")
		rrd := packet.NewReader(msg.Data)
		addr, err := rrd.ReadBytes(4)
		require.NoError(t, err)
		require.Len(t, addr, 4)
		port, err := rrd.ReadUint16()
		require.NoError(t, err)
		require.Equal(t, uint16(cfg.GamePort), port)
		break
	}

	// CLOSE_IMMEDIATELY: the session registry drains.
	require.Eventually(t, func() bool {
		return srv.NumSessions() == 0
	}, 3*time.Second, 20*time.Millisecond)
}
