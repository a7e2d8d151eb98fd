package gameserver

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Elixir70/ragol/internal/channel"
	"github.com/Elixir70/ragol/internal/constants"
	"github.com/Elixir70/ragol/internal/license"
	"github.com/Elixir70/ragol/internal/lobby"
	"github.com/Elixir70/ragol/internal/player"
	"github.com/Elixir70/ragol/internal/protocol"
)

// ClientState tracks a connection's progress through the handshake.
type ClientState int32

const (
	ClientStateConnected ClientState = iota
	ClientStateLoggedIn
	ClientStateInLobby
	ClientStateDisconnected
)

const defaultWriteTimeout = 5 * time.Second

// Client is one connected game client: its channel, refined version,
// license identity, authoritative inventory, and lobby membership. The
// lobby back-reference is weak in the ownership sense: the registry owns
// the client, the lobby does not.
type Client struct {
	ch  *channel.Channel
	log *slog.Logger

	state atomic.Int32

	mu        sync.Mutex
	license   *license.License
	lobby     *lobby.Lobby
	name      string
	inventory *player.Inventory

	// joinQueue holds flagged subcommands while the client loads into a
	// game; nil when closed.
	joinQueue   []queuedCommand
	joinQueueOn bool

	// sendCh decouples fan-out from socket writes; a single writer
	// goroutine preserves cipher-state ordering.
	sendCh    chan outboundMessage
	closeCh   chan struct{}
	closeOnce sync.Once

	lastRecv atomic.Int64
}

type queuedCommand struct {
	command uint16
	flag    uint32
	payload []byte
}

type outboundMessage struct {
	command uint16
	flag    uint32
	payload []byte
}

// NewClient wraps a bound channel.
func NewClient(ch *channel.Channel) *Client {
	c := &Client{
		ch:        ch,
		log:       slog.With("client", ch.Name),
		inventory: player.NewInventory(),
		sendCh:    make(chan outboundMessage, constants.DefaultSendQueueSize),
		closeCh:   make(chan struct{}),
	}
	c.state.Store(int32(ClientStateConnected))
	c.lastRecv.Store(time.Now().UnixNano())
	go c.writeLoop()
	return c
}

func (c *Client) writeLoop() {
	for {
		select {
		case msg := <-c.sendCh:
			if err := c.ch.Send(msg.command, msg.flag, msg.payload); err != nil {
				c.log.Warn("writing to client", "error", err)
				c.Disconnect()
				return
			}
		case <-c.closeCh:
			// Drain whatever is already queued before closing.
			for {
				select {
				case msg := <-c.sendCh:
					if err := c.ch.Send(msg.command, msg.flag, msg.payload); err != nil {
						c.ch.Disconnect()
						return
					}
				default:
					c.ch.Disconnect()
					return
				}
			}
		}
	}
}

// Channel returns the underlying channel.
func (c *Client) Channel() *channel.Channel { return c.ch }

// State returns the connection state.
func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

// SetState advances the connection state.
func (c *Client) SetState(s ClientState) {
	c.state.Store(int32(s))
}

// Version returns the channel's (possibly refined) version tag.
func (c *Client) Version() protocol.Version { return c.ch.Version() }

// License returns the verified license, or nil before login.
func (c *Client) License() *license.License {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.license
}

// SetLicense records the verified identity.
func (c *Client) SetLicense(l *license.License) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.license = l
}

// Name returns the character name captured at login.
func (c *Client) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// SetName records the character name.
func (c *Client) SetName(n string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = n
}

// Inventory returns the authoritative inventory.
func (c *Client) Inventory() *player.Inventory {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inventory
}

// Lobby returns the current lobby, or nil. May legitimately be nil during
// teardown; callers treat that as "gone".
func (c *Client) Lobby() *lobby.Lobby {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lobby
}

// SetLobby records lobby membership.
func (c *Client) SetLobby(l *lobby.Lobby) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lobby = l
}

// Log returns the session logger.
func (c *Client) Log() *slog.Logger { return c.log }

// Send enqueues a command for the writer goroutine. Fails when the queue is
// saturated rather than blocking the router.
func (c *Client) Send(command uint16, flag uint32, payload []byte) error {
	p := make([]byte, len(payload))
	copy(p, payload)
	select {
	case c.sendCh <- outboundMessage{command, flag, p}:
		return nil
	case <-c.closeCh:
		return channel.ErrClosed
	default:
		return fmt.Errorf("send queue full")
	}
}

// OpenJoinQueue starts holding flagged subcommands for a join in progress.
func (c *Client) OpenJoinQueue() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joinQueueOn = true
	c.joinQueue = c.joinQueue[:0]
}

// EnqueueJoinCommand appends to the join queue if it is open.
func (c *Client) EnqueueJoinCommand(command uint16, flag uint32, payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joinQueueOn {
		return false
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	c.joinQueue = append(c.joinQueue, queuedCommand{command, flag, p})
	return true
}

// FlushJoinQueue closes the queue and replays everything held, in order.
func (c *Client) FlushJoinQueue() {
	c.mu.Lock()
	queued := c.joinQueue
	c.joinQueue = nil
	c.joinQueueOn = false
	c.mu.Unlock()

	for _, q := range queued {
		if err := c.Send(q.command, q.flag, q.payload); err != nil {
			c.log.Warn("flushing join queue", "error", err)
			return
		}
	}
}

// TouchRecv stamps inbound activity for the idle timer.
func (c *Client) TouchRecv() {
	c.lastRecv.Store(time.Now().UnixNano())
}

// IdleSince returns the duration since the last inbound command.
func (c *Client) IdleSince() time.Duration {
	return time.Duration(time.Now().UnixNano() - c.lastRecv.Load())
}

// Disconnect tears the connection down once; the writer goroutine drains
// pending output first.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.SetState(ClientStateDisconnected)
		close(c.closeCh)
	})
}
