package lobby

import (
	"testing"
	"time"

	"github.com/Elixir70/ragol/internal/constants"
	"github.com/Elixir70/ragol/internal/item"
	"github.com/Elixir70/ragol/internal/protocol"
)

// fakeClient records everything sent to it.
type fakeClient struct {
	version protocol.Version
	sent    []sentCommand
	queue   []sentCommand
	queued  bool
}

type sentCommand struct {
	command uint16
	flag    uint32
	payload []byte
}

func (f *fakeClient) Version() protocol.Version { return f.version }
func (f *fakeClient) Send(command uint16, flag uint32, payload []byte) error {
	p := make([]byte, len(payload))
	copy(p, payload)
	f.sent = append(f.sent, sentCommand{command, flag, p})
	return nil
}
func (f *fakeClient) EnqueueJoinCommand(command uint16, flag uint32, payload []byte) bool {
	if !f.queued {
		return false
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	f.queue = append(f.queue, sentCommand{command, flag, p})
	return true
}

func TestAddClientFillsLowestSlot(t *testing.T) {
	l := New(1, "test", true)
	a := &fakeClient{version: protocol.VersionGC}
	b := &fakeClient{version: protocol.VersionBB}

	slotA, err := l.AddClient(a, -1)
	if err != nil || slotA != 0 {
		t.Fatalf("slotA=%d err=%v", slotA, err)
	}
	slotB, err := l.AddClient(b, -1)
	if err != nil || slotB != 1 {
		t.Fatalf("slotB=%d err=%v", slotB, err)
	}
	if l.LeaderSlot() != 0 {
		t.Fatalf("leader slot %d, want 0", l.LeaderSlot())
	}

	l.RemoveClient(a)
	if l.LeaderSlot() != 1 {
		t.Fatalf("leader slot after removal %d, want 1", l.LeaderSlot())
	}
}

func TestAddClientFullLobby(t *testing.T) {
	l := New(1, "full", true)
	for i := 0; i < constants.MaxLobbyClients; i++ {
		if _, err := l.AddClient(&fakeClient{}, -1); err != nil {
			t.Fatalf("AddClient %d: %v", i, err)
		}
	}
	if _, err := l.AddClient(&fakeClient{}, -1); err != ErrNoFreeSlot {
		t.Fatalf("got %v, want ErrNoFreeSlot", err)
	}
}

func TestItemIDProgressionsDisjoint(t *testing.T) {
	l := New(1, "ids", true)
	seen := make(map[uint32]bool)
	for k := 0; k < constants.MaxLobbyClients; k++ {
		for i := 0; i < 100; i++ {
			id := l.ItemIDForClient(k)
			if seen[id] {
				t.Fatalf("duplicate ID %08X from slot %d", id, k)
			}
			seen[id] = true
		}
	}
	for i := 0; i < 100; i++ {
		id := l.ItemIDForClient(constants.ServerItemIDSlot)
		if seen[id] {
			t.Fatalf("server ID %08X collides with a client range", id)
		}
		seen[id] = true
	}
}

func TestOnItemIDGeneratedExternally(t *testing.T) {
	l := New(1, "ratchet", true)

	// Participant 0's counter starts at 0x00210000; advance it once.
	if id := l.ItemIDForClient(0); id != 0x00210000 {
		t.Fatalf("first ID %08X, want 00210000", id)
	}
	if id := l.ItemIDForClient(0); id != 0x00210001 {
		t.Fatalf("second ID %08X, want 00210001", id)
	}

	// The client creates an item with ID 0x00210002 on its own; the next
	// locally-minted ID must be strictly greater.
	l.OnItemIDGeneratedExternally(0x00210002)
	if id := l.ItemIDForClient(0); id != 0x00210003 {
		t.Fatalf("ratcheted ID %08X, want 00210003", id)
	}

	// An older ID must not move the counter backwards.
	l.OnItemIDGeneratedExternally(0x00210001)
	if id := l.ItemIDForClient(0); id != 0x00210004 {
		t.Fatalf("ID after stale ratchet %08X, want 00210004", id)
	}
}

func TestFloorItemVisibility(t *testing.T) {
	l := New(1, "floor", true)
	var it item.Item
	it.Data1[0] = item.KindWeapon
	it.ID = 0x0F000001

	l.AddItem(2, it, 10, 20, 0x00F)
	if !l.ItemExists(2, it.ID) {
		t.Fatal("item should exist")
	}

	fi := l.FindItem(2, it.ID)
	fi.ClearVisibilityBit(1)
	if fi.VisibleToClient(1) {
		t.Fatal("bit 1 should be cleared")
	}
	if !fi.VisibleToClient(0) {
		t.Fatal("bit 0 should remain set")
	}

	// A requester outside the mask is refused and the item stays.
	if _, err := l.RemoveItem(2, it.ID, 1); err != ErrNotVisible {
		t.Fatalf("got %v, want ErrNotVisible", err)
	}

	got, err := l.RemoveItem(2, it.ID, 0)
	if err != nil {
		t.Fatalf("RemoveItem: %v", err)
	}
	if !got.Data.Equal(&it) {
		t.Fatal("wrong item removed")
	}
	if _, err := l.RemoveItem(2, it.ID, 0); err != ErrItemNotFound {
		t.Fatalf("got %v, want ErrItemNotFound", err)
	}
}

func TestManagerDeferredDestruction(t *testing.T) {
	m := NewManager()
	l := m.CreateLobby("game", true)
	c := &fakeClient{}
	l.AddClient(c, -1)

	l.RemoveClient(c)
	m.OnClientRemoved(l)

	// Removed from the registry immediately...
	if m.Lobby(l.ID) != nil {
		t.Fatal("lobby should be out of the registry")
	}
	// ...but borrowed references stay usable during the same tick.
	if l.CountClients() != 0 {
		t.Fatal("borrowed reference should still work")
	}
	time.Sleep(20 * time.Millisecond)
}

func TestSpectatorCascade(t *testing.T) {
	m := NewManager()
	var disbanded []*Lobby
	m.DisbandNotice = func(w *Lobby, c Client) {
		disbanded = append(disbanded, w)
	}

	game := m.CreateLobby("game", true)
	spec := m.CreateLobby("spectators", true)
	game.AddWatcher(spec)
	watcher := &fakeClient{version: protocol.VersionGCEp3}
	spec.AddClient(watcher, -1)

	if spec.WatchedLobby() != game {
		t.Fatal("spectator not linked")
	}

	m.RemoveLobby(game)
	if len(disbanded) != 1 || disbanded[0] != spec {
		t.Fatalf("disband notices %v", disbanded)
	}
	if m.Lobby(spec.ID) != nil {
		t.Fatal("spectator lobby should cascade into destruction")
	}
	time.Sleep(20 * time.Millisecond)
}

func TestSpectatorUnlinkOnOwnDestruction(t *testing.T) {
	m := NewManager()
	game := m.CreateLobby("game", true)
	spec := m.CreateLobby("spec", true)
	game.AddWatcher(spec)

	m.RemoveLobby(spec)
	if len(game.Watchers()) != 0 {
		t.Fatal("watched lobby should drop the destroyed spectator")
	}
	time.Sleep(20 * time.Millisecond)
}
