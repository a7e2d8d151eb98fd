package lobby

import (
	"log/slog"
	"sync"
	"time"
)

// Manager owns every live lobby. Destruction is deferred: RemoveLobby moves
// the lobby into a to-destroy set and schedules an immediate-timeout sweep,
// so callers holding borrowed references during the same tick stay valid.
type Manager struct {
	mu        sync.Mutex
	lobbies   map[uint32]*Lobby
	toDestroy map[uint32]*Lobby
	nextID    uint32

	// DisbandNotice is called for each participant of a spectator lobby
	// whose watched lobby is being destroyed.
	DisbandNotice func(l *Lobby, c Client)
}

// NewManager creates an empty lobby registry.
func NewManager() *Manager {
	return &Manager{
		lobbies:   make(map[uint32]*Lobby),
		toDestroy: make(map[uint32]*Lobby),
		nextID:    1,
	}
}

// CreateLobby registers a new lobby.
func (m *Manager) CreateLobby(name string, isGame bool) *Lobby {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	l := New(id, name, isGame)
	m.lobbies[id] = l
	return l
}

// Lobby returns the lobby with the given ID, or nil.
func (m *Manager) Lobby(id uint32) *Lobby {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.lobbies[id]; ok {
		return l
	}
	return nil
}

// RemoveLobby schedules a lobby for destruction. A spectator lobby unlinks
// itself from its watched lobby; destroying a watched lobby cascades a
// disband notice (and destruction) to every spectator lobby referencing it.
func (m *Manager) RemoveLobby(l *Lobby) {
	m.mu.Lock()
	if _, live := m.lobbies[l.ID]; !live {
		m.mu.Unlock()
		return
	}
	delete(m.lobbies, l.ID)
	m.toDestroy[l.ID] = l
	m.mu.Unlock()

	if watched := l.WatchedLobby(); watched != nil {
		watched.unlinkWatcher(l)
	}
	for _, w := range l.Watchers() {
		if m.DisbandNotice != nil {
			w.ForEachClient(func(_ int, c Client) {
				m.DisbandNotice(w, c)
			})
		}
		m.RemoveLobby(w)
	}

	// Immediate-timeout sweep: references borrowed during this tick stay
	// valid until the timer fires.
	time.AfterFunc(0, m.destroyPending)
}

// OnClientRemoved destroys the lobby if it just became empty and is not
// persistent.
func (m *Manager) OnClientRemoved(l *Lobby) {
	if !l.Persistent && l.CountClients() == 0 {
		slog.Info("lobby is empty, scheduling destruction", "lobby", l.Name)
		m.RemoveLobby(l)
	}
}

func (m *Manager) destroyPending() {
	m.mu.Lock()
	pending := m.toDestroy
	m.toDestroy = make(map[uint32]*Lobby)
	m.mu.Unlock()

	for _, l := range pending {
		if r := l.Recorder(); r != nil {
			if err := r.Close(); err != nil {
				slog.Warn("closing lobby recorder", "lobby", l.Name, "error", err)
			}
		}
		slog.Info("lobby destroyed", "lobby", l.Name)
	}
}

// Count returns the number of live lobbies.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lobbies)
}
