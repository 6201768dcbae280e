package devserver

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/putto11262002/chatsync/core"
)

var ErrHubClosed = errors.New("hub closed")

// inbound is an event read from a peer.
type inbound struct {
	peer  *peer
	event *core.Event
}

// Hub holds the open client connections, grouped by user, and the rooms they
// joined.
type Hub struct {
	peers  map[string][]*peer
	nextID int
	closed bool
	mu     sync.RWMutex

	rooms *syncMap[string, map[*peer]struct{}]

	received chan inbound
	done     chan struct{}
	wg       sync.WaitGroup
	logger   *slog.Logger
	upgrader websocket.Upgrader

	onUserConnected    func(string)
	onUserDisconnected func(string)
}

type HubOption func(*Hub)

func WithCheckOrigin(f func(r *http.Request) bool) HubOption {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = f
	}
}

func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = l
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		peers:    make(map[string][]*peer),
		rooms:    newSyncMap[string, map[*peer]struct{}](),
		received: make(chan inbound, 100),
		done:     make(chan struct{}),
		logger:   slog.Default(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		onUserConnected:    func(string) {},
		onUserDisconnected: func(string) {},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// receive delivers the events read from every peer.
func (h *Hub) receive() <-chan inbound {
	return h.received
}

// OnUserConnected is called when the first connection of a user opens.
func (h *Hub) OnUserConnected(f func(string)) {
	h.onUserConnected = f
}

// OnUserDisconnected is called when the last connection of a user closes.
func (h *Hub) OnUserDisconnected(f func(string)) {
	h.onUserDisconnected = f
}

// Connect upgrades the request and registers the connection for userID.
func (h *Hub) Connect(userID string, w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		return fmt.Errorf("upgrade: %w", err)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return ErrHubClosed
	}
	h.nextID++
	p := newPeer(h.nextID, userID, conn, h.logger)
	first := len(h.peers[userID]) == 0
	h.peers[userID] = append(h.peers[userID], p)
	h.wg.Add(2)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		p.writeLoop()
	}()
	go func() {
		defer h.wg.Done()
		p.readLoop(h.deliver)
		h.disconnect(p)
	}()

	if first {
		h.onUserConnected(userID)
	}
	return nil
}

func (h *Hub) deliver(p *peer, e *core.Event) {
	select {
	case h.received <- inbound{peer: p, event: e}:
	case <-h.done:
	}
}

func (h *Hub) disconnect(p *peer) {
	h.mu.Lock()
	peers := h.peers[p.userID]
	if i := slices.Index(peers, p); i >= 0 {
		peers = slices.Delete(peers, i, i+1)
	}
	last := len(peers) == 0
	if last {
		delete(h.peers, p.userID)
	} else {
		h.peers[p.userID] = peers
	}
	rooms := slices.Collect(maps.Keys(p.rooms))
	clear(p.rooms)
	h.mu.Unlock()

	for _, room := range rooms {
		h.leave(p, room)
	}
	if last {
		h.onUserDisconnected(p.userID)
	}
}

// Join adds the connection to room.
func (h *Hub) Join(p *peer, room string) {
	h.mu.Lock()
	p.rooms[room] = struct{}{}
	h.mu.Unlock()

	h.rooms.Update(room, func(members map[*peer]struct{}, ok bool) (map[*peer]struct{}, bool) {
		if !ok {
			members = make(map[*peer]struct{})
		}
		members[p] = struct{}{}
		return members, true
	})
	p.logger.Debug(fmt.Sprintf("joined %s", room))
}

func (h *Hub) leave(p *peer, room string) {
	h.rooms.Update(room, func(members map[*peer]struct{}, ok bool) (map[*peer]struct{}, bool) {
		if !ok {
			return nil, false
		}
		delete(members, p)
		return members, len(members) > 0
	})
}

// SendToRoom sends e to every connection in room except the excluded one.
func (h *Hub) SendToRoom(room string, e *core.Event, except *peer) {
	h.rooms.View(room, func(members map[*peer]struct{}, _ bool) {
		for p := range members {
			if p != except {
				p.send(e)
			}
		}
	})
}

// SendToUsers sends e to every connection of the users.
func (h *Hub) SendToUsers(e *core.Event, userIDs ...string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, userID := range userIDs {
		for _, p := range h.peers[userID] {
			p.send(e)
		}
	}
}

// Broadcast sends e to every connection not owned by exceptUser.
func (h *Hub) Broadcast(e *core.Event, exceptUser string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for userID, peers := range h.peers {
		if userID == exceptUser {
			continue
		}
		for _, p := range peers {
			p.send(e)
		}
	}
}

// InRoom reports whether a connection of userID has joined room.
func (h *Hub) InRoom(userID, room string) bool {
	in := false
	h.rooms.View(room, func(members map[*peer]struct{}, _ bool) {
		for p := range members {
			if p.userID == userID {
				in = true
				return
			}
		}
	})
	return in
}

// Online returns the ids of the users with at least one connection, sorted.
func (h *Hub) Online() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Sorted(maps.Keys(h.peers))
}

// IsUserConnected reports whether userID has at least one connection.
func (h *Hub) IsUserConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.peers[userID]
	return ok
}

// DropConnections closes every socket without a close handshake, as a network
// failure would.
func (h *Hub) DropConnections() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, peers := range h.peers {
		for _, p := range peers {
			p.kill()
		}
	}
}

// Close closes every connection and waits for their pumps to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.done)
	for _, peers := range h.peers {
		for _, p := range peers {
			p.kill()
		}
	}
	h.mu.Unlock()
	h.wg.Wait()
}
