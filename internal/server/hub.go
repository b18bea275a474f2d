package server

import (
	"sync"
)

// Hub tracks the sockets connected to this instance and the per-match rooms
// they belong to. Rooms hold player ids so every socket of a player receives
// room traffic.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]struct{}
	byPlayer map[string]map[*Client]struct{}
	rooms    map[string]map[string]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients:  make(map[*Client]struct{}),
		byPlayer: make(map[string]map[*Client]struct{}),
		rooms:    make(map[string]map[string]struct{}),
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	set, ok := h.byPlayer[c.player.ID]
	if !ok {
		set = make(map[*Client]struct{})
		h.byPlayer[c.player.ID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	if set, ok := h.byPlayer[c.player.ID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byPlayer, c.player.ID)
		}
	}
}

func (h *Hub) joinRoom(matchID, playerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[matchID]
	if !ok {
		room = make(map[string]struct{})
		h.rooms[matchID] = room
	}
	room[playerID] = struct{}{}
}

func (h *Hub) leaveRoom(matchID, playerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[matchID]
	if !ok {
		return
	}
	delete(room, playerID)
	if len(room) == 0 {
		delete(h.rooms, matchID)
	}
}

func (h *Hub) inRoom(matchID, playerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[matchID][playerID]
	return ok
}

// broadcast queues msg for every local socket.
func (h *Hub) broadcast(msg []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.enqueue(msg)
	}
}

// sendToRoom queues msg for every socket of every player in the room.
func (h *Hub) sendToRoom(matchID string, msg []byte) {
	h.mu.RLock()
	var targets []*Client
	for playerID := range h.rooms[matchID] {
		for c := range h.byPlayer[playerID] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.enqueue(msg)
	}
}

// closeAll disconnects every socket.
func (h *Hub) closeAll() {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.close("server shutting down")
	}
}
