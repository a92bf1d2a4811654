package gateway

import (
	"sync"

	"go.uber.org/zap"
)

func userRoom(ownerID string) string { return "user:" + ownerID }
func jobRoom(jobID string) string    { return "job:" + jobID }

// Hub tracks connected clients and the rooms they are in.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]map[string]struct{}
	rooms   map[string]map[*Client]struct{}
	log     *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]map[string]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
		log:     log,
	}
}

// Register adds c to the hub without joining any room.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = make(map[string]struct{})
	h.mu.Unlock()
}

// Unregister removes c from every room and closes it.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	h.remove(c)
	h.mu.Unlock()
	c.close()
}

func (h *Hub) remove(c *Client) {
	for room := range h.clients[c] {
		if members := h.rooms[room]; members != nil {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	delete(h.clients, c)
}

func (h *Hub) Join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	joined, ok := h.clients[c]
	if !ok {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][c] = struct{}{}
	joined[room] = struct{}{}
}

func (h *Hub) Leave(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members := h.rooms[room]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(h.clients[c], room)
}

// Broadcast sends f once to every client in any of rooms. Clients that cannot
// keep up are disconnected.
func (h *Hub) Broadcast(f Frame, rooms ...string) {
	h.mu.RLock()
	targets := make(map[*Client]struct{})
	for _, room := range rooms {
		for c := range h.rooms[room] {
			targets[c] = struct{}{}
		}
	}
	h.mu.RUnlock()

	var slow []*Client
	for c := range targets {
		if !c.offer(f) && !c.closed() {
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		h.log.Warn("disconnecting slow client", zap.String("client_id", c.ID), zap.String("owner_id", c.OwnerID))
		h.Unregister(c)
	}
}

// Send delivers f to a single client, disconnecting it when its buffer is full.
func (h *Hub) Send(c *Client, f Frame) bool {
	if c.offer(f) {
		return true
	}
	h.Unregister(c)
	return false
}

// HubStats is a point-in-time view of the hub.
type HubStats struct {
	Clients int `json:"clients"`
	Rooms   int `json:"rooms"`
}

func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HubStats{Clients: len(h.clients), Rooms: len(h.rooms)}
}
