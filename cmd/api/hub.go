package main

import "sync"

// frameSender is the minimal interface the hub and presence registry need
// from a connection: the ability to push one frame to the client.
type frameSender interface {
	Send(frame) error
}

// RoomHub is the room multiplexer. It maps conversation ids to the set of
// connections currently subscribed, so an event addressed to a conversation
// reaches exactly its joined clients. Membership is per connection, not per
// identity: the same user in two tabs holds two independent subscriptions.
type RoomHub struct {
	mu    sync.Mutex
	rooms map[string]map[string]frameSender // room id -> conn id -> peer
	conns map[string]map[string]struct{}    // conn id -> joined room ids
}

// NewRoomHub creates an empty hub.
func NewRoomHub() *RoomHub {
	return &RoomHub{
		rooms: make(map[string]map[string]frameSender),
		conns: make(map[string]map[string]struct{}),
	}
}

// Join subscribes a connection to a room. Joining twice is a no-op.
func (h *RoomHub) Join(roomID, connID string, peer frameSender) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.rooms[roomID]; !ok {
		h.rooms[roomID] = make(map[string]frameSender)
	}
	h.rooms[roomID][connID] = peer

	if _, ok := h.conns[connID]; !ok {
		h.conns[connID] = make(map[string]struct{})
	}
	h.conns[connID][roomID] = struct{}{}
}

// Leave unsubscribes a connection from one room.
func (h *RoomHub) Leave(roomID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(roomID, connID)
}

// LeaveAll unsubscribes a connection from every room it joined. Called on
// disconnect.
func (h *RoomHub) LeaveAll(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for roomID := range h.conns[connID] {
		h.remove(roomID, connID)
	}
}

// remove must be called with the mutex held.
func (h *RoomHub) remove(roomID, connID string) {
	if peers, ok := h.rooms[roomID]; ok {
		delete(peers, connID)
		if len(peers) == 0 {
			delete(h.rooms, roomID)
		}
	}
	if rooms, ok := h.conns[connID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(h.conns, connID)
		}
	}
}

// Broadcast sends the frame to every connection in the room, the sender's
// own included. Delivery is best-effort: a peer whose write fails is dropped
// from all rooms and never retried.
func (h *RoomHub) Broadcast(roomID string, f frame) {
	h.broadcast(roomID, "", f)
}

// BroadcastExcept sends the frame to every connection in the room except the
// named one. Typing indicators use this so a client never sees its own.
func (h *RoomHub) BroadcastExcept(roomID, exceptConnID string, f frame) {
	h.broadcast(roomID, exceptConnID, f)
}

func (h *RoomHub) broadcast(roomID, exceptConnID string, f frame) {
	h.mu.Lock()
	targets := make(map[string]frameSender, len(h.rooms[roomID]))
	for connID, peer := range h.rooms[roomID] {
		if connID == exceptConnID {
			continue
		}
		targets[connID] = peer
	}
	h.mu.Unlock()

	var failed []string
	for connID, peer := range targets {
		if err := peer.Send(f); err != nil {
			failed = append(failed, connID)
		}
	}
	for _, connID := range failed {
		h.LeaveAll(connID)
	}
}
