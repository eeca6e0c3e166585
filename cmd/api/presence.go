package main

import (
	"sort"
	"sync"
)

// PresenceRegistry tracks which identities are currently connected. Each
// connection registers once after a successful authenticate; the same
// identity connected from several tabs appears once in the snapshot and
// stays present until its last connection unregisters.
type PresenceRegistry struct {
	mu    sync.Mutex
	conns map[string]presenceEntry // conn id -> identity + peer
}

type presenceEntry struct {
	identity string
	peer     frameSender
}

// NewPresenceRegistry creates an empty registry.
func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{conns: make(map[string]presenceEntry)}
}

// Register records an authenticated connection.
func (p *PresenceRegistry) Register(connID, identity string, peer frameSender) {
	p.mu.Lock()
	p.conns[connID] = presenceEntry{identity: identity, peer: peer}
	p.mu.Unlock()
}

// Unregister removes a connection. Unknown ids are a no-op.
func (p *PresenceRegistry) Unregister(connID string) {
	p.mu.Lock()
	delete(p.conns, connID)
	p.mu.Unlock()
}

// Identities returns the deduplicated sorted list of online identities.
func (p *PresenceRegistry) Identities() []string {
	p.mu.Lock()
	seen := make(map[string]struct{}, len(p.conns))
	for _, e := range p.conns {
		seen[e.identity] = struct{}{}
	}
	p.mu.Unlock()

	out := make([]string, 0, len(seen))
	for identity := range seen {
		out = append(out, identity)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of live connections (not identities); the health
// endpoint reports it.
func (p *PresenceRegistry) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// BroadcastAll sends the frame to every registered connection. Peers whose
// write fails are unregistered.
func (p *PresenceRegistry) BroadcastAll(f frame) {
	p.mu.Lock()
	targets := make(map[string]frameSender, len(p.conns))
	for connID, e := range p.conns {
		targets[connID] = e.peer
	}
	p.mu.Unlock()

	var failed []string
	for connID, peer := range targets {
		if err := peer.Send(f); err != nil {
			failed = append(failed, connID)
		}
	}
	for _, connID := range failed {
		p.Unregister(connID)
	}
}
