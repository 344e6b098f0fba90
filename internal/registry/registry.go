// Package registry tracks live subscriber connections on one shard and
// delivers encoded frames to them.
package registry

import (
	"sync"
)

// Entry pairs a peer with its live connection.
type Entry struct {
	PeerID string
	AppID  string
	Conn   *Conn
}

// Registry is the in-memory index of connected sinks, keyed by peer id
// with a per-application reverse index for broadcasts.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Entry
	byApp map[string]map[string]*Entry
}

func New() *Registry {
	return &Registry{
		peers: make(map[string]*Entry),
		byApp: make(map[string]map[string]*Entry),
	}
}

// Add registers a connection under the given peer id.
func (r *Registry) Add(appID, peerID string, conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := &Entry{PeerID: peerID, AppID: appID, Conn: conn}
	r.peers[peerID] = entry
	if r.byApp[appID] == nil {
		r.byApp[appID] = make(map[string]*Entry)
	}
	r.byApp[appID][peerID] = entry
}

// Remove drops a peer from the index. Returns the removed entry, or nil
// when the peer was not present.
func (r *Registry) Remove(peerID string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.peers[peerID]
	if !ok {
		return nil
	}
	delete(r.peers, peerID)
	if app := r.byApp[entry.AppID]; app != nil {
		delete(app, peerID)
		if len(app) == 0 {
			delete(r.byApp, entry.AppID)
		}
	}
	return entry
}

// Get looks up a live peer.
func (r *Registry) Get(peerID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.peers[peerID]
	return entry, ok
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// SendTo queues a payload for one peer. Returns false when the peer is not
// connected here or its connection is going away.
func (r *Registry) SendTo(peerID string, payload []byte) bool {
	r.mu.RLock()
	entry, ok := r.peers[peerID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return entry.Conn.Send(payload)
}

// SendToMany queues a payload for each named peer and reports how many
// accepted it.
func (r *Registry) SendToMany(peerIDs []string, payload []byte) int {
	sent := 0
	for _, peerID := range peerIDs {
		if r.SendTo(peerID, payload) {
			sent++
		}
	}
	return sent
}

// BroadcastApp queues a payload for every connected sink of an application
// and reports how many accepted it.
func (r *Registry) BroadcastApp(appID string, payload []byte) int {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.byApp[appID]))
	for _, entry := range r.byApp[appID] {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	sent := 0
	for _, entry := range entries {
		if entry.Conn.Send(payload) {
			sent++
		}
	}
	return sent
}

// PeerIDs snapshots the ids of all live peers.
func (r *Registry) PeerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll begins shutdown of every connection with the given close code.
// Used when draining a shard.
func (r *Registry) CloseAll(code int, text string) {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.peers))
	for _, entry := range r.peers {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	for _, entry := range entries {
		entry.Conn.Close(code, text)
	}
}
