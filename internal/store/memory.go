package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store used when DATABASE_URL is memory://.
// It mirrors the relational semantics of the Postgres implementation,
// including cascade deletes and result ordering.
type Memory struct {
	mu sync.RWMutex

	apps     map[string]*App
	peers    map[string]*memoryPeer
	channels map[string]*memoryChannel
	// app id + "\x00" + name -> channel id
	channelNames map[string]string
	// peer id -> channel id set
	subsByPeer map[string]map[string]struct{}
	// channel id -> peer id set
	subsByChannel map[string]map[string]struct{}
	// channel id -> messages in insertion order
	messages map[string][]StoredMessage
	shards   map[string]*ShardHandler

	seq int64
}

type memoryPeer struct {
	Peer
	seq int64
}

type memoryChannel struct {
	Channel
	seq int64
}

func NewMemory() *Memory {
	return &Memory{
		apps:          make(map[string]*App),
		peers:         make(map[string]*memoryPeer),
		channels:      make(map[string]*memoryChannel),
		channelNames:  make(map[string]string),
		subsByPeer:    make(map[string]map[string]struct{}),
		subsByChannel: make(map[string]map[string]struct{}),
		messages:      make(map[string][]StoredMessage),
		shards:        make(map[string]*ShardHandler),
	}
}

// SeedApp registers an application. Used at boot in memory mode and by tests.
func (m *Memory) SeedApp(app App) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apps[app.ID] = &app
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func (m *Memory) GetApp(ctx context.Context, appID string) (*App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	app, ok := m.apps[appID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *app
	return &copied, nil
}

func (m *Memory) InsertPeer(ctx context.Context, peer *Peer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.peers[peer.ID] = &memoryPeer{Peer: *peer, seq: m.seq}
	return nil
}

func (m *Memory) GetPeer(ctx context.Context, appID, peerID string) (*Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	peer, ok := m.peers[peerID]
	if !ok || peer.AppID != appID {
		return nil, ErrNotFound
	}
	copied := peer.Peer
	return &copied, nil
}

func (m *Memory) AuthenticatePeer(ctx context.Context, appID, peerID, userID string, userInfo json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	peer, ok := m.peers[peerID]
	if !ok || peer.AppID != appID {
		return ErrNotFound
	}
	peer.AuthenticatedUserID = userID
	peer.UserInfo = userInfo
	return nil
}

func (m *Memory) ResolvePeers(ctx context.Context, appID, subscriberID string) ([]Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*memoryPeer
	for _, peer := range m.peers {
		if peer.AppID != appID {
			continue
		}
		if peer.ID == subscriberID || peer.AuthenticatedUserID == subscriberID {
			matched = append(matched, peer)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		iExact := matched[i].ID == subscriberID
		jExact := matched[j].ID == subscriberID
		if iExact != jExact {
			return iExact
		}
		return matched[i].seq < matched[j].seq
	})

	peers := make([]Peer, 0, len(matched))
	for _, peer := range matched {
		peers = append(peers, peer.Peer)
	}
	return peers, nil
}

func (m *Memory) ReapPeer(ctx context.Context, peerID string) ([]ChannelReap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	channelIDs := make([]string, 0, len(m.subsByPeer[peerID]))
	for channelID := range m.subsByPeer[peerID] {
		channelIDs = append(channelIDs, channelID)
	}
	sort.Slice(channelIDs, func(i, j int) bool {
		return m.channels[channelIDs[i]].seq < m.channels[channelIDs[j]].seq
	})

	reaps := make([]ChannelReap, 0, len(channelIDs))
	for _, channelID := range channelIDs {
		reap := ChannelReap{Channel: m.channels[channelID].Channel}
		reap.Others = m.lockedMembers(channelID, peerID)
		reaps = append(reaps, reap)
	}

	m.lockedDeletePeer(peerID)
	return reaps, nil
}

func (m *Memory) ListShardPeers(ctx context.Context, shardID string) ([]Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*memoryPeer
	for _, peer := range m.peers {
		if peer.ShardID == shardID {
			matched = append(matched, peer)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	peers := make([]Peer, 0, len(matched))
	for _, peer := range matched {
		peers = append(peers, peer.Peer)
	}
	return peers, nil
}

func (m *Memory) DeleteAllPeers(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for peerID := range m.peers {
		m.lockedDeletePeer(peerID)
	}
	return nil
}

func (m *Memory) UpsertChannel(ctx context.Context, channel *Channel) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nameKey := channel.AppID + "\x00" + channel.Name
	if existingID, ok := m.channelNames[nameKey]; ok {
		existing := m.channels[existingID]
		existing.Auth = channel.Auth
		existing.Store = channel.Store
		return existingID, nil
	}

	created := *channel
	if created.ID == "" {
		created.ID = uuid.New().String()
	}
	m.seq++
	m.channels[created.ID] = &memoryChannel{Channel: created, seq: m.seq}
	m.channelNames[nameKey] = created.ID
	return created.ID, nil
}

func (m *Memory) GetChannel(ctx context.Context, appID, channelID string) (*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[channelID]
	if !ok || channel.AppID != appID {
		return nil, ErrNotFound
	}
	copied := channel.Channel
	return &copied, nil
}

func (m *Memory) DeleteChannel(ctx context.Context, appID, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	channel, ok := m.channels[channelID]
	if !ok || channel.AppID != appID {
		return ErrNotFound
	}

	for peerID := range m.subsByChannel[channelID] {
		delete(m.subsByPeer[peerID], channelID)
	}
	delete(m.subsByChannel, channelID)
	delete(m.messages, channelID)
	delete(m.channelNames, channel.AppID+"\x00"+channel.Name)
	delete(m.channels, channelID)
	return nil
}

func (m *Memory) InsertSubscription(ctx context.Context, appID, peerID, channelID string) (bool, []Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if set, ok := m.subsByPeer[peerID]; ok {
		if _, exists := set[channelID]; exists {
			return false, nil, nil
		}
	}
	if m.subsByPeer[peerID] == nil {
		m.subsByPeer[peerID] = make(map[string]struct{})
	}
	if m.subsByChannel[channelID] == nil {
		m.subsByChannel[channelID] = make(map[string]struct{})
	}
	m.subsByPeer[peerID][channelID] = struct{}{}
	m.subsByChannel[channelID][peerID] = struct{}{}
	return true, m.lockedMembers(channelID, peerID), nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, appID, peerID, channelID string) (bool, []Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.subsByPeer[peerID]
	if !ok {
		return false, nil, nil
	}
	if _, exists := set[channelID]; !exists {
		return false, nil, nil
	}
	delete(set, channelID)
	delete(m.subsByChannel[channelID], peerID)
	return true, m.lockedMembers(channelID, peerID), nil
}

func (m *Memory) IsSubscribed(ctx context.Context, appID, peerID, channelID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.subsByPeer[peerID]
	if !ok {
		return false, nil
	}
	_, exists := set[channelID]
	return exists, nil
}

func (m *Memory) ListMembers(ctx context.Context, channelID string) ([]Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lockedMembers(channelID, ""), nil
}

func (m *Memory) InsertStoredMessage(ctx context.Context, msg *StoredMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *msg
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	for i, existing := range m.messages[msg.ChannelID] {
		if existing.ID == msg.ID {
			stored.CreatedAt = existing.CreatedAt
			m.messages[msg.ChannelID][i] = stored
			return nil
		}
	}
	m.messages[msg.ChannelID] = append(m.messages[msg.ChannelID], stored)
	return nil
}

func (m *Memory) ListStoredMessageRefs(ctx context.Context, channelID string) ([]StoredMessageRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[channelID]
	refs := make([]StoredMessageRef, 0, len(msgs))
	for _, msg := range msgs {
		refs = append(refs, StoredMessageRef{ID: msg.ID, CreatedAt: msg.CreatedAt})
	}
	return refs, nil
}

func (m *Memory) GetStoredMessages(ctx context.Context, appID, channelID string, ids []string) ([]StoredMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	var msgs []StoredMessage
	for _, msg := range m.messages[channelID] {
		if msg.AppID != appID {
			continue
		}
		if _, ok := wanted[msg.ID]; ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

func (m *Memory) DeleteStoredMessages(ctx context.Context, appID, channelID string, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.messages[channelID]
	if len(ids) == 0 {
		deleted := int64(len(existing))
		delete(m.messages, channelID)
		return deleted, nil
	}

	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	var kept []StoredMessage
	var deleted int64
	for _, msg := range existing {
		if _, ok := wanted[msg.ID]; ok {
			deleted++
			continue
		}
		kept = append(kept, msg)
	}
	m.messages[channelID] = kept
	return deleted, nil
}

func (m *Memory) UpsertShardHandler(ctx context.Context, handler *ShardHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *handler
	m.shards[handler.ID] = &copied
	return nil
}

func (m *Memory) UpdateShardLoad(ctx context.Context, shardID string, connections int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if shard, ok := m.shards[shardID]; ok {
		shard.ConnectionCount = connections
	}
	return nil
}

func (m *Memory) DeleteShardHandler(ctx context.Context, shardID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.shards, shardID)
	return nil
}

func (m *Memory) ResetShardHandlers(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shards = make(map[string]*ShardHandler)
	return nil
}

// lockedMembers lists subscribers of a channel in join order, excluding
// skipPeerID when non-empty. Callers must hold at least the read lock.
func (m *Memory) lockedMembers(channelID, skipPeerID string) []Member {
	var matched []*memoryPeer
	for peerID := range m.subsByChannel[channelID] {
		if peerID == skipPeerID {
			continue
		}
		if peer, ok := m.peers[peerID]; ok {
			matched = append(matched, peer)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	members := make([]Member, 0, len(matched))
	for _, peer := range matched {
		members = append(members, Member{
			PeerID:   peer.ID,
			UserID:   peer.AuthenticatedUserID,
			UserInfo: peer.UserInfo,
		})
	}
	return members
}

// lockedDeletePeer removes a peer row and its subscriptions. Callers must
// hold the write lock.
func (m *Memory) lockedDeletePeer(peerID string) {
	for channelID := range m.subsByPeer[peerID] {
		delete(m.subsByChannel[channelID], peerID)
	}
	delete(m.subsByPeer, peerID)
	delete(m.peers, peerID)
}
