package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Wundero/sinkr/pkg/logging"
)

// Postgres implements Store on database/sql with lib/pq.
type Postgres struct {
	db     *sql.DB
	logger logging.Logger
}

// NewPostgres wraps an open connection pool.
func NewPostgres(db *sql.DB, logger logging.Logger) *Postgres {
	return &Postgres{db: db, logger: logger}
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Postgres) Close() error {
	return s.db.Close()
}

func (s *Postgres) GetApp(ctx context.Context, appID string) (*App, error) {
	query := `SELECT id, name, secret_key, enabled FROM apps WHERE id = $1`

	var app App
	err := s.db.QueryRowContext(ctx, query, appID).Scan(&app.ID, &app.Name, &app.SecretKey, &app.Enabled)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get app: %w", err)
	}
	return &app, nil
}

func (s *Postgres) InsertPeer(ctx context.Context, peer *Peer) error {
	query := `
		INSERT INTO peers (id, app_id, type, authenticated_user_id, user_info, shard_id)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		peer.ID, peer.AppID, string(peer.Type),
		nullString(peer.AuthenticatedUserID), nullJSON(peer.UserInfo), peer.ShardID)
	if err != nil {
		return fmt.Errorf("failed to insert peer: %w", err)
	}
	return nil
}

func (s *Postgres) GetPeer(ctx context.Context, appID, peerID string) (*Peer, error) {
	query := `
		SELECT id, app_id, type, authenticated_user_id, user_info, shard_id
		FROM peers WHERE app_id = $1 AND id = $2`

	peer, err := scanPeer(s.db.QueryRowContext(ctx, query, appID, peerID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get peer: %w", err)
	}
	return peer, nil
}

func (s *Postgres) AuthenticatePeer(ctx context.Context, appID, peerID, userID string, userInfo json.RawMessage) error {
	query := `
		UPDATE peers SET authenticated_user_id = $3, user_info = $4
		WHERE app_id = $1 AND id = $2`

	result, err := s.db.ExecContext(ctx, query, appID, peerID, userID, nullJSON(userInfo))
	if err != nil {
		return fmt.Errorf("failed to authenticate peer: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to authenticate peer: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ResolvePeers(ctx context.Context, appID, subscriberID string) ([]Peer, error) {
	// Exact peer id matches sort ahead of user id matches.
	query := `
		SELECT id, app_id, type, authenticated_user_id, user_info, shard_id
		FROM peers
		WHERE app_id = $1 AND (id = $2 OR authenticated_user_id = $2)
		ORDER BY (id = $2) DESC, created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, appID, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve peers: %w", err)
	}
	defer rows.Close()

	var peers []Peer
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve peers: %w", err)
		}
		peers = append(peers, *peer)
	}
	return peers, rows.Err()
}

func (s *Postgres) ReapPeer(ctx context.Context, peerID string) ([]ChannelReap, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin reap: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	channelQuery := `
		SELECT c.id, c.app_id, c.name, c.auth, c.store
		FROM channels c
		JOIN peer_channel_subscriptions s ON s.channel_id = c.id
		WHERE s.peer_id = $1`

	rows, err := tx.QueryContext(ctx, channelQuery, peerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reaped channels: %w", err)
	}

	reapByChannel := make(map[string]*ChannelReap)
	var channelIDs []string
	for rows.Next() {
		var ch Channel
		if err := rows.Scan(&ch.ID, &ch.AppID, &ch.Name, &ch.Auth, &ch.Store); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan reaped channel: %w", err)
		}
		reapByChannel[ch.ID] = &ChannelReap{Channel: ch}
		channelIDs = append(channelIDs, ch.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list reaped channels: %w", err)
	}

	if len(channelIDs) > 0 {
		memberQuery := `
			SELECT s.channel_id, p.id, p.authenticated_user_id, p.user_info
			FROM peer_channel_subscriptions s
			JOIN peers p ON p.id = s.peer_id
			WHERE s.channel_id = ANY($1) AND s.peer_id <> $2`

		memberRows, err := tx.QueryContext(ctx, memberQuery, pq.Array(channelIDs), peerID)
		if err != nil {
			return nil, fmt.Errorf("failed to list co-members: %w", err)
		}
		for memberRows.Next() {
			var channelID string
			var member Member
			var userID sql.NullString
			var userInfo []byte
			if err := memberRows.Scan(&channelID, &member.PeerID, &userID, &userInfo); err != nil {
				memberRows.Close()
				return nil, fmt.Errorf("failed to scan co-member: %w", err)
			}
			member.UserID = userID.String
			member.UserInfo = userInfo
			if reap, ok := reapByChannel[channelID]; ok {
				reap.Others = append(reap.Others, member)
			}
		}
		memberRows.Close()
		if err := memberRows.Err(); err != nil {
			return nil, fmt.Errorf("failed to list co-members: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM peers WHERE id = $1`, peerID); err != nil {
		return nil, fmt.Errorf("failed to delete peer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reap: %w", err)
	}

	reaps := make([]ChannelReap, 0, len(channelIDs))
	for _, id := range channelIDs {
		reaps = append(reaps, *reapByChannel[id])
	}
	return reaps, nil
}

func (s *Postgres) ListShardPeers(ctx context.Context, shardID string) ([]Peer, error) {
	query := `
		SELECT id, app_id, type, authenticated_user_id, user_info, shard_id
		FROM peers WHERE shard_id = $1 ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, shardID)
	if err != nil {
		return nil, fmt.Errorf("failed to list shard peers: %w", err)
	}
	defer rows.Close()

	var peers []Peer
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan shard peer: %w", err)
		}
		peers = append(peers, *peer)
	}
	return peers, rows.Err()
}

func (s *Postgres) DeleteAllPeers(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM peers`); err != nil {
		return fmt.Errorf("failed to clear peers: %w", err)
	}
	return nil
}

func (s *Postgres) UpsertChannel(ctx context.Context, channel *Channel) (string, error) {
	if channel.ID == "" {
		channel.ID = uuid.New().String()
	}
	query := `
		INSERT INTO channels (id, app_id, name, auth, store)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (app_id, name)
		DO UPDATE SET auth = EXCLUDED.auth, store = EXCLUDED.store
		RETURNING id`

	var id string
	err := s.db.QueryRowContext(ctx, query,
		channel.ID, channel.AppID, channel.Name, string(channel.Auth), channel.Store).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to upsert channel: %w", err)
	}
	return id, nil
}

func (s *Postgres) GetChannel(ctx context.Context, appID, channelID string) (*Channel, error) {
	query := `SELECT id, app_id, name, auth, store FROM channels WHERE app_id = $1 AND id = $2`

	var ch Channel
	err := s.db.QueryRowContext(ctx, query, appID, channelID).Scan(&ch.ID, &ch.AppID, &ch.Name, &ch.Auth, &ch.Store)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return &ch, nil
}

func (s *Postgres) DeleteChannel(ctx context.Context, appID, channelID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE app_id = $1 AND id = $2`, appID, channelID)
	if err != nil {
		return fmt.Errorf("failed to delete channel: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete channel: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) InsertSubscription(ctx context.Context, appID, peerID, channelID string) (bool, []Member, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("failed to begin subscribe: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := `
		INSERT INTO peer_channel_subscriptions (id, app_id, peer_id, channel_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (app_id, peer_id, channel_id) DO NOTHING`

	result, err := tx.ExecContext(ctx, insert, uuid.New().String(), appID, peerID, channelID)
	if err != nil {
		return false, nil, fmt.Errorf("failed to insert subscription: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("failed to insert subscription: %w", err)
	}
	if affected == 0 {
		return false, nil, tx.Commit()
	}

	members, err := listOtherMembers(ctx, tx, channelID, peerID)
	if err != nil {
		return false, nil, err
	}
	if err := tx.Commit(); err != nil {
		return false, nil, fmt.Errorf("failed to commit subscribe: %w", err)
	}
	return true, members, nil
}

func (s *Postgres) DeleteSubscription(ctx context.Context, appID, peerID, channelID string) (bool, []Member, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("failed to begin unsubscribe: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	del := `
		DELETE FROM peer_channel_subscriptions
		WHERE app_id = $1 AND peer_id = $2 AND channel_id = $3`

	result, err := tx.ExecContext(ctx, del, appID, peerID, channelID)
	if err != nil {
		return false, nil, fmt.Errorf("failed to delete subscription: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("failed to delete subscription: %w", err)
	}
	if affected == 0 {
		return false, nil, tx.Commit()
	}

	members, err := listOtherMembers(ctx, tx, channelID, peerID)
	if err != nil {
		return false, nil, err
	}
	if err := tx.Commit(); err != nil {
		return false, nil, fmt.Errorf("failed to commit unsubscribe: %w", err)
	}
	return true, members, nil
}

// listOtherMembers reads a channel's members inside the caller's
// transaction, excluding one peer.
func listOtherMembers(ctx context.Context, tx *sql.Tx, channelID, skipPeerID string) ([]Member, error) {
	query := `
		SELECT p.id, p.authenticated_user_id, p.user_info
		FROM peer_channel_subscriptions s
		JOIN peers p ON p.id = s.peer_id
		WHERE s.channel_id = $1 AND s.peer_id <> $2
		ORDER BY p.created_at ASC`

	rows, err := tx.QueryContext(ctx, query, channelID, skipPeerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var member Member
		var userID sql.NullString
		var userInfo []byte
		if err := rows.Scan(&member.PeerID, &userID, &userInfo); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		member.UserID = userID.String
		member.UserInfo = userInfo
		members = append(members, member)
	}
	return members, rows.Err()
}

func (s *Postgres) IsSubscribed(ctx context.Context, appID, peerID, channelID string) (bool, error) {
	query := `
		SELECT 1 FROM peer_channel_subscriptions
		WHERE app_id = $1 AND peer_id = $2 AND channel_id = $3`

	var one int
	err := s.db.QueryRowContext(ctx, query, appID, peerID, channelID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check subscription: %w", err)
	}
	return true, nil
}

func (s *Postgres) ListMembers(ctx context.Context, channelID string) ([]Member, error) {
	query := `
		SELECT p.id, p.authenticated_user_id, p.user_info
		FROM peer_channel_subscriptions s
		JOIN peers p ON p.id = s.peer_id
		WHERE s.channel_id = $1
		ORDER BY p.created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var member Member
		var userID sql.NullString
		var userInfo []byte
		if err := rows.Scan(&member.PeerID, &userID, &userInfo); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		member.UserID = userID.String
		member.UserInfo = userInfo
		members = append(members, member)
	}
	return members, rows.Err()
}

func (s *Postgres) InsertStoredMessage(ctx context.Context, msg *StoredMessage) error {
	query := `
		INSERT INTO stored_channel_messages (id, app_id, channel_id, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`

	_, err := s.db.ExecContext(ctx, query, msg.ID, msg.AppID, msg.ChannelID, []byte(msg.Data))
	if err != nil {
		return fmt.Errorf("failed to insert stored message: %w", err)
	}
	return nil
}

func (s *Postgres) ListStoredMessageRefs(ctx context.Context, channelID string) ([]StoredMessageRef, error) {
	query := `
		SELECT id, created_at FROM stored_channel_messages
		WHERE channel_id = $1 ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stored messages: %w", err)
	}
	defer rows.Close()

	var refs []StoredMessageRef
	for rows.Next() {
		var ref StoredMessageRef
		if err := rows.Scan(&ref.ID, &ref.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stored message: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (s *Postgres) GetStoredMessages(ctx context.Context, appID, channelID string, ids []string) ([]StoredMessage, error) {
	query := `
		SELECT id, app_id, channel_id, created_at, data
		FROM stored_channel_messages
		WHERE app_id = $1 AND channel_id = $2 AND id = ANY($3)
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, appID, channelID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to get stored messages: %w", err)
	}
	defer rows.Close()

	var msgs []StoredMessage
	for rows.Next() {
		var msg StoredMessage
		var data []byte
		if err := rows.Scan(&msg.ID, &msg.AppID, &msg.ChannelID, &msg.CreatedAt, &data); err != nil {
			return nil, fmt.Errorf("failed to scan stored message: %w", err)
		}
		msg.Data = data
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *Postgres) DeleteStoredMessages(ctx context.Context, appID, channelID string, ids []string) (int64, error) {
	var result sql.Result
	var err error
	if len(ids) == 0 {
		query := `DELETE FROM stored_channel_messages WHERE app_id = $1 AND channel_id = $2`
		result, err = s.db.ExecContext(ctx, query, appID, channelID)
	} else {
		query := `DELETE FROM stored_channel_messages WHERE app_id = $1 AND channel_id = $2 AND id = ANY($3)`
		result, err = s.db.ExecContext(ctx, query, appID, channelID, pq.Array(ids))
	}
	if err != nil {
		return 0, fmt.Errorf("failed to delete stored messages: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to delete stored messages: %w", err)
	}
	return affected, nil
}

func (s *Postgres) UpsertShardHandler(ctx context.Context, handler *ShardHandler) error {
	query := `
		INSERT INTO shard_handlers (id, connection_count, worker_id, advertise_addr, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id)
		DO UPDATE SET connection_count = EXCLUDED.connection_count,
			worker_id = EXCLUDED.worker_id,
			advertise_addr = EXCLUDED.advertise_addr,
			updated_at = now()`

	_, err := s.db.ExecContext(ctx, query,
		handler.ID, handler.ConnectionCount, nullString(handler.WorkerID), nullString(handler.AdvertiseAddr))
	if err != nil {
		return fmt.Errorf("failed to upsert shard handler: %w", err)
	}
	return nil
}

func (s *Postgres) UpdateShardLoad(ctx context.Context, shardID string, connections int) error {
	query := `UPDATE shard_handlers SET connection_count = $2, updated_at = now() WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, shardID, connections); err != nil {
		return fmt.Errorf("failed to update shard load: %w", err)
	}
	return nil
}

func (s *Postgres) DeleteShardHandler(ctx context.Context, shardID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM shard_handlers WHERE id = $1`, shardID); err != nil {
		return fmt.Errorf("failed to delete shard handler: %w", err)
	}
	return nil
}

func (s *Postgres) ResetShardHandlers(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM shard_handlers`); err != nil {
		return fmt.Errorf("failed to reset shard handlers: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPeer(row rowScanner) (*Peer, error) {
	var peer Peer
	var peerType string
	var userID sql.NullString
	var userInfo []byte
	if err := row.Scan(&peer.ID, &peer.AppID, &peerType, &userID, &userInfo, &peer.ShardID); err != nil {
		return nil, err
	}
	peer.Type = PeerType(peerType)
	peer.AuthenticatedUserID = userID.String
	peer.UserInfo = userInfo
	return &peer, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
