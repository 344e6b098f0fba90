package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/Wundero/sinkr/pkg/logging"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgres(db, logging.NewLoggerWithService("store-test")), mock
}

func TestGetApp(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, name, secret_key, enabled FROM apps WHERE id = $1`)).
		WithArgs("app-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "secret_key", "enabled"}).
			AddRow("app-1", "demo", "sk_test", true))

	app, err := s.GetApp(context.Background(), "app-1")
	if err != nil {
		t.Fatalf("GetApp returned unexpected error: %v", err)
	}
	if app.SecretKey != "sk_test" || !app.Enabled {
		t.Fatalf("unexpected app: %+v", app)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet SQL expectations: %v", err)
	}
}

func TestGetAppNotFound(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, name, secret_key, enabled FROM apps WHERE id = $1`)).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	if _, err := s.GetApp(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAuthenticatePeerMissingPeer(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE peers SET authenticated_user_id = $3, user_info = $4`)).
		WithArgs("app-1", "peer-1", "user-1", []byte(`{"name":"a"}`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.AuthenticatePeer(context.Background(), "app-1", "peer-1", "user-1", []byte(`{"name":"a"}`))
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for unknown peer, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet SQL expectations: %v", err)
	}
}

func TestResolvePeersPrefersExactIDMatch(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY (id = $2) DESC, created_at ASC`)).
		WithArgs("app-1", "user-7").
		WillReturnRows(sqlmock.NewRows([]string{"id", "app_id", "type", "authenticated_user_id", "user_info", "shard_id"}).
			AddRow("user-7", "app-1", "sink", nil, nil, "shard-1").
			AddRow("peer-2", "app-1", "sink", "user-7", []byte(`{}`), "shard-2"))

	peers, err := s.ResolvePeers(context.Background(), "app-1", "user-7")
	if err != nil {
		t.Fatalf("ResolvePeers returned unexpected error: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(peers))
	}
	if peers[0].ID != "user-7" {
		t.Fatalf("expected exact id match first, got %q", peers[0].ID)
	}
	if peers[1].AuthenticatedUserID != "user-7" {
		t.Fatalf("expected user id match second, got %+v", peers[1])
	}
}

func TestReapPeerCollectsChannelsAndCoMembers(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`JOIN peer_channel_subscriptions s ON s.channel_id = c.id`)).
		WithArgs("peer-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "app_id", "name", "auth", "store"}).
			AddRow("chan-1", "app-1", "room", "presence", false))
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE s.channel_id = ANY($1) AND s.peer_id <> $2`)).
		WithArgs(pq.Array([]string{"chan-1"}), "peer-1").
		WillReturnRows(sqlmock.NewRows([]string{"channel_id", "id", "authenticated_user_id", "user_info"}).
			AddRow("chan-1", "peer-2", "user-2", []byte(`{"name":"b"}`)))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM peers WHERE id = $1`)).
		WithArgs("peer-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	reaps, err := s.ReapPeer(context.Background(), "peer-1")
	if err != nil {
		t.Fatalf("ReapPeer returned unexpected error: %v", err)
	}
	if len(reaps) != 1 {
		t.Fatalf("expected 1 reaped channel, got %d", len(reaps))
	}
	if reaps[0].Channel.ID != "chan-1" || reaps[0].Channel.Auth != "presence" {
		t.Fatalf("unexpected reaped channel: %+v", reaps[0].Channel)
	}
	if len(reaps[0].Others) != 1 || reaps[0].Others[0].PeerID != "peer-2" {
		t.Fatalf("unexpected co-members: %+v", reaps[0].Others)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet SQL expectations: %v", err)
	}
}

func TestReapPeerWithoutSubscriptions(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`JOIN peer_channel_subscriptions s ON s.channel_id = c.id`)).
		WithArgs("peer-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "app_id", "name", "auth", "store"}))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM peers WHERE id = $1`)).
		WithArgs("peer-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	reaps, err := s.ReapPeer(context.Background(), "peer-1")
	if err != nil {
		t.Fatalf("ReapPeer returned unexpected error: %v", err)
	}
	if len(reaps) != 0 {
		t.Fatalf("expected no reaped channels, got %d", len(reaps))
	}
}

func TestUpsertChannelReturnsExistingID(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta(`ON CONFLICT (app_id, name)`)).
		WithArgs(sqlmock.AnyArg(), "app-1", "room", "private", true).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("chan-existing"))

	id, err := s.UpsertChannel(context.Background(), &Channel{
		AppID: "app-1",
		Name:  "room",
		Auth:  "private",
		Store: true,
	})
	if err != nil {
		t.Fatalf("UpsertChannel returned unexpected error: %v", err)
	}
	if id != "chan-existing" {
		t.Fatalf("expected existing channel id, got %q", id)
	}
}

func TestDeleteChannelNotFound(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM channels WHERE app_id = $1 AND id = $2`)).
		WithArgs("app-1", "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.DeleteChannel(context.Background(), "app-1", "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertSubscriptionConflictReturnsFalse(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (app_id, peer_id, channel_id) DO NOTHING`)).
		WithArgs(sqlmock.AnyArg(), "app-1", "peer-1", "chan-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	inserted, _, err := s.InsertSubscription(context.Background(), "app-1", "peer-1", "chan-1")
	if err != nil {
		t.Fatalf("InsertSubscription returned unexpected error: %v", err)
	}
	if inserted {
		t.Fatal("expected duplicate subscription to report not inserted")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet SQL expectations: %v", err)
	}
}

func TestInsertSubscriptionReturnsOtherMembers(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (app_id, peer_id, channel_id) DO NOTHING`)).
		WithArgs(sqlmock.AnyArg(), "app-1", "peer-3", "chan-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE s.channel_id = $1 AND s.peer_id <> $2`)).
		WithArgs("chan-1", "peer-3").
		WillReturnRows(sqlmock.NewRows([]string{"id", "authenticated_user_id", "user_info"}).
			AddRow("peer-1", "user-1", []byte(`{"nick":"a"}`)).
			AddRow("peer-2", nil, nil))
	mock.ExpectCommit()

	inserted, others, err := s.InsertSubscription(context.Background(), "app-1", "peer-3", "chan-1")
	if err != nil {
		t.Fatalf("InsertSubscription returned unexpected error: %v", err)
	}
	if !inserted {
		t.Fatal("expected subscription to insert")
	}
	if len(others) != 2 || others[0].PeerID != "peer-1" || others[0].UserID != "user-1" {
		t.Fatalf("unexpected members: %+v", others)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet SQL expectations: %v", err)
	}
}

func TestDeleteSubscriptionReturnsRemainingMembers(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM peer_channel_subscriptions`)).
		WithArgs("app-1", "peer-1", "chan-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE s.channel_id = $1 AND s.peer_id <> $2`)).
		WithArgs("chan-1", "peer-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "authenticated_user_id", "user_info"}).
			AddRow("peer-2", nil, nil))
	mock.ExpectCommit()

	removed, remaining, err := s.DeleteSubscription(context.Background(), "app-1", "peer-1", "chan-1")
	if err != nil {
		t.Fatalf("DeleteSubscription returned unexpected error: %v", err)
	}
	if !removed {
		t.Fatal("expected subscription to be removed")
	}
	if len(remaining) != 1 || remaining[0].PeerID != "peer-2" {
		t.Fatalf("unexpected remaining members: %+v", remaining)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet SQL expectations: %v", err)
	}
}

func TestGetStoredMessagesFiltersByIDs(t *testing.T) {
	s, mock := newMockPostgres(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE app_id = $1 AND channel_id = $2 AND id = ANY($3)`)).
		WithArgs("app-1", "chan-1", pq.Array([]string{"m1", "m2"})).
		WillReturnRows(sqlmock.NewRows([]string{"id", "app_id", "channel_id", "created_at", "data"}).
			AddRow("m1", "app-1", "chan-1", now, []byte(`{"event":"a"}`)).
			AddRow("m2", "app-1", "chan-1", now.Add(time.Second), []byte(`{"event":"b"}`)))

	msgs, err := s.GetStoredMessages(context.Background(), "app-1", "chan-1", []string{"m1", "m2"})
	if err != nil {
		t.Fatalf("GetStoredMessages returned unexpected error: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("unexpected stored messages: %+v", msgs)
	}
}

func TestDeleteStoredMessagesAllWhenNoIDs(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM stored_channel_messages WHERE app_id = $1 AND channel_id = $2`)).
		WithArgs("app-1", "chan-1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	deleted, err := s.DeleteStoredMessages(context.Background(), "app-1", "chan-1", nil)
	if err != nil {
		t.Fatalf("DeleteStoredMessages returned unexpected error: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("expected 3 deleted, got %d", deleted)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet SQL expectations: %v", err)
	}
}

func TestDeleteStoredMessagesByIDs(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta(`AND id = ANY($3)`)).
		WithArgs("app-1", "chan-1", pq.Array([]string{"m1"})).
		WillReturnResult(sqlmock.NewResult(0, 1))

	deleted, err := s.DeleteStoredMessages(context.Background(), "app-1", "chan-1", []string{"m1"})
	if err != nil {
		t.Fatalf("DeleteStoredMessages returned unexpected error: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}
}

func TestUpdateShardLoad(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE shard_handlers SET connection_count = $2`)).
		WithArgs("shard-1", 42).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.UpdateShardLoad(context.Background(), "shard-1", 42); err != nil {
		t.Fatalf("UpdateShardLoad returned unexpected error: %v", err)
	}
}
