package handlers

// Full-service tests: the wired coordinator stack exercised through real
// client sockets, plus a two-node deployment with a proxied sink.

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Wundero/sinkr/internal/apps"
	"github.com/Wundero/sinkr/internal/channels"
	"github.com/Wundero/sinkr/internal/cluster"
	"github.com/Wundero/sinkr/internal/coordinator"
	"github.com/Wundero/sinkr/internal/metrics"
	"github.com/Wundero/sinkr/internal/shard"
	"github.com/Wundero/sinkr/internal/store"
	"github.com/Wundero/sinkr/pkg/logging"
	"github.com/Wundero/sinkr/pkg/monitoring"
	"github.com/Wundero/sinkr/pkg/protocol"
	"github.com/Wundero/sinkr/pkg/testutil"
)

func createChannel(t *testing.T, s *stack, name string, mode protocol.AuthMode, storeMessages bool) string {
	t.Helper()
	reply := postEnvelope(t, s, "create-"+name, protocol.RouteChannelCreate, protocol.ChannelCreateRequest{
		Name:          name,
		AuthMode:      mode,
		StoreMessages: storeMessages,
	})
	if !reply.Response.Success || reply.Response.ChannelID == "" {
		t.Fatalf("create channel %s failed: %+v", name, reply.Response)
	}
	return reply.Response.ChannelID
}

func authenticate(t *testing.T, s *stack, peerID, userID, userInfo string) {
	t.Helper()
	reply := postEnvelope(t, s, "auth-"+peerID, protocol.RouteUserAuthenticate, protocol.AuthenticateRequest{
		PeerID:   peerID,
		UserID:   userID,
		UserInfo: json.RawMessage(userInfo),
	})
	if !reply.Response.Success {
		t.Fatalf("authenticate %s failed: %+v", peerID, reply.Response)
	}
}

func subscribe(t *testing.T, s *stack, subscriberID, channelID string) protocol.Reply {
	t.Helper()
	return postEnvelope(t, s, "sub-"+subscriberID, protocol.RouteChannelSubscribersAdd, protocol.SubscriberRequest{
		SubscriberID: subscriberID,
		ChannelID:    channelID,
	})
}

func mustSubscribe(t *testing.T, s *stack, subscriberID, channelID string) {
	t.Helper()
	if reply := subscribe(t, s, subscriberID, channelID); !reply.Response.Success {
		t.Fatalf("subscribe %s to %s failed: %+v", subscriberID, channelID, reply.Response)
	}
}

func readMetadata(t *testing.T, ws *testutil.Client, event string, out any) {
	t.Helper()
	frame := readWireFrame(t, ws)
	if frame.Source != string(protocol.SourceMetadata) {
		t.Fatalf("expected metadata frame, got %q: %s", frame.Source, frame.Data)
	}
	var head struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(frame.Data, &head); err != nil || head.Event != event {
		t.Fatalf("expected %s event, got %s", event, frame.Data)
	}
	if err := json.Unmarshal(frame.Data, out); err != nil {
		t.Fatalf("undecodable %s event %s: %v", event, frame.Data, err)
	}
}

func readJoinChannel(t *testing.T, ws *testutil.Client) protocol.JoinChannelEvent {
	t.Helper()
	var ev protocol.JoinChannelEvent
	readMetadata(t, ws, protocol.EventJoinChannel, &ev)
	return ev
}

func readLeaveChannel(t *testing.T, ws *testutil.Client) protocol.LeaveChannelEvent {
	t.Helper()
	var ev protocol.LeaveChannelEvent
	readMetadata(t, ws, protocol.EventLeaveChannel, &ev)
	return ev
}

func readMemberJoin(t *testing.T, ws *testutil.Client) protocol.MemberJoinEvent {
	t.Helper()
	var ev protocol.MemberJoinEvent
	readMetadata(t, ws, protocol.EventMemberJoin, &ev)
	return ev
}

func readMemberLeave(t *testing.T, ws *testutil.Client) protocol.MemberLeaveEvent {
	t.Helper()
	var ev protocol.MemberLeaveEvent
	readMetadata(t, ws, protocol.EventMemberLeave, &ev)
	return ev
}

type messageFrame struct {
	ID   string
	Data protocol.MessageData
}

func readMessage(t *testing.T, ws *testutil.Client) messageFrame {
	t.Helper()
	frame := readWireFrame(t, ws)
	if frame.Source != string(protocol.SourceMessage) {
		t.Fatalf("expected message frame, got %q: %s", frame.Source, frame.Data)
	}
	var data protocol.MessageData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		t.Fatalf("undecodable message data %s: %v", frame.Data, err)
	}
	return messageFrame{ID: frame.ID, Data: data}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestBroadcastReachesEverySink(t *testing.T) {
	s := newCoordinatorStack(t)

	s1, _ := dialSink(t, s)
	s2, _ := dialSink(t, s)
	s3, _ := dialSink(t, s)

	reply := postEnvelope(t, s, "m1", protocol.RouteGlobalMessagesSend, protocol.GlobalMessagesSendRequest{
		Event:   "x",
		Message: plainPayload(`{"n":1}`),
	})
	if !reply.Response.Success {
		t.Fatalf("broadcast rejected: %+v", reply.Response)
	}

	for i, ws := range []*testutil.Client{s1, s2, s3} {
		msg := readMessage(t, ws)
		if msg.ID != "m1" {
			t.Fatalf("sink %d: expected frame id m1, got %q", i, msg.ID)
		}
		if msg.Data.Event != "x" {
			t.Fatalf("sink %d: unexpected event %q", i, msg.Data.Event)
		}
		if msg.Data.From != protocol.BroadcastFrom() {
			t.Fatalf("sink %d: unexpected from %+v", i, msg.Data.From)
		}
		if msg.Data.Message.Type != protocol.PayloadPlain || string(msg.Data.Message.Message) != `{"n":1}` {
			t.Fatalf("sink %d: unexpected payload %+v", i, msg.Data.Message)
		}
		expectNoFrame(t, ws)
	}
}

func TestPresenceJoinAnnouncesMembers(t *testing.T) {
	s := newCoordinatorStack(t)
	channelID := createChannel(t, s, "room", protocol.AuthPresence, false)

	s1, p1 := dialSink(t, s)
	s2, p2 := dialSink(t, s)
	s3, p3 := dialSink(t, s)

	authenticate(t, s, p1, "u1", `{"nick":"a"}`)
	authenticate(t, s, p2, "u2", `{"nick":"b"}`)
	authenticate(t, s, p3, "u3", `{"nick":"c"}`)

	mustSubscribe(t, s, p1, channelID)
	_ = readJoinChannel(t, s1)

	mustSubscribe(t, s, p2, channelID)
	_ = readJoinChannel(t, s2)
	_ = readMemberJoin(t, s1)

	mustSubscribe(t, s, p3, channelID)

	join := readJoinChannel(t, s3)
	if join.ChannelID != channelID || join.ChannelAuthMode != protocol.AuthPresence {
		t.Fatalf("unexpected join frame: %+v", join)
	}
	members := make(map[string]string, len(join.Members))
	for _, m := range join.Members {
		members[m.ID] = string(m.UserInfo)
	}
	if len(members) != 2 || members["u1"] != `{"nick":"a"}` || members["u2"] != `{"nick":"b"}` {
		t.Fatalf("unexpected member list: %+v", join.Members)
	}

	for _, ws := range []*testutil.Client{s1, s2} {
		ev := readMemberJoin(t, ws)
		if ev.ChannelID != channelID {
			t.Fatalf("member-join on wrong channel: %+v", ev)
		}
		if ev.Member.ID != "u3" || string(ev.Member.UserInfo) != `{"nick":"c"}` {
			t.Fatalf("unexpected member-join member: %+v", ev.Member)
		}
	}
}

func TestPrivateChannelRequiresAuthentication(t *testing.T) {
	s := newCoordinatorStack(t)
	channelID := createChannel(t, s, "secrets", protocol.AuthPrivate, false)

	sink, peerID := dialSink(t, s)

	reply := subscribe(t, s, peerID, channelID)
	if reply.Response.Success {
		t.Fatal("expected unauthenticated subscribe to be rejected")
	}
	if reply.Response.Error != protocol.ErrPeerNotAuthenticated {
		t.Fatalf("unexpected wire error: %q", reply.Response.Error)
	}

	subscribed, err := s.mem.IsSubscribed(context.Background(), testAppID, peerID, channelID)
	if err != nil {
		t.Fatalf("IsSubscribed failed: %v", err)
	}
	if subscribed {
		t.Fatal("rejected subscribe left a subscription row")
	}

	// The same subscribe goes through once the peer authenticates. The
	// join read doubles as the stray-frame check: anything leaked by the
	// rejected subscribe would be queued ahead of the join.
	authenticate(t, s, peerID, "u1", `{"nick":"a"}`)
	mustSubscribe(t, s, peerID, channelID)
	if join := readJoinChannel(t, sink); join.ChannelID != channelID {
		t.Fatalf("unexpected join frame: %+v", join)
	}
}

func TestStoredMessagesReplayInOrder(t *testing.T) {
	s := newCoordinatorStack(t)
	channelID := createChannel(t, s, "history", protocol.AuthPublic, true)

	send := func(id, payload string) {
		reply := postEnvelope(t, s, id, protocol.RouteChannelMessagesSend, protocol.ChannelMessagesSendRequest{
			ChannelID: channelID,
			Event:     "note",
			Message:   plainPayload(payload),
		})
		if !reply.Response.Success {
			t.Fatalf("send %s rejected: %+v", id, reply.Response)
		}
	}
	send("msg-1", `{"text":"one"}`)
	send("msg-2", `{"text":"two"}`)

	sink, peerID := dialSink(t, s)
	mustSubscribe(t, s, peerID, channelID)

	join := readJoinChannel(t, sink)
	if len(join.ChannelStoredMessages) != 2 {
		t.Fatalf("expected 2 stored refs, got %+v", join.ChannelStoredMessages)
	}
	if join.ChannelStoredMessages[0].ID != "msg-1" || join.ChannelStoredMessages[1].ID != "msg-2" {
		t.Fatalf("stored refs out of order: %+v", join.ChannelStoredMessages)
	}
	if join.ChannelStoredMessages[0].Date.IsZero() {
		t.Fatal("stored ref is missing its date")
	}

	request, err := json.Marshal(protocol.SinkRequest{
		Event:      protocol.EventRequestStoredMessages,
		ChannelID:  channelID,
		MessageIDs: []string{"msg-1", "msg-2"},
	})
	if err != nil {
		t.Fatalf("marshal replay request: %v", err)
	}
	if err := sink.WriteText(request); err != nil {
		t.Fatalf("replay request write failed: %v", err)
	}

	first := readMessage(t, sink)
	second := readMessage(t, sink)
	if first.ID != "msg-1" || second.ID != "msg-2" {
		t.Fatalf("replay out of order: %q then %q", first.ID, second.ID)
	}
	if first.Data.From != protocol.ChannelFrom(channelID) {
		t.Fatalf("unexpected replay from: %+v", first.Data.From)
	}
	if first.Data.Event != "note" || string(first.Data.Message.Message) != `{"text":"one"}` {
		t.Fatalf("unexpected replay payload: %+v", first.Data)
	}
}

func TestDisconnectReapsSubscriptions(t *testing.T) {
	s := newCoordinatorStack(t)
	shared := createChannel(t, s, "shared", protocol.AuthPublic, false)
	solo := createChannel(t, s, "solo", protocol.AuthPublic, false)

	s1, p1 := dialSink(t, s)
	s2, p2 := dialSink(t, s)

	mustSubscribe(t, s, p2, shared)
	_ = readJoinChannel(t, s2)

	mustSubscribe(t, s, p1, shared)
	_ = readJoinChannel(t, s1)
	_ = readMemberJoin(t, s2)

	mustSubscribe(t, s, p1, solo)
	_ = readJoinChannel(t, s1)

	if err := s1.Close(); err != nil {
		t.Fatalf("sink close failed: %v", err)
	}

	leave := readMemberLeave(t, s2)
	if leave.ChannelID != shared {
		t.Fatalf("member-leave on wrong channel: %+v", leave)
	}
	if leave.Member.ID != p1 {
		t.Fatalf("unexpected departed member: %+v", leave.Member)
	}
	expectNoFrame(t, s2)

	// The reap committed before the notification was queued.
	if _, err := s.mem.GetPeer(context.Background(), testAppID, p1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected reaped peer row, got %v", err)
	}
	members, err := s.mem.ListMembers(context.Background(), shared)
	if err != nil {
		t.Fatalf("ListMembers failed: %v", err)
	}
	if len(members) != 1 || members[0].PeerID != p2 {
		t.Fatalf("unexpected shared channel members: %+v", members)
	}
	members, err = s.mem.ListMembers(context.Background(), solo)
	if err != nil {
		t.Fatalf("ListMembers failed: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("solo channel still has members: %+v", members)
	}
}

func TestDuplicateSubscribeIsIdempotent(t *testing.T) {
	s := newCoordinatorStack(t)
	channelID := createChannel(t, s, "room", protocol.AuthPublic, false)

	s1, p1 := dialSink(t, s)
	s2, p2 := dialSink(t, s)

	mustSubscribe(t, s, p2, channelID)
	_ = readJoinChannel(t, s2)

	mustSubscribe(t, s, p1, channelID)
	_ = readJoinChannel(t, s1)
	_ = readMemberJoin(t, s2)

	// The second subscribe acknowledges without re-announcing anything.
	mustSubscribe(t, s, p1, channelID)
	expectNoFrame(t, s1)
	expectNoFrame(t, s2)

	members, err := s.mem.ListMembers(context.Background(), channelID)
	if err != nil {
		t.Fatalf("ListMembers failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 membership rows, got %+v", members)
	}
}

func TestChannelSendReachesOnlySubscribers(t *testing.T) {
	s := newCoordinatorStack(t)
	channelID := createChannel(t, s, "room", protocol.AuthPublic, false)

	member, p1 := dialSink(t, s)
	outsider, _ := dialSink(t, s)

	mustSubscribe(t, s, p1, channelID)
	_ = readJoinChannel(t, member)

	reply := postEnvelope(t, s, "c1", protocol.RouteChannelMessagesSend, protocol.ChannelMessagesSendRequest{
		ChannelID: channelID,
		Event:     "tick",
		Message:   plainPayload(`{"n":2}`),
	})
	if !reply.Response.Success {
		t.Fatalf("channel send rejected: %+v", reply.Response)
	}

	msg := readMessage(t, member)
	if msg.ID != "c1" || msg.Data.Event != "tick" {
		t.Fatalf("unexpected channel frame: %+v", msg)
	}
	if msg.Data.From != protocol.ChannelFrom(channelID) {
		t.Fatalf("unexpected from: %+v", msg.Data.From)
	}
	expectNoFrame(t, outsider)
}

func TestUnsubscribeStopsDeliveryAndNotifies(t *testing.T) {
	s := newCoordinatorStack(t)
	channelID := createChannel(t, s, "room", protocol.AuthPublic, false)

	s1, p1 := dialSink(t, s)
	s2, p2 := dialSink(t, s)

	mustSubscribe(t, s, p1, channelID)
	_ = readJoinChannel(t, s1)
	mustSubscribe(t, s, p2, channelID)
	_ = readJoinChannel(t, s2)
	_ = readMemberJoin(t, s1)

	reply := postEnvelope(t, s, "unsub-1", protocol.RouteChannelSubscribersRemove, protocol.SubscriberRequest{
		SubscriberID: p1,
		ChannelID:    channelID,
	})
	if !reply.Response.Success {
		t.Fatalf("unsubscribe rejected: %+v", reply.Response)
	}

	if ev := readLeaveChannel(t, s1); ev.ChannelID != channelID {
		t.Fatalf("unexpected leave-channel frame: %+v", ev)
	}
	if ev := readMemberLeave(t, s2); ev.Member.ID != p1 {
		t.Fatalf("unexpected member-leave: %+v", ev)
	}

	send := postEnvelope(t, s, "c1", protocol.RouteChannelMessagesSend, protocol.ChannelMessagesSendRequest{
		ChannelID: channelID,
		Event:     "tick",
		Message:   plainPayload(`{"n":3}`),
	})
	if !send.Response.Success {
		t.Fatalf("channel send rejected: %+v", send.Response)
	}

	if msg := readMessage(t, s2); msg.ID != "c1" {
		t.Fatalf("unexpected frame for remaining member: %+v", msg)
	}
	expectNoFrame(t, s1)

	// Unsubscribing again reports the missing membership.
	again := postEnvelope(t, s, "unsub-2", protocol.RouteChannelSubscribersRemove, protocol.SubscriberRequest{
		SubscriberID: p1,
		ChannelID:    channelID,
	})
	if again.Response.Success || again.Response.Error != protocol.ErrPeerNotSubscribed {
		t.Fatalf("unexpected repeat unsubscribe reply: %+v", again.Response)
	}
}

func TestDirectSendTargetsEveryMatchingPeer(t *testing.T) {
	s := newCoordinatorStack(t)

	s1, p1 := dialSink(t, s)
	s2, p2 := dialSink(t, s)
	other, _ := dialSink(t, s)

	// Two sockets for the same user: a direct send lands on both.
	authenticate(t, s, p1, "u9", `{"nick":"n"}`)
	authenticate(t, s, p2, "u9", `{"nick":"n"}`)

	reply := postEnvelope(t, s, "d1", protocol.RouteUserMessagesSend, protocol.UserMessagesSendRequest{
		RecipientID: "u9",
		Event:       "dm",
		Message:     plainPayload(`"hello"`),
	})
	if !reply.Response.Success {
		t.Fatalf("direct send rejected: %+v", reply.Response)
	}

	for _, ws := range []*testutil.Client{s1, s2} {
		msg := readMessage(t, ws)
		if msg.ID != "d1" || msg.Data.From != protocol.DirectFrom() {
			t.Fatalf("unexpected direct frame: %+v", msg)
		}
	}
	expectNoFrame(t, other)

	missing := postEnvelope(t, s, "d2", protocol.RouteUserMessagesSend, protocol.UserMessagesSendRequest{
		RecipientID: "ghost",
		Event:       "dm",
		Message:     plainPayload(`"hello"`),
	})
	if missing.Response.Success || missing.Response.Error != protocol.ErrRecipientNotFound {
		t.Fatalf("unexpected reply for unknown recipient: %+v", missing.Response)
	}
}

// TestTwoNodeFanout runs a coordinator and a worker against a shared store:
// the keyless upgrade is proxied to the worker's shard and broadcasts reach
// it over the coordination link.
func TestTwoNodeFanout(t *testing.T) {
	gin.SetMode(gin.TestMode)

	mem := store.NewMemory()
	mem.SeedApp(store.App{ID: testAppID, Name: "demo", SecretKey: testAppKey, Enabled: true})
	logger := logging.NewLogger()

	// Coordinator node.
	cm := metrics.New(monitoring.NewMetricsCollector("sinkr_handlers_test", "test", "none"))
	appSvc := apps.NewService(mem, cm.AppCacheEvents, logger)
	coordEngine := channels.New(mem, nil, cm, logger)
	coordHost := shard.NewHost(mem, nil, cm, logger)
	coord := coordinator.New(mem, coordHost, cm, logger, 500, 1)
	ch := NewHandlers(appSvc, coordEngine, coordHost, coord, cm, logger, coordSecret)
	coordHost.SetEngine(coordEngine)
	coordHost.SetExecutor(ch)
	coordHost.SetReporter(coord)
	coordEngine.SetFanout(coord)
	coord.SetReaper(coordEngine)

	coordRouter := gin.New()
	ch.Register(coordRouter)
	coordSrv := httptest.NewServer(coordRouter)
	t.Cleanup(coordSrv.Close)

	// Worker node sharing the store.
	wm := metrics.New(monitoring.NewMetricsCollector("sinkr_handlers_test", "test", "none"))
	workerEngine := channels.New(mem, nil, wm, logger)
	workerHost := shard.NewHost(mem, nil, wm, logger)
	wh := NewWorkerHandlers(workerHost, wm, logger, coordSecret)
	workerHost.SetEngine(workerEngine)

	workerRouter := gin.New()
	wh.Register(workerRouter)
	workerSrv := httptest.NewServer(workerRouter)
	t.Cleanup(workerSrv.Close)

	client := cluster.NewClient(coordSrv.URL, coordSecret, workerSrv.URL, workerHost, wm, logger)
	workerHost.SetReporter(client)
	workerEngine.SetFanout(client)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = client.Run(ctx) }()

	waitFor(t, func() bool { return coord.Workers() == 1 }, "worker never attached")

	s := &stack{srv: coordSrv, mem: mem, host: coordHost}
	sink, peerID := dialSink(t, s)

	peer, err := mem.GetPeer(context.Background(), testAppID, peerID)
	if err != nil {
		t.Fatalf("sink peer row missing: %v", err)
	}
	if !workerHost.HasShard(peer.ShardID) {
		t.Fatalf("sink shard %s is not hosted by the worker", peer.ShardID)
	}
	if coordHost.HasShard(peer.ShardID) {
		t.Fatal("sink shard unexpectedly hosted by the coordinator")
	}

	reply := postEnvelope(t, s, "m1", protocol.RouteGlobalMessagesSend, protocol.GlobalMessagesSendRequest{
		Event:   "x",
		Message: plainPayload(`{"n":1}`),
	})
	if !reply.Response.Success {
		t.Fatalf("broadcast rejected: %+v", reply.Response)
	}

	msg := readMessage(t, sink)
	if msg.ID != "m1" || msg.Data.From != protocol.BroadcastFrom() {
		t.Fatalf("unexpected proxied frame: %+v", msg)
	}
}
