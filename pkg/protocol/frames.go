package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// FrameSource discriminates the two kinds of sink-bound frames.
type FrameSource string

const (
	SourceMetadata FrameSource = "metadata"
	SourceMessage  FrameSource = "message"
)

// SinkFrame is one frame pushed to a sink.
type SinkFrame struct {
	ID     string      `json:"id"`
	Source FrameSource `json:"source"`
	Data   any         `json:"data"`
}

// Encode marshals the frame for the socket.
func (f SinkFrame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// NewMetadataFrame wraps a metadata event in a frame with a fresh id.
func NewMetadataFrame(data any) SinkFrame {
	return SinkFrame{ID: uuid.New().String(), Source: SourceMetadata, Data: data}
}

// NewMessageFrame wraps message data in a frame. The id is the source's
// envelope id so sinks can deduplicate replayed messages.
func NewMessageFrame(id string, data MessageData) SinkFrame {
	return SinkFrame{ID: id, Source: SourceMessage, Data: data}
}

// Metadata event names.
const (
	EventInit         = "init"
	EventJoinChannel  = "join-channel"
	EventLeaveChannel = "leave-channel"
	EventMemberJoin   = "member-join"
	EventMemberLeave  = "member-leave"
)

// Member is a channel member as shown to other subscribers. UserInfo is
// populated only on presence channels.
type Member struct {
	ID       string          `json:"id"`
	UserInfo json.RawMessage `json:"userInfo,omitempty"`
}

// StoredMessageRef points a joining sink at a replayable message.
type StoredMessageRef struct {
	ID   string    `json:"id"`
	Date time.Time `json:"date"`
}

// InitEvent tells a freshly-opened peer its assigned id.
type InitEvent struct {
	Event  string `json:"event"`
	PeerID string `json:"peerId"`
}

func NewInitEvent(peerID string) InitEvent {
	return InitEvent{Event: EventInit, PeerID: peerID}
}

// JoinChannelEvent confirms a subscription to the joining peer.
type JoinChannelEvent struct {
	Event                 string             `json:"event"`
	ChannelID             string             `json:"channelId"`
	ChannelName           string             `json:"channelName"`
	ChannelAuthMode       AuthMode           `json:"channelAuthMode"`
	ChannelStoredMessages []StoredMessageRef `json:"channelStoredMessages"`
	Members               []Member           `json:"members"`
}

// LeaveChannelEvent confirms an unsubscribe to the leaving peer.
type LeaveChannelEvent struct {
	Event     string `json:"event"`
	ChannelID string `json:"channelId"`
}

// MemberJoinEvent announces a new member to existing subscribers.
type MemberJoinEvent struct {
	Event     string `json:"event"`
	ChannelID string `json:"channelId"`
	Member    Member `json:"member"`
}

// MemberLeaveEvent announces a departure to remaining subscribers.
type MemberLeaveEvent struct {
	Event     string `json:"event"`
	ChannelID string `json:"channelId"`
	Member    Member `json:"member"`
}

// MessageData is the payload of a message frame.
type MessageData struct {
	Event   string         `json:"event"`
	From    From           `json:"from"`
	Message MessagePayload `json:"message"`
}

// From tells the sink how a message reached it.
type From struct {
	Source    string `json:"source"`
	ChannelID string `json:"channelId,omitempty"`
}

const (
	FromBroadcast = "broadcast"
	FromDirect    = "direct"
	FromChannel   = "channel"
)

func BroadcastFrom() From {
	return From{Source: FromBroadcast}
}

func DirectFrom() From {
	return From{Source: FromDirect}
}

func ChannelFrom(channelID string) From {
	return From{Source: FromChannel, ChannelID: channelID}
}

// SinkRequest is the only structured message a sink may send: a request to
// replay stored messages it can see on a channel it is subscribed to.
type SinkRequest struct {
	Event      string   `json:"event"`
	ChannelID  string   `json:"channelId"`
	MessageIDs []string `json:"messageIds"`
}

// EventRequestStoredMessages is the sink request event name.
const EventRequestStoredMessages = "request-stored-messages"
