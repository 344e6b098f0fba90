package protocol

import (
	"encoding/json"
)

// AuthenticateRequest assigns a user identity to a connected peer.
type AuthenticateRequest struct {
	PeerID   string          `json:"peerId"`
	UserID   string          `json:"id"`
	UserInfo json.RawMessage `json:"userInfo,omitempty"`
}

func (r *AuthenticateRequest) Validate() error {
	if r.PeerID == "" || r.UserID == "" {
		return ErrInvalidRequest
	}
	return nil
}

// ChannelCreateRequest upserts a channel by name.
type ChannelCreateRequest struct {
	Name          string   `json:"name"`
	AuthMode      AuthMode `json:"authMode"`
	StoreMessages bool     `json:"storeMessages"`
}

func (r *ChannelCreateRequest) Validate() error {
	if r.Name == "" || !r.AuthMode.Valid() {
		return ErrInvalidRequest
	}
	return nil
}

// ChannelDeleteRequest deletes a channel and everything under it.
type ChannelDeleteRequest struct {
	ChannelID string `json:"channelId"`
}

func (r *ChannelDeleteRequest) Validate() error {
	if r.ChannelID == "" {
		return ErrInvalidRequest
	}
	return nil
}

// ChannelMessagesDeleteRequest deletes stored messages; an empty id list
// deletes all of the channel's stored messages.
type ChannelMessagesDeleteRequest struct {
	ChannelID  string   `json:"channelId"`
	MessageIDs []string `json:"messageIds,omitempty"`
}

func (r *ChannelMessagesDeleteRequest) Validate() error {
	if r.ChannelID == "" {
		return ErrInvalidRequest
	}
	return nil
}

// SubscriberRequest adds or removes a channel subscription. SubscriberID
// matches a peer id first, then an authenticated user id.
type SubscriberRequest struct {
	SubscriberID string `json:"subscriberId"`
	ChannelID    string `json:"channelId"`
}

func (r *SubscriberRequest) Validate() error {
	if r.SubscriberID == "" || r.ChannelID == "" {
		return ErrInvalidRequest
	}
	return nil
}

// ChannelMessagesSendRequest publishes to a channel's subscribers.
type ChannelMessagesSendRequest struct {
	ChannelID string         `json:"channelId"`
	Event     string         `json:"event"`
	Message   MessagePayload `json:"message"`
}

func (r *ChannelMessagesSendRequest) Validate() error {
	if r.ChannelID == "" || r.Event == "" {
		return ErrInvalidRequest
	}
	return r.Message.Validate()
}

// UserMessagesSendRequest delivers directly to one recipient, matched by
// peer id or authenticated user id.
type UserMessagesSendRequest struct {
	RecipientID string         `json:"recipientId"`
	Event       string         `json:"event"`
	Message     MessagePayload `json:"message"`
}

func (r *UserMessagesSendRequest) Validate() error {
	if r.RecipientID == "" || r.Event == "" {
		return ErrInvalidRequest
	}
	return r.Message.Validate()
}

// GlobalMessagesSendRequest broadcasts to every peer of the app.
type GlobalMessagesSendRequest struct {
	Event   string         `json:"event"`
	Message MessagePayload `json:"message"`
}

func (r *GlobalMessagesSendRequest) Validate() error {
	if r.Event == "" {
		return ErrInvalidRequest
	}
	return r.Message.Validate()
}

// MessagePayload is the tagged payload union. The tag and chunk index pass
// through to sinks verbatim; the inner message is opaque.
type MessagePayload struct {
	Type    string          `json:"type"`
	Index   *int            `json:"index,omitempty"`
	Message json.RawMessage `json:"message"`
}

const (
	PayloadPlain = "plain"
	PayloadChunk = "chunk"
)

func (p *MessagePayload) Validate() error {
	switch p.Type {
	case PayloadPlain:
	case PayloadChunk:
		if p.Index == nil {
			return ErrInvalidRequest
		}
	default:
		return ErrInvalidRequest
	}
	if len(p.Message) == 0 {
		return ErrInvalidRequest
	}
	return nil
}
