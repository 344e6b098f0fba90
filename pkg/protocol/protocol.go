// Package protocol defines the wire contract between sources, sinks, and
// the service: the source request envelope, the correlated reply union,
// and the frames pushed to sinks.
package protocol

import (
	"encoding/json"
	"errors"
)

// Route names accepted inside a source envelope.
type Route string

const (
	RouteUserAuthenticate         Route = "user.authenticate"
	RouteChannelCreate            Route = "channel.create"
	RouteChannelDelete            Route = "channel.delete"
	RouteChannelMessagesDelete    Route = "channel.messages.delete"
	RouteChannelSubscribersAdd    Route = "channel.subscribers.add"
	RouteChannelSubscribersRemove Route = "channel.subscribers.remove"
	RouteChannelMessagesSend      Route = "channel.messages.send"
	RouteUserMessagesSend         Route = "user.messages.send"
	RouteGlobalMessagesSend       Route = "global.messages.send"
)

// Valid reports whether the route is part of the protocol.
func (r Route) Valid() bool {
	switch r {
	case RouteUserAuthenticate,
		RouteChannelCreate,
		RouteChannelDelete,
		RouteChannelMessagesDelete,
		RouteChannelSubscribersAdd,
		RouteChannelSubscribersRemove,
		RouteChannelMessagesSend,
		RouteUserMessagesSend,
		RouteGlobalMessagesSend:
		return true
	}
	return false
}

// Envelope is one source request: a correlation id plus a routed body.
// The id doubles as the stored message id for channel.messages.send.
type Envelope struct {
	ID   string       `json:"id"`
	Data RouteRequest `json:"data"`
}

// RouteRequest carries the route name and its raw request body.
type RouteRequest struct {
	Route   Route           `json:"route"`
	Request json.RawMessage `json:"request"`
}

// Validate checks the envelope shell. Route bodies validate separately.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return ErrInvalidRequest
	}
	if !e.Data.Route.Valid() {
		return ErrInvalidRequest
	}
	if len(e.Data.Request) == 0 {
		return ErrInvalidRequest
	}
	return nil
}

// Reply is the correlated answer to one envelope.
type Reply struct {
	ID       string   `json:"id"`
	Route    Route    `json:"route"`
	Response Response `json:"response"`
}

// Response is the success/failure union inside a reply.
type Response struct {
	Success   bool      `json:"success"`
	Error     WireError `json:"error,omitempty"`
	ChannelID string    `json:"channelId,omitempty"`
}

// OK returns a bare success response.
func OK() Response {
	return Response{Success: true}
}

// OKChannel returns a success response carrying the channel id.
func OKChannel(channelID string) Response {
	return Response{Success: true, ChannelID: channelID}
}

// Fail returns a failure response with a wire error.
func Fail(err WireError) Response {
	return Response{Success: false, Error: err}
}

// FailFrom maps any error to a failure response, defaulting to the unknown
// error for non-wire errors.
func FailFrom(err error) Response {
	var wireErr WireError
	if errors.As(err, &wireErr) {
		return Fail(wireErr)
	}
	return Fail(ErrUnknown)
}

// AuthMode is a channel's authorization mode.
type AuthMode string

const (
	AuthPublic   AuthMode = "public"
	AuthPrivate  AuthMode = "private"
	AuthPresence AuthMode = "presence"
)

// Valid reports whether the auth mode is one of the three known modes.
func (m AuthMode) Valid() bool {
	switch m {
	case AuthPublic, AuthPrivate, AuthPresence:
		return true
	}
	return false
}

// RequiresAuthentication reports whether peers must be authenticated to
// subscribe. Public channels never require it.
func (m AuthMode) RequiresAuthentication() bool {
	return m == AuthPrivate || m == AuthPresence
}

// WebSocket close codes and reasons.
const (
	CloseInvalidApplication = 4000

	ReasonInvalidApplication = "Invalid application"
	ReasonSocketFailed       = "Failed to open socket"
)

// Literal sink keepalive messages.
const (
	PingMessage = "ping"
	PongMessage = "pong"
)

// StreamHeader enables NDJSON streaming on the source POST endpoint.
const StreamHeader = "X-Sinkr-Stream"

// Headers stamped on sink upgrades proxied from the coordinator to a
// worker, alongside the coordination bearer.
const (
	ShardHeader = "X-Sinkr-Shard"
	AppHeader   = "X-Sinkr-App"
)
