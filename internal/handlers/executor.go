package handlers

import (
	"context"
	"encoding/json"

	"github.com/Wundero/sinkr/pkg/logging"
	"github.com/Wundero/sinkr/pkg/protocol"
)

// Execute validates and dispatches one source envelope against the channel
// engine. It implements the shard host's source executor; the HTTP source
// endpoint shares it.
func (h *Handlers) Execute(ctx context.Context, appID string, env *protocol.Envelope) protocol.Response {
	resp := h.dispatch(ctx, appID, env)

	status := "ok"
	if !resp.Success {
		status = "error"
	}
	h.metrics.SourceRequests.WithLabelValues(string(env.Data.Route), status).Inc()
	return resp
}

func (h *Handlers) dispatch(ctx context.Context, appID string, env *protocol.Envelope) protocol.Response {
	switch env.Data.Route {
	case protocol.RouteUserAuthenticate:
		var req protocol.AuthenticateRequest
		if resp, ok := decodeRequest(env, &req); !ok {
			return resp
		}
		return h.result(env, h.engine.Authenticate(ctx, appID, &req))

	case protocol.RouteChannelCreate:
		var req protocol.ChannelCreateRequest
		if resp, ok := decodeRequest(env, &req); !ok {
			return resp
		}
		channelID, err := h.engine.CreateChannel(ctx, appID, &req)
		if err != nil {
			return h.fail(env, err)
		}
		return protocol.OKChannel(channelID)

	case protocol.RouteChannelDelete:
		var req protocol.ChannelDeleteRequest
		if resp, ok := decodeRequest(env, &req); !ok {
			return resp
		}
		return h.result(env, h.engine.DeleteChannel(ctx, appID, &req))

	case protocol.RouteChannelMessagesDelete:
		var req protocol.ChannelMessagesDeleteRequest
		if resp, ok := decodeRequest(env, &req); !ok {
			return resp
		}
		return h.result(env, h.engine.DeleteMessages(ctx, appID, &req))

	case protocol.RouteChannelSubscribersAdd:
		var req protocol.SubscriberRequest
		if resp, ok := decodeRequest(env, &req); !ok {
			return resp
		}
		return h.result(env, h.engine.Subscribe(ctx, appID, req.SubscriberID, req.ChannelID))

	case protocol.RouteChannelSubscribersRemove:
		var req protocol.SubscriberRequest
		if resp, ok := decodeRequest(env, &req); !ok {
			return resp
		}
		return h.result(env, h.engine.Unsubscribe(ctx, appID, req.SubscriberID, req.ChannelID))

	case protocol.RouteChannelMessagesSend:
		var req protocol.ChannelMessagesSendRequest
		if resp, ok := decodeRequest(env, &req); !ok {
			return resp
		}
		return h.result(env, h.engine.SendChannel(ctx, appID, env.ID, &req))

	case protocol.RouteUserMessagesSend:
		var req protocol.UserMessagesSendRequest
		if resp, ok := decodeRequest(env, &req); !ok {
			return resp
		}
		return h.result(env, h.engine.SendDirect(ctx, appID, env.ID, &req))

	case protocol.RouteGlobalMessagesSend:
		var req protocol.GlobalMessagesSendRequest
		if resp, ok := decodeRequest(env, &req); !ok {
			return resp
		}
		return h.result(env, h.engine.SendBroadcast(ctx, appID, env.ID, &req))
	}

	return protocol.Fail(protocol.ErrInvalidRequest)
}

type validator interface {
	Validate() error
}

// decodeRequest unmarshals and validates a route body. A false return
// carries the failure response to send back.
func decodeRequest(env *protocol.Envelope, req validator) (protocol.Response, bool) {
	if err := json.Unmarshal(env.Data.Request, req); err != nil {
		return protocol.Fail(protocol.ErrInvalidRequest), false
	}
	if err := req.Validate(); err != nil {
		return protocol.FailFrom(err), false
	}
	return protocol.Response{}, true
}

func (h *Handlers) result(env *protocol.Envelope, err error) protocol.Response {
	if err == nil {
		return protocol.OK()
	}
	return h.fail(env, err)
}

// fail maps an engine error to a failure response. Non-wire errors are
// internal failures and get logged before surfacing as the unknown error.
func (h *Handlers) fail(env *protocol.Envelope, err error) protocol.Response {
	resp := protocol.FailFrom(err)
	if resp.Error == protocol.ErrUnknown {
		h.logger.WithError(err).WithFields(logging.Fields{
			"envelope_id": env.ID,
			"route":       string(env.Data.Route),
		}).Error("Source request failed")
	}
	return resp
}
