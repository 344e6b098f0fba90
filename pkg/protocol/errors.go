package protocol

// WireError is an error string surfaced verbatim in failure responses.
type WireError string

const (
	// ErrInvalidConnection rejects requests on a transport that cannot
	// carry them, such as source routes arriving on a worker node.
	ErrInvalidConnection WireError = "Invalid connection"

	// ErrInvalidRequest rejects envelopes or bodies that fail validation.
	ErrInvalidRequest WireError = "Invalid request"

	// ErrUnknown covers internal failures. Retrying is permitted.
	ErrUnknown WireError = "Unknown error"

	ErrPeerNotFound         WireError = "Peer not found"
	ErrPeerNotAuthenticated WireError = "Peer not authenticated"
	ErrPeerNotSubscribed    WireError = "Peer is not subscribed to channel"
	ErrChannelNotFound      WireError = "Channel not found"
	ErrRecipientNotFound    WireError = "Recipient not found"
)

func (e WireError) Error() string {
	return string(e)
}
