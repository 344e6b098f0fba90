package handlers

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/Wundero/sinkr/pkg/protocol"
)

const (
	// streamParallelism bounds concurrently executing stream envelopes.
	streamParallelism = 16

	// maxEnvelopeBytes bounds one NDJSON line.
	maxEnvelopeBytes = 1 << 20
)

// streamSource executes NDJSON envelopes concurrently and streams replies
// back as NDJSON in completion order. Replies are held until the request
// body is fully read: an HTTP/1.1 response write makes the server discard
// the unread remainder of the body.
func (h *Handlers) streamSource(c *gin.Context, appID string) {
	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)

	enc := json.NewEncoder(c.Writer)

	var mu sync.Mutex
	var pending []protocol.Reply
	reading := true

	writeLocked := func(reply protocol.Reply) {
		if err := enc.Encode(reply); err != nil {
			return
		}
		c.Writer.Flush()
	}
	writeReply := func(reply protocol.Reply) {
		mu.Lock()
		defer mu.Unlock()
		if reading {
			pending = append(pending, reply)
			return
		}
		writeLocked(reply)
	}

	g, ctx := errgroup.WithContext(c.Request.Context())
	g.SetLimit(streamParallelism)

	scanner := bufio.NewScanner(c.Request.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEnvelopeBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(line, &env); err != nil || env.Validate() != nil {
			writeReply(protocol.Reply{
				ID:       env.ID,
				Route:    env.Data.Route,
				Response: protocol.Fail(protocol.ErrInvalidRequest),
			})
			continue
		}

		g.Go(func() error {
			writeReply(protocol.Reply{
				ID:       env.ID,
				Route:    env.Data.Route,
				Response: h.Execute(ctx, appID, &env),
			})
			return nil
		})
	}

	if err := scanner.Err(); err != nil {
		h.logger.WithError(err).WithField("app_id", appID).Debug("Source stream ended early")
	}

	mu.Lock()
	reading = false
	for _, reply := range pending {
		writeLocked(reply)
	}
	pending = nil
	mu.Unlock()

	_ = g.Wait()
}
