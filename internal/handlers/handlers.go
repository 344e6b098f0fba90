// Package handlers is the protocol front door: WebSocket upgrades for
// sources and sinks, the HTTP source endpoint, and the internal
// coordination endpoint workers attach to.
package handlers

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Wundero/sinkr/internal/apps"
	"github.com/Wundero/sinkr/internal/channels"
	"github.com/Wundero/sinkr/internal/cluster"
	"github.com/Wundero/sinkr/internal/coordinator"
	"github.com/Wundero/sinkr/internal/metrics"
	"github.com/Wundero/sinkr/internal/shard"
	"github.com/Wundero/sinkr/pkg/auth"
	"github.com/Wundero/sinkr/pkg/logging"
	"github.com/Wundero/sinkr/pkg/middleware"
	"github.com/Wundero/sinkr/pkg/protocol"
)

const detachTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handlers contains the HTTP handlers for the service. A nil coordinator
// marks the worker role: the node only accepts sink upgrades proxied by
// the coordinator and refuses source transports.
type Handlers struct {
	apps    *apps.Service
	engine  *channels.Engine
	host    *shard.Host
	coord   *coordinator.Coordinator
	metrics *metrics.Metrics
	logger  logging.Logger
	secret  string
}

// NewHandlers creates the coordinator-role handlers.
func NewHandlers(appSvc *apps.Service, engine *channels.Engine, host *shard.Host, coord *coordinator.Coordinator, m *metrics.Metrics, logger logging.Logger, coordinationSecret string) *Handlers {
	return &Handlers{
		apps:    appSvc,
		engine:  engine,
		host:    host,
		coord:   coord,
		metrics: m,
		logger:  logger,
		secret:  coordinationSecret,
	}
}

// NewWorkerHandlers creates the worker-role handlers.
func NewWorkerHandlers(host *shard.Host, m *metrics.Metrics, logger logging.Logger, coordinationSecret string) *Handlers {
	return &Handlers{
		host:    host,
		metrics: m,
		logger:  logger,
		secret:  coordinationSecret,
	}
}

// Register mounts the peer endpoints. The coordinator additionally exposes
// the internal coordination endpoint workers dial.
func (h *Handlers) Register(router *gin.Engine) {
	router.HandleMethodNotAllowed = true

	router.GET("/:appId", h.HandleUpgrade)
	router.POST("/:appId", h.HandleSource)

	if h.coord != nil {
		internal := router.Group("/internal", auth.CoordinationAuthMiddleware(h.secret))
		internal.GET("/coordination", h.HandleCoordination)
	}
}

// HandleUpgrade serves `GET /{appId}`: keyed upgrades become source
// sockets on the coordinator, keyless ones become sinks on whichever shard
// the coordinator picks. On workers only proxied sink upgrades are
// accepted.
func (h *Handlers) HandleUpgrade(c *gin.Context) {
	if h.coord == nil {
		h.handleProxiedSink(c)
		return
	}

	ctx := c.Request.Context()
	appID := c.Param("appId")

	app, err := h.apps.Resolve(ctx, appID)
	if err != nil {
		c.JSON(http.StatusNotFound, middleware.H{"error": "Application not found"})
		return
	}
	c.Set("app_id", app.ID)

	if key := auth.SourceKey(c.Request); key != "" {
		if key != app.SecretKey {
			c.JSON(http.StatusUnauthorized, middleware.H{"error": "Invalid source key"})
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		h.host.ServeSource(ctx, app.ID, ws)
		return
	}

	placement := h.coord.Place(ctx)
	if placement.Local() {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		h.host.ServeSink(ctx, placement.ShardID, app.ID, ws)
		return
	}

	h.proxySink(c, placement, app.ID)
}

// handleProxiedSink serves a sink upgrade forwarded by the coordinator.
// Anything else reaching a worker's peer endpoint is refused.
func (h *Handlers) handleProxiedSink(c *gin.Context) {
	token, err := auth.BearerToken(c.GetHeader("Authorization"))
	if err != nil || auth.ValidateCoordinationSecret(token, h.secret) != nil {
		c.JSON(http.StatusForbidden, middleware.H{"error": string(protocol.ErrInvalidConnection)})
		return
	}

	shardID := c.GetHeader(protocol.ShardHeader)
	appID := c.GetHeader(protocol.AppHeader)
	if shardID == "" || appID == "" {
		c.JSON(http.StatusForbidden, middleware.H{"error": string(protocol.ErrInvalidConnection)})
		return
	}
	c.Set("app_id", appID)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	h.host.ServeSink(c.Request.Context(), shardID, appID, ws)
}

// proxySink forwards a sink upgrade to the worker hosting the placed
// shard, stamping the coordination bearer and the placement headers.
func (h *Handlers) proxySink(c *gin.Context, placement coordinator.Placement, appID string) {
	target, err := url.Parse(placement.AdvertiseAddr)
	if err != nil {
		h.logger.WithError(err).WithFields(logging.Fields{
			"worker_id":      placement.WorkerID,
			"advertise_addr": placement.AdvertiseAddr,
		}).Error("Unusable worker advertise address")
		c.JSON(http.StatusBadGateway, middleware.H{"error": "Shard unavailable"})
		return
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.Header.Set("Authorization", "Bearer "+h.secret)
		req.Header.Set(protocol.ShardHeader, placement.ShardID)
		req.Header.Set(protocol.AppHeader, appID)
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		h.logger.WithError(err).WithFields(logging.Fields{
			"shard_id":  placement.ShardID,
			"worker_id": placement.WorkerID,
		}).Warn("Sink upgrade proxy failed")
		w.WriteHeader(http.StatusBadGateway)
	}

	proxy.ServeHTTP(c.Writer, c.Request)
}

// HandleSource serves `POST /{appId}`: one envelope per request, or NDJSON
// envelopes when the stream header is set. Workers refuse the transport.
func (h *Handlers) HandleSource(c *gin.Context) {
	if h.coord == nil {
		c.JSON(http.StatusForbidden, protocol.Fail(protocol.ErrInvalidConnection))
		return
	}

	ctx := c.Request.Context()
	appID := c.Param("appId")

	app, err := h.apps.Resolve(ctx, appID)
	if err != nil {
		c.JSON(http.StatusNotFound, middleware.H{"error": "Application not found"})
		return
	}
	c.Set("app_id", app.ID)

	token, err := auth.BearerToken(c.GetHeader("Authorization"))
	if err != nil || token != app.SecretKey {
		c.JSON(http.StatusUnauthorized, middleware.H{"error": "Invalid bearer token"})
		return
	}

	if strings.EqualFold(c.GetHeader(protocol.StreamHeader), "true") {
		h.streamSource(c, app.ID)
		return
	}

	var env protocol.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, middleware.H{"error": string(protocol.ErrInvalidRequest)})
		return
	}
	if err := env.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, middleware.H{"error": string(protocol.ErrInvalidRequest)})
		return
	}

	resp := h.Execute(ctx, app.ID, &env)
	c.JSON(http.StatusOK, protocol.Reply{ID: env.ID, Route: env.Data.Route, Response: resp})
}

// HandleCoordination upgrades a worker's control socket and runs its link
// until it dies.
func (h *Handlers) HandleCoordination(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	link, err := cluster.Accept(ws, h.metrics, h.logger)
	if err != nil {
		h.logger.WithError(err).Warn("Rejected coordination link")
		return
	}

	ctx := c.Request.Context()
	h.coord.AttachWorker(ctx, link)
	err = link.Run(ctx, h.coord)
	h.logger.WithError(err).WithField("worker_id", link.WorkerID()).Info("Coordination link closed")

	detachCtx, cancel := context.WithTimeout(context.Background(), detachTimeout)
	defer cancel()
	h.coord.DetachWorker(detachCtx, link)
}
