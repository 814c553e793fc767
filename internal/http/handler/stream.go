package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/edirooss/logstream-server/internal/domain/logentry"
	"github.com/edirooss/logstream-server/internal/infrastructure/logbroker"
	"github.com/edirooss/logstream-server/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StreamHandler exposes broker connections as Server-Sent Events plus a small
// control API keyed by connection ID.
//
// Supported operations:
//   - GET    /api/stream                         → open an SSE stream
//   - GET    /api/stream/{cid}                   → connection state
//   - POST   /api/stream/{cid}/auth              → authenticate with a token
//   - POST   /api/stream/{cid}/subscriptions     → subscribe to a process (or "*")
//   - DELETE /api/stream/{cid}/subscriptions     → unsubscribe one (?process=) or all
//   - PATCH  /api/stream/{cid}/options           → update filter and format
//
// Events: hello (connection id), log (one entry), ping (heartbeat), error
// (connection closed by the server).
type StreamHandler struct {
	log       *zap.Logger
	broker    *logbroker.Broker
	authsvc   *service.AuthService
	heartbeat time.Duration
}

func NewStreamHandler(log *zap.Logger, broker *logbroker.Broker, authsvc *service.AuthService, heartbeat time.Duration) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &StreamHandler{log: log.Named("stream"), broker: broker, authsvc: authsvc, heartbeat: heartbeat}
}

type helloEvent struct {
	ConnectionID  string `json:"connection_id"`
	Authenticated bool   `json:"authenticated"`
}

// Stream handles GET /api/stream.
//
// Query:
//   - process=NAME (repeatable; "*" or "all" for every process)
//   - kind, contains, regex            initial filter
//   - format, strip_ansi, timestamp, show_kind  initial format
//
// Unauthenticated clients may open a stream without processes and
// authenticate it afterwards through the control API.
func (h *StreamHandler) Stream(c *gin.Context) {
	targets := c.QueryArray("process")
	filterPatch, err := filterPatchFromQuery(c)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	formatPatch, err := formatPatchFromQuery(c)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	_, authenticated := h.authsvc.Authenticate(c)
	if !authenticated && len(targets) > 0 {
		abortWithError(c, http.StatusUnauthorized, logbroker.ErrUnauthenticated)
		return
	}

	conn := h.broker.OpenConnection(authenticated)
	if err := conn.Err(); err != nil {
		abortWithError(c, brokerStatus(err), err)
		return
	}
	id := conn.ID()
	defer h.broker.CloseConnection(id)
	log := h.log.With(zap.String("conn", id))

	if _, err := h.broker.SetFilterOptions(id, filterPatch); err != nil {
		abortWithError(c, brokerStatus(err), err)
		return
	}
	if _, err := h.broker.SetFormatOptions(id, formatPatch); err != nil {
		abortWithError(c, brokerStatus(err), err)
		return
	}
	for _, target := range targets {
		if err := h.broker.Subscribe(id, target); err != nil {
			abortWithError(c, brokerStatus(err), err)
			return
		}
	}

	ctx := c.Request.Context()
	deliveries := make(chan logentry.Rendered)
	err = h.broker.RegisterDeliveryCallback(id, func(r logentry.Rendered) {
		select {
		case deliveries <- r:
		case <-conn.Done():
		case <-ctx.Done():
		}
	})
	if err != nil {
		abortWithError(c, brokerStatus(err), err)
		return
	}

	log.Info("stream opened", zap.Bool("authenticated", authenticated), zap.Strings("process", targets))
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("hello", helloEvent{ConnectionID: id, Authenticated: authenticated})
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-conn.Done():
			if err := conn.Err(); err != nil {
				c.SSEvent("error", gin.H{"message": err.Error()})
			}
			return false
		case r := <-deliveries:
			c.SSEvent("log", r.Payload())
			return true
		case t := <-heartbeat.C:
			c.SSEvent("ping", t.UTC().Format(time.RFC3339))
			return true
		}
	})

	log.Info("stream closed", zap.NamedError("reason", conn.Err()))
}

// State handles GET /api/stream/{cid}.
func (h *StreamHandler) State(c *gin.Context) {
	h.respondState(c, c.Param("cid"))
}

// Authenticate handles POST /api/stream/{cid}/auth.
func (h *StreamHandler) Authenticate(c *gin.Context) {
	var req struct {
		Token string `json:"token"`
	}
	if err := bind(c.Request, &req); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	if !h.authsvc.CheckToken(req.Token) {
		abortWithError(c, http.StatusUnauthorized, errors.New("invalid token"))
		return
	}

	id := c.Param("cid")
	if err := h.broker.Authenticate(id); err != nil {
		abortWithError(c, brokerStatus(err), err)
		return
	}
	h.respondState(c, id)
}

// Subscribe handles POST /api/stream/{cid}/subscriptions.
func (h *StreamHandler) Subscribe(c *gin.Context) {
	var req struct {
		Process string `json:"process"`
	}
	if err := bind(c.Request, &req); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	if req.Process == "" {
		abortWithError(c, http.StatusBadRequest, errors.New("process is required"))
		return
	}

	id := c.Param("cid")
	if err := h.broker.Subscribe(id, req.Process); err != nil {
		abortWithError(c, brokerStatus(err), err)
		return
	}
	h.respondState(c, id)
}

// Unsubscribe handles DELETE /api/stream/{cid}/subscriptions[?process=NAME].
func (h *StreamHandler) Unsubscribe(c *gin.Context) {
	id := c.Param("cid")
	if err := h.broker.Unsubscribe(id, c.Query("process")); err != nil {
		abortWithError(c, brokerStatus(err), err)
		return
	}
	h.respondState(c, id)
}

// PatchOptions handles PATCH /api/stream/{cid}/options.
//
// Both parts are validated before anything is applied; an invalid regex
// leaves the connection's filter unchanged (422).
func (h *StreamHandler) PatchOptions(c *gin.Context) {
	var req optionsRequest
	if err := bind(c.Request, &req); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	var (
		filterPatch logbroker.FilterPatch
		formatPatch logbroker.FormatPatch
		err         error
	)
	if req.Filter != nil {
		if filterPatch, err = req.Filter.toPatch(); err != nil {
			abortWithError(c, http.StatusBadRequest, fmt.Errorf("filter: %w", err))
			return
		}
	}
	if req.Format != nil {
		if formatPatch, err = req.Format.toPatch(); err != nil {
			abortWithError(c, http.StatusBadRequest, fmt.Errorf("format: %w", err))
			return
		}
	}

	id := c.Param("cid")
	if _, err := h.broker.SetFilterOptions(id, filterPatch); err != nil {
		abortWithError(c, brokerStatus(err), err)
		return
	}
	if _, err := h.broker.SetFormatOptions(id, formatPatch); err != nil {
		abortWithError(c, brokerStatus(err), err)
		return
	}
	h.respondState(c, id)
}

func (h *StreamHandler) respondState(c *gin.Context, id string) {
	st, err := h.broker.ConnectionState(id)
	if err != nil {
		abortWithError(c, brokerStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, newConnectionView(st))
}
