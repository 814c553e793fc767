package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/edirooss/logstream-server/internal/domain/logentry"
	"github.com/edirooss/logstream-server/internal/infrastructure/logbroker"
	"github.com/edirooss/logstream-server/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxLogLines caps ?lines= on the recent-logs endpoint.
const maxLogLines = 1000

var errBadLines = errors.New("lines must be a non-negative integer")

// ProcessesHandler serves the watched-process listing and buffered history.
//
// Supported operations:
//   - GET    /api/processes             → watched processes
//   - GET    /api/processes/{name}/logs → recent buffered entries
//   - DELETE /api/processes/{name}/logs → drop the buffer of a gone process
//   - GET    /api/stats                 → broker occupancy
type ProcessesHandler struct {
	log    *zap.Logger
	broker *logbroker.Broker
	list   *service.ProcessListService
}

func NewProcessesHandler(log *zap.Logger, broker *logbroker.Broker, list *service.ProcessListService) *ProcessesHandler {
	return &ProcessesHandler{log: log.Named("processes"), broker: broker, list: list}
}

// List handles GET /api/processes.
func (h *ProcessesHandler) List(c *gin.Context) {
	res := h.list.Get()

	c.Header("X-Cache", map[bool]string{true: "HIT", false: "MISS"}[res.CacheHit])
	c.Header("X-Generated-At", strconv.FormatInt(res.GeneratedAt.UnixMilli(), 10))
	c.Header("X-Total-Count", strconv.Itoa(len(res.Data)))

	c.JSON(http.StatusOK, res.Data)
}

// GetLogs handles GET /api/processes/{name}/logs.
//
// Query:
//   - lines=N       at most N most recent entries (default all, max 1000)
//   - format=text   render as text lines instead of JSON records
//   - strip_ansi=1, timestamp=1, show_kind=1
//
// Unknown names yield 200 with an empty array.
func (h *ProcessesHandler) GetLogs(c *gin.Context) {
	lines := 0
	if s := c.Query("lines"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			abortWithError(c, http.StatusBadRequest, errBadLines)
			return
		}
		lines = n
	}
	if lines == 0 || lines > maxLogLines {
		lines = maxLogLines
	}

	format := logentry.FormatOptions{AsJSON: true}
	patch, err := formatPatchFromQuery(c)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	format = patch.Apply(format)

	entries := h.broker.GetRecentLogs(c.Param("name"), lines)
	out := make([]any, 0, len(entries))
	for _, r := range logentry.FormatAll(entries, format) {
		out = append(out, r.Payload())
	}

	c.Header("X-Total-Count", strconv.Itoa(len(out)))
	c.JSON(http.StatusOK, out)
}

// ForgetLogs handles DELETE /api/processes/{name}/logs.
func (h *ProcessesHandler) ForgetLogs(c *gin.Context) {
	if err := h.broker.Forget(c.Param("name")); err != nil {
		abortWithError(c, brokerStatus(err), err)
		return
	}
	h.list.Invalidate()
	c.Status(http.StatusNoContent)
}

// Stats handles GET /api/stats.
func (h *ProcessesHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.broker.Stats())
}
