package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/matheus3301/wahist/internal/bus"
	"github.com/matheus3301/wahist/internal/config"
	"github.com/matheus3301/wahist/internal/status"
	"github.com/matheus3301/wahist/internal/store"
	"github.com/matheus3301/wahist/internal/sync"
)

const (
	defaultMaxMessages = 1000
	defaultListLimit   = 50
	maxListLimit       = 1000
)

// Handlers wires the HTTP surface to the sync engine and stores. Errors
// from the engine map onto status codes here; once a sync loop is running,
// its failures land in the checkpoint and are always reported with 2xx.
type Handlers struct {
	orch    *sync.Orchestrator
	merger  *sync.Merger
	durable *store.DB
	staging *store.DB
	machine *status.Machine
	bus     *bus.Bus
	cfg     config.SyncConfig
	logger  *zap.Logger
}

func NewHandlers(orch *sync.Orchestrator, merger *sync.Merger, durable, staging *store.DB, machine *status.Machine, b *bus.Bus, cfg config.SyncConfig, logger *zap.Logger) *Handlers {
	return &Handlers{
		orch:    orch,
		merger:  merger,
		durable: durable,
		staging: staging,
		machine: machine,
		bus:     b,
		cfg:     cfg,
		logger:  logger.Named("api"),
	}
}

type startSyncRequest struct {
	ChatJID     string `json:"chat_jid" binding:"required"`
	MaxMessages int    `json:"max_messages"`
	Resume      bool   `json:"resume"`
}

func (h *Handlers) StartSync(c *gin.Context) {
	var req startSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !validChatJID(req.ChatJID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat_jid"})
		return
	}
	maxMessages, ok := h.resolveMaxMessages(req.MaxMessages)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_messages out of range"})
		return
	}

	handle, cp, err := h.orch.Start(req.ChatJID, maxMessages, req.Resume)
	if err != nil {
		h.syncError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"sync_id":      handle.SyncID,
		"max_messages": maxMessages,
		"checkpoint":   cp,
	})
}

func (h *Handlers) SyncStatus(c *gin.Context) {
	st, err := h.orch.Status(c.Param("jid"))
	if err != nil {
		h.syncError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handlers) CancelSync(c *gin.Context) {
	cp, err := h.orch.Cancel(c.Param("jid"))
	if err != nil {
		h.syncError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoint": cp})
}

type resumeSyncRequest struct {
	MaxMessages int `json:"max_messages"`
}

func (h *Handlers) ResumeSync(c *gin.Context) {
	var req resumeSyncRequest
	// Body is optional on resume.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	maxMessages, ok := h.resolveMaxMessages(req.MaxMessages)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_messages out of range"})
		return
	}

	handle, cp, err := h.orch.Resume(c.Param("jid"), maxMessages)
	if err != nil {
		h.syncError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"sync_id":    handle.SyncID,
		"checkpoint": cp,
	})
}

type bulkSyncRequest struct {
	ChatJIDs    []string `json:"chat_jids" binding:"required"`
	MaxMessages int      `json:"max_messages"`
}

func (h *Handlers) StartBulk(c *gin.Context) {
	var req bulkSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for _, jid := range req.ChatJIDs {
		if !validChatJID(jid) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat_jid: " + jid})
			return
		}
	}
	maxMessages, ok := h.resolveMaxMessages(req.MaxMessages)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_messages out of range"})
		return
	}

	res, err := h.orch.StartBulk(req.ChatJIDs, maxMessages)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (h *Handlers) BulkStatus(c *gin.Context) {
	raw := c.Query("jids")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "jids query parameter required"})
		return
	}
	jids := strings.Split(raw, ",")
	st, err := h.orch.BulkStatusFor(jids)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handlers) ListMessages(c *gin.Context) {
	jid := c.Param("jid")
	if !validChatJID(jid) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat_jid"})
		return
	}
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be in [1, 1000]"})
			return
		}
		limit = n
	}

	msgs, err := h.durable.ListMessages(jid, limit)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat_jid": jid, "messages": msgs, "count": len(msgs)})
}

func (h *Handlers) GlobalStatus(c *gin.Context) {
	gs, err := h.orch.GlobalStatus()
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gs)
}

func (h *Handlers) ListCheckpoints(c *gin.Context) {
	filter := c.Query("status")
	cps, err := h.durable.ListCheckpoints(filter)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": cps, "count": len(cps)})
}

func (h *Handlers) Merge(c *gin.Context) {
	res, err := h.merger.Merge(c.Request.Context(), h.staging, h.durable)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"daemon_state": h.machine.Current(),
	})
}

// resolveMaxMessages applies the default and range check. Zero means "use
// the default"; anything else must land inside [1, cap].
func (h *Handlers) resolveMaxMessages(requested int) (int, bool) {
	if requested == 0 {
		return defaultMaxMessages, true
	}
	if requested < 1 || requested > h.cfg.MaxMessagesCap {
		return 0, false
	}
	return requested, true
}

func (h *Handlers) syncError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, sync.ErrAlreadySyncing):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, sync.ErrNotResumable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, sync.ErrNoActiveSync):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		h.internalError(c, err)
	}
}

func (h *Handlers) internalError(c *gin.Context, err error) {
	h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func validChatJID(jid string) bool {
	at := strings.IndexByte(jid, '@')
	return at > 0 && at < len(jid)-1 && !strings.ContainsAny(jid, " \t\n")
}
