package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/errors"
	"rillcall/pkg/validation"

	"github.com/gin-gonic/gin"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	eventKeepAlive      = 15 * time.Second
)

// CallHandler exposes the local call sessions to the UI process.
type CallHandler struct {
	calls        ports.CallService
	hub          *EventHub
	historyLimit int
}

func NewCallHandler(calls ports.CallService, hub *EventHub) *CallHandler {
	return &CallHandler{
		calls:        calls,
		hub:          hub,
		historyLimit: defaultHistoryLimit,
	}
}

// WithHistoryLimit sets the page size used when a history request has no
// limit parameter.
func (h *CallHandler) WithHistoryLimit(n int) *CallHandler {
	if n > 0 && n <= maxHistoryLimit {
		h.historyLimit = n
	}
	return h
}

func (h *CallHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.POST("/calls", h.StartCall)
		api.GET("/calls", h.ListCalls)
		api.GET("/calls/history", h.History)
		api.GET("/calls/events", h.StreamEvents)
		api.GET("/calls/:id", h.GetCall)
		api.POST("/calls/:id/accept", h.AcceptCall)
		api.POST("/calls/:id/reject", h.RejectCall)
		api.POST("/calls/:id/end", h.EndCall)
		api.POST("/calls/:id/mute", h.SetMuted)
		api.POST("/calls/:id/camera", h.SetCameraOff)
		api.POST("/calls/:id/screen-share", h.ToggleScreenShare)

		api.POST("/network/change", h.NetworkChange)
	}
}

type StartCallRequest struct {
	PeerID    string `json:"peer_id" binding:"required,max=100"`
	MediaKind string `json:"media_kind" binding:"required"`
}

type ReasonRequest struct {
	Reason string `json:"reason" binding:"max=200"`
}

type MuteRequest struct {
	Muted *bool `json:"muted" binding:"required"`
}

type CameraRequest struct {
	Off *bool `json:"off" binding:"required"`
}

func (h *CallHandler) StartCall(c *gin.Context) {
	var req StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.PeerID = strings.TrimSpace(req.PeerID)
	req.MediaKind = strings.ToLower(strings.TrimSpace(req.MediaKind))
	if err := validation.ValidatePeerID(req.PeerID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateMediaKind(req.MediaKind); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	snap, err := h.calls.StartCall(c.Request.Context(), domain.PeerID(req.PeerID), domain.MediaKind(req.MediaKind))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"call": snap,
	})
}

func (h *CallHandler) ListCalls(c *gin.Context) {
	calls := h.calls.ListCalls()
	c.JSON(http.StatusOK, gin.H{
		"calls": calls,
		"total": len(calls),
	})
}

func (h *CallHandler) GetCall(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}

	snap, err := h.calls.GetCall(callID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"call": snap,
	})
}

func (h *CallHandler) AcceptCall(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}

	if err := h.calls.AcceptCall(c.Request.Context(), callID); err != nil {
		c.Error(err)
		return
	}
	h.respondWithCall(c, callID, "accepted")
}

func (h *CallHandler) RejectCall(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}
	reason, ok := bindReason(c)
	if !ok {
		return
	}

	if err := h.calls.RejectCall(c.Request.Context(), callID, reason); err != nil {
		c.Error(err)
		return
	}
	h.respondWithCall(c, callID, "rejected")
}

func (h *CallHandler) EndCall(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}
	reason, ok := bindReason(c)
	if !ok {
		return
	}

	if err := h.calls.EndCall(c.Request.Context(), callID, reason); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"call_id": callID,
		"status":  "ended",
	})
}

func (h *CallHandler) SetMuted(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}
	var req MuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("muted is required"))
		return
	}

	flags, err := h.calls.SetMuted(c.Request.Context(), callID, *req.Muted)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"call_id": callID,
		"flags":   flags,
	})
}

func (h *CallHandler) SetCameraOff(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}
	var req CameraRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("off is required"))
		return
	}

	flags, err := h.calls.SetCameraOff(c.Request.Context(), callID, *req.Off)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"call_id": callID,
		"flags":   flags,
	})
}

func (h *CallHandler) ToggleScreenShare(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}

	flags, err := h.calls.ToggleScreenShare(c.Request.Context(), callID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"call_id": callID,
		"flags":   flags,
	})
}

// NetworkChange lets the OS integration report a connectivity switch.
func (h *CallHandler) NetworkChange(c *gin.Context) {
	reason, ok := bindReason(c)
	if !ok {
		return
	}
	if reason == "" {
		reason = "network-change"
	}

	h.calls.NotifyNetworkChange(reason)
	c.JSON(http.StatusAccepted, gin.H{
		"status": "restarting",
		"calls":  len(h.calls.ListCalls()),
	})
}

// History lists finished calls, optionally narrowed to one peer.
func (h *CallHandler) History(c *gin.Context) {
	limit := h.historyLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistoryLimit {
			c.Error(errors.NewInvalidInputError("limit must be between 1 and 500"))
			return
		}
		limit = n
	}

	var (
		records []*domain.CallRecord
		err     error
	)
	if peer := c.Query("peer_id"); peer != "" {
		if verr := validation.ValidatePeerID(peer); verr != nil {
			c.Error(errors.NewInvalidInputError(verr.Error()))
			return
		}
		records, err = h.calls.PeerHistory(c.Request.Context(), domain.PeerID(peer), limit)
	} else {
		records, err = h.calls.History(c.Request.Context(), limit)
	}
	if err != nil {
		c.Error(err)
		return
	}
	if records == nil {
		records = []*domain.CallRecord{}
	}

	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"total":   len(records),
	})
}

// StreamEvents is a server-sent event stream of call events. An optional
// call_id query narrows it to one call.
func (h *CallHandler) StreamEvents(c *gin.Context) {
	filter := domain.CallID(c.Query("call_id"))
	if filter != "" {
		if err := validation.ValidateCallID(string(filter)); err != nil {
			c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
	}

	events, cancel := h.hub.Subscribe()
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	keepAlive := time.NewTicker(eventKeepAlive)
	defer keepAlive.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			c.SSEvent("ping", gin.H{"time": time.Now().UTC()})
			c.Writer.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}
			if filter != "" && event.CallID != filter {
				continue
			}
			c.SSEvent(string(event.Type), event)
			c.Writer.Flush()
		}
	}
}

func (h *CallHandler) respondWithCall(c *gin.Context, callID domain.CallID, status string) {
	body := gin.H{
		"call_id": callID,
		"status":  status,
	}
	if snap, err := h.calls.GetCall(callID); err == nil {
		body["call"] = snap
	}
	c.JSON(http.StatusOK, body)
}

func callIDParam(c *gin.Context) (domain.CallID, bool) {
	id := c.Param("id")
	if err := validation.ValidateCallID(id); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.CallID(id), true
}

// bindReason accepts an empty body.
func bindReason(c *gin.Context) (string, bool) {
	var req ReasonRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(errors.NewInvalidInputError("invalid request format"))
			return "", false
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if err := validation.ValidateReason(reason); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return reason, true
}
