package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"inbox-router/internal/logger"
	"inbox-router/internal/model"
	"inbox-router/internal/service"
	"inbox-router/internal/sse"
)

const keepAliveInterval = 25 * time.Second

type InboxHandler struct {
	inboxService service.InboxService
	syncService  service.SyncService
	sseManager   *sse.SSEManager
	logger       *logger.Logger
}

func NewInboxHandler(inboxService service.InboxService, syncService service.SyncService, sseManager *sse.SSEManager, logger *logger.Logger) *InboxHandler {
	return &InboxHandler{
		inboxService: inboxService,
		syncService:  syncService,
		sseManager:   sseManager,
		logger:       logger,
	}
}

// ListMessages answers GET /api/inbox/messages?status=&limit=&query=.
func (h *InboxHandler) ListMessages(c echo.Context) error {
	userID, err := resolveUser(c, "")
	if err != nil {
		return respondError(c, err)
	}

	filter := model.MessageFilter{
		Status: c.QueryParam("status"),
		Query:  c.QueryParam("query"),
	}
	if filter.Status != "" && filter.Status != model.FilterAll && !model.MessageStatus(filter.Status).Valid() {
		return badRequest(c, "unknown status filter: "+filter.Status)
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return badRequest(c, "limit must be a number")
		}
		filter.Limit = limit
	}

	messages, err := h.inboxService.List(c.Request().Context(), userID, filter)
	if err != nil {
		h.logger.Error("Failed to list messages:", err)
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"messages": messages,
	})
}

func (h *InboxHandler) GetMessage(c echo.Context) error {
	userID, err := resolveUser(c, "")
	if err != nil {
		return respondError(c, err)
	}
	message, err := h.inboxService.Get(c.Request().Context(), userID, c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, message)
}

func (h *InboxHandler) Summary(c echo.Context) error {
	userID, err := resolveUser(c, "")
	if err != nil {
		return respondError(c, err)
	}
	summary, err := h.inboxService.Summary(c.Request().Context(), userID)
	if err != nil {
		h.logger.Error("Failed to build inbox summary:", err)
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}

type startSyncRequest struct {
	UserID      string `json:"user_id"`
	MaxMessages int64  `json:"max_messages"`
}

// StartSync answers POST /api/gmail/sync/start.
func (h *InboxHandler) StartSync(c echo.Context) error {
	var req startSyncRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	userID, err := resolveUser(c, req.UserID)
	if err != nil {
		return respondError(c, err)
	}

	result, err := h.syncService.StartSync(c.Request().Context(), userID, req.MaxMessages)
	if err != nil {
		h.logger.Warn("Sync failed for user", userID, ":", err)
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// Stream serves GET /api/inbox/stream as Server-Sent Events.
func (h *InboxHandler) Stream(c echo.Context) error {
	userID, err := resolveUser(c, "")
	if err != nil {
		return respondError(c, err)
	}

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	clientChannel := h.sseManager.AddClient(userID)
	defer h.sseManager.RemoveClient(userID, clientChannel)

	initJSON, _ := json.Marshal(sse.Event{
		Type: "connection",
		Data: map[string]string{"user_id": userID},
		Time: time.Now().Unix(),
	})
	fmt.Fprintf(c.Response(), "data: %s\n\n", initJSON)
	c.Response().Flush()

	if summary, err := h.inboxService.Summary(c.Request().Context(), userID); err == nil {
		h.sseManager.BroadcastToUser(userID, service.EventInboxSummary, summary)
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case eventData, ok := <-clientChannel:
			if !ok {
				return nil
			}
			fmt.Fprintf(c.Response(), "data: %s\n\n", eventData)
			c.Response().Flush()
		case <-keepAlive.C:
			fmt.Fprint(c.Response(), ": keep-alive\n\n")
			c.Response().Flush()
		case <-c.Request().Context().Done():
			return nil
		}
	}
}
