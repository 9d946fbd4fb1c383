package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"inbox-router/internal/logger"
	"inbox-router/internal/model"
	"inbox-router/internal/service"
)

type PipelineHandler struct {
	classificationService service.ClassificationService
	routingService        service.RoutingService
	logger                *logger.Logger
}

func NewPipelineHandler(classificationService service.ClassificationService, routingService service.RoutingService, logger *logger.Logger) *PipelineHandler {
	return &PipelineHandler{
		classificationService: classificationService,
		routingService:        routingService,
		logger:                logger,
	}
}

type messageRequest struct {
	UserID       string `json:"user_id"`
	MessageID    string `json:"message_id"`
	EmailID      string `json:"email_id"`
	NoteOverride string `json:"note_override"`
}

func (r *messageRequest) ref() string {
	if r.MessageID != "" {
		return r.MessageID
	}
	return r.EmailID
}

func (h *PipelineHandler) bind(c echo.Context) (string, *messageRequest, error) {
	var req messageRequest
	if err := c.Bind(&req); err != nil {
		return "", nil, badRequest(c, "invalid request body")
	}
	if req.ref() == "" {
		return "", nil, badRequest(c, "message_id is required")
	}
	userID, err := resolveUser(c, req.UserID)
	if err != nil {
		return "", nil, respondError(c, err)
	}
	return userID, &req, nil
}

// pipelineResponse is the body of analyze and accept.
type pipelineResponse struct {
	Routing   *model.RoutingDecision `json:"routing"`
	AISummary string                 `json:"ai_summary"`
	Message   *model.Message         `json:"message"`
}

// respond writes the message after an action. A destination failure still
// carries the updated message so the caller can show the error inline.
func (h *PipelineHandler) respond(c echo.Context, message *model.Message, err error) error {
	if err != nil {
		h.logger.Warn("Pipeline action failed:", err)
		body := map[string]interface{}{"error": err.Error()}
		if message != nil {
			body["message"] = message
		}
		return c.JSON(StatusFor(err), body)
	}
	return c.JSON(http.StatusOK, pipelineResponse{
		Routing:   message.Decision,
		AISummary: message.Summary,
		Message:   message,
	})
}

// Analyze answers POST /api/pipeline/analyze.
func (h *PipelineHandler) Analyze(c echo.Context) error {
	userID, req, err := h.bind(c)
	if req == nil {
		return err
	}
	message, err := h.classificationService.Analyze(c.Request().Context(), userID, req.ref())
	return h.respond(c, message, err)
}

func (h *PipelineHandler) Accept(c echo.Context) error {
	userID, req, err := h.bind(c)
	if req == nil {
		return err
	}
	message, err := h.routingService.AcceptToContactSystem(c.Request().Context(), userID, req.ref(), req.NoteOverride)
	return h.respond(c, message, err)
}

func (h *PipelineHandler) Reject(c echo.Context) error {
	return h.transition(c, h.routingService.Reject)
}

func (h *PipelineHandler) Review(c echo.Context) error {
	return h.transition(c, h.routingService.RequestReview)
}

func (h *PipelineHandler) Finalize(c echo.Context) error {
	return h.transition(c, h.routingService.Finalize)
}

func (h *PipelineHandler) transition(c echo.Context, apply func(ctx context.Context, userID, ref string) (*model.Message, error)) error {
	userID, req, err := h.bind(c)
	if req == nil {
		return err
	}
	message, err := apply(c.Request().Context(), userID, req.ref())
	if err != nil {
		return h.respond(c, message, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": message,
	})
}

// RouteEmail answers POST /api/salesforce/route-email.
func (h *PipelineHandler) RouteEmail(c echo.Context) error {
	userID, req, err := h.bind(c)
	if req == nil {
		return err
	}
	message, err := h.routingService.RouteToSecondarySystem(c.Request().Context(), userID, req.ref(), req.NoteOverride)
	if err != nil {
		return h.respond(c, message, err)
	}
	link := message.LinkFor(model.SystemSecondaryCRM)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"contact_id":     link.RecordID,
		"object_type":    link.ObjectType,
		"crm_record_url": link.RecordURL,
		"message":        message,
	})
}

// SyncEmail answers POST /api/google-sheets/sync-email.
func (h *PipelineHandler) SyncEmail(c echo.Context) error {
	userID, req, err := h.bind(c)
	if req == nil {
		return err
	}
	message, err := h.routingService.SyncToSpreadsheet(c.Request().Context(), userID, req.ref())
	if err != nil {
		return h.respond(c, message, err)
	}
	link := message.LinkFor(model.SystemSpreadsheet)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":         true,
		"row_number":      link.RowNumber,
		"spreadsheet_url": link.RecordURL,
		"message":         message,
	})
}
