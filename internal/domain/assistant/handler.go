package assistant

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/assistant/internal/domain/assistant/tools"
	"github.com/ehr/assistant/internal/domain/usage"
	"github.com/ehr/assistant/internal/platform/auth"
	"github.com/ehr/assistant/internal/platform/llm"
	"github.com/ehr/assistant/pkg/pagination"
)

type Handler struct {
	svc *Service
	// chatMiddleware wraps only the chat route, e.g. a per-tenant rate limit.
	chatMiddleware []echo.MiddlewareFunc
}

func NewHandler(svc *Service, chatMiddleware ...echo.MiddlewareFunc) *Handler {
	return &Handler{svc: svc, chatMiddleware: chatMiddleware}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/assistant", auth.RequireRole("physician", "nurse"))
	g.POST("/chat", h.Chat, h.chatMiddleware...)
	g.GET("/tools", h.ListTools)
	g.GET("/conversations", h.ListConversations)
	g.GET("/conversations/:id", h.GetConversation)
	g.GET("/conversations/:id/messages", h.ListMessages)
	g.DELETE("/conversations/:id", h.ArchiveConversation)
}

type budgetResponse struct {
	Error  string       `json:"error"`
	Budget usage.Budget `json:"budget"`
}

type failedTurnResponse struct {
	Error string        `json:"error"`
	Turn  *ChatResponse `json:"turn"`
}

func (h *Handler) Chat(c echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	resp, err := h.svc.Chat(c.Request().Context(), req)
	if err == nil {
		return c.JSON(http.StatusOK, resp)
	}

	var bErr *BudgetError
	switch {
	case errors.As(err, &bErr):
		return c.JSON(http.StatusTooManyRequests, budgetResponse{
			Error:  "The daily assistant budget for your organisation is used up. It resets at midnight UTC.",
			Budget: bErr.Budget,
		})
	case errors.Is(err, llm.ErrTimeout):
		return c.JSON(http.StatusGatewayTimeout, failedTurnResponse{Error: "assistant timed out", Turn: resp})
	case errors.Is(err, llm.ErrGateway):
		return c.JSON(http.StatusBadGateway, failedTurnResponse{Error: "assistant unavailable", Turn: resp})
	case resp != nil:
		return c.JSON(http.StatusBadGateway, failedTurnResponse{Error: "assistant unavailable", Turn: resp})
	}
	return conversationError(err)
}

func conversationError(err error) error {
	switch {
	case errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrMessageTooLong):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrConversationNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotOwner):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrConversationArchived), errors.Is(err, ErrPatientMismatch):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

type toolView struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Class       tools.Class `json:"class"`
	Scope       tools.Scope `json:"scope"`
	Risk        string      `json:"risk"`
}

// ListTools shows which tools a conversation would be offered, with or
// without ?patient_id.
func (h *Handler) ListTools(c echo.Context) error {
	var patient *uuid.UUID
	if v := c.QueryParam("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		patient = &id
	}
	defs := h.svc.Tools(patient)
	out := make([]toolView, 0, len(defs))
	for _, d := range defs {
		out = append(out, toolView{Name: d.Name, Description: d.Description, Class: d.Class, Scope: d.Scope, Risk: string(d.Risk)})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) ListConversations(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListConversations(c.Request().Context(), c.QueryParam("archived") == "true", pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetConversation(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	conv, err := h.svc.GetConversation(c.Request().Context(), id)
	if err != nil {
		return conversationError(err)
	}
	return c.JSON(http.StatusOK, conv)
}

func (h *Handler) ListMessages(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListMessages(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return conversationError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ArchiveConversation(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.Archive(c.Request().Context(), id); err != nil {
		return conversationError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
