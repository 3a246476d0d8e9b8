package usage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/assistant/internal/platform/db"
)

func serveToday(t *testing.T, svc *Service) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	NewHandler(svc).RegisterRoutes(e.Group("/api/v1"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/usage/today", nil)
	req = req.WithContext(db.WithTenant(req.Context(), "clinic_a"))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Today(t *testing.T) {
	svc := NewService(NewMemoryRepository(), 1000, zerolog.Nop())
	svc.RecordUsage(context.Background(), "clinic_a", 250, 1)

	rec := serveToday(t, svc)
	require.Equal(t, http.StatusOK, rec.Code)

	var body todayResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(750), body.Budget.Remaining)
	assert.Equal(t, int64(1), body.Counter.ToolCallCount)
}

func TestHandler_TodayUnavailable(t *testing.T) {
	repo := NewMemoryRepository()
	repo.Fail = errors.New("down")
	rec := serveToday(t, NewService(repo, 1000, zerolog.Nop()))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
