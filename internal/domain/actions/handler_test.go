package actions

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/assistant/internal/platform/auth"
)

func postCommit(t *testing.T, f *fixture, body string, roles []string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	NewHandler(f.committer).RegisterRoutes(e.Group("/api/v1"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/actions/commit", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithUser(f.ctx, "dr-house", roles))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Commit(t *testing.T) {
	f := newFixture(t)
	body := `{"actions":[{"type":"create_order","payload":{"patient_id":"` + f.patient.ID.String() +
		`","order_type":"lab","description":"HbA1c","priority":"routine"}}]}`

	rec := postCommit(t, f, body, []string{"physician"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var res Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Count)
	assert.Len(t, f.repo.Orders, 1)
}

func TestHandler_CommitValidationFailure(t *testing.T) {
	f := newFixture(t)
	rec := postCommit(t, f, `{"actions":[{"type":"add_problem","payload":{"patient_id":"nope"}}]}`, []string{"nurse"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body commitFailure
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 0, body.Index)
}

func TestHandler_CommitRequiresClinicalRole(t *testing.T) {
	f := newFixture(t)
	rec := postCommit(t, f, `{"actions":[]}`, []string{"billing"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
