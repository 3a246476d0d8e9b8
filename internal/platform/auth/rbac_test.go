package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestHasRole(t *testing.T) {
	tests := []struct {
		name     string
		roles    []string
		required []string
		want     bool
	}{
		{"exact match", []string{"physician"}, []string{"physician"}, true},
		{"one of many", []string{"nurse"}, []string{"physician", "nurse"}, true},
		{"admin bypass", []string{"admin"}, []string{"physician"}, true},
		{"missing", []string{"nurse"}, []string{"physician"}, false},
		{"no roles", nil, []string{"physician"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := WithUser(context.Background(), "u1", tt.roles)
			if got := HasRole(ctx, tt.required...); got != tt.want {
				t.Errorf("HasRole(%v, %v) = %v, want %v", tt.roles, tt.required, got, tt.want)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	e := echo.New()
	handler := RequireRole("physician")(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithUser(req.Context(), "u1", []string{"physician"}))
	rec := httptest.NewRecorder()
	if err := handler(e.NewContext(req, rec)); err != nil {
		t.Fatalf("expected access, got %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithUser(req.Context(), "u2", []string{"front-desk"}))
	rec = httptest.NewRecorder()
	err := handler(e.NewContext(req, rec))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
}
