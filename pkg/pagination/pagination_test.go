package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(query string) Params {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/"+query, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", DefaultLimit, 0},
		{"?limit=5&offset=10", 5, 10},
		{"?limit=1000", MaxLimit, 0},
		{"?limit=-3&offset=-1", DefaultLimit, 0},
		{"?limit=abc", DefaultLimit, 0},
	}
	for _, tt := range tests {
		p := paramsFor(tt.query)
		if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
			t.Errorf("FromContext(%q) = %+v, want limit=%d offset=%d", tt.query, p, tt.wantLimit, tt.wantOffset)
		}
	}
}

func TestNewResponse_HasMore(t *testing.T) {
	if r := NewResponse(nil, 50, 20, 20); !r.HasMore {
		t.Error("expected HasMore for a middle page")
	}
	if r := NewResponse(nil, 40, 20, 20); r.HasMore {
		t.Error("expected no more results on the last page")
	}
}
