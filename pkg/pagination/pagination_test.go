package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

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
		e := echo.New()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/"+tt.query, nil), httptest.NewRecorder())
		p := FromContext(c)
		if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
			t.Errorf("%q: got limit=%d offset=%d, want %d/%d", tt.query, p.Limit, p.Offset, tt.wantLimit, tt.wantOffset)
		}
	}
}

func TestPage(t *testing.T) {
	all := []int{1, 2, 3, 4, 5}

	r := Page(all, Params{Limit: 2, Offset: 2})
	if len(r.Data) != 2 || r.Data[0] != 3 || r.Total != 5 || !r.HasMore {
		t.Errorf("unexpected page: %+v", r)
	}

	r = Page(all, Params{Limit: 10, Offset: 4})
	if len(r.Data) != 1 || r.HasMore {
		t.Errorf("unexpected last page: %+v", r)
	}

	r = Page(all, Params{Limit: 10, Offset: 50})
	if r.Data == nil || len(r.Data) != 0 {
		t.Errorf("expected empty non-nil page, got %+v", r.Data)
	}
}
