package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func ok() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
}

func TestAuth(t *testing.T) {
	h := Auth("secret", discard(), "/api/health", "/public/")(ok())

	cases := []struct {
		name   string
		path   string
		header [2]string
		want   int
	}{
		{"missing key", "/api/status", [2]string{}, http.StatusUnauthorized},
		{"wrong key", "/api/status", [2]string{"X-API-Key", "nope"}, http.StatusUnauthorized},
		{"bearer", "/api/status", [2]string{"Authorization", "Bearer secret"}, http.StatusNoContent},
		{"header", "/api/status", [2]string{"X-API-Key", "secret"}, http.StatusNoContent},
		{"public exact", "/api/health", [2]string{}, http.StatusNoContent},
		{"public prefix", "/public/x", [2]string{}, http.StatusNoContent},
		{"exact is not prefix", "/api/health/deep", [2]string{}, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header[0] != "" {
				req.Header.Set(tc.header[0], tc.header[1])
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
			if tc.want == http.StatusUnauthorized {
				assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestAuth_EmptyKeyDisables(t *testing.T) {
	rec := httptest.NewRecorder()
	Auth("", discard())(ok()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/pause", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestLogging_SetsRequestID(t *testing.T) {
	h := Logging(discard())(ok())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/pause", nil)
	req.Header.Set(RequestIDHeader, "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get(RequestIDHeader))
}
