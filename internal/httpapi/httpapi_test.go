package httpapi

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRouter(t *testing.T) {
	t.Run("assigns a request id", func(t *testing.T) {
		r := NewRouter(quietLogger())
		var seen string
		r.Get("/x", func(w http.ResponseWriter, req *http.Request) {
			seen = RequestID(req.Context())
		})

		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get(HeaderRequestID))
	})

	t.Run("keeps the caller's request id", func(t *testing.T) {
		r := NewRouter(quietLogger())
		r.Get("/x", func(http.ResponseWriter, *http.Request) {})

		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set(HeaderRequestID, "req-1")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		assert.Equal(t, "req-1", rec.Header().Get(HeaderRequestID))
	})

	t.Run("recovers from a panic", func(t *testing.T) {
		r := NewRouter(quietLogger())
		r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })

		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.JSONEq(t, `{"error":"Internal server error"}`, rec.Body.String())
	})
}

func TestDecodeBody(t *testing.T) {
	type body struct {
		Reason string `json:"reason"`
	}

	t.Run("decodes one value", func(t *testing.T) {
		var b body
		require.NoError(t, DecodeBody(strings.NewReader(`{"reason":"x"}`), &b))
		assert.Equal(t, "x", b.Reason)
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		var b body
		assert.Error(t, DecodeBody(strings.NewReader(`{"reason":"x","extra":1}`), &b))
	})

	t.Run("rejects trailing values", func(t *testing.T) {
		var b body
		assert.Error(t, DecodeBody(bytes.NewReader([]byte(`{"reason":"x"} {}`)), &b))
	})
}

func TestWriteErrorDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorDetail(rec, http.StatusServiceUnavailable, "Service unavailable", "breaker open")

	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"Service unavailable","message":"breaker open"}`, rec.Body.String())
}
