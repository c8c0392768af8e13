package router

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/shandysiswandi/notifyd/internal/pkg/config"
	"github.com/shandysiswandi/notifyd/internal/pkg/goerror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedID string

func (f fixedID) Generate() string { return string(f) }

type withMeta struct {
	Value string `json:"value"`
}

func (withMeta) Message() string      { return "listed" }
func (withMeta) Meta() map[string]any { return map[string]any{"count": 1} }

func serve(t *testing.T, ro *Router, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	rec := httptest.NewRecorder()
	ro.ServeHTTP(rec, req)

	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestRouter_Codecs(t *testing.T) {
	ro := NewRouter(Config{UUID: fixedID("cid-1")})
	ro.GET("/ok/:id", func(r *Request) (any, error) {
		return map[string]string{"id": r.GetParam("id")}, nil
	})
	ro.GET("/meta", func(*Request) (any, error) { return withMeta{Value: "v"}, nil })
	ro.GET("/empty", func(*Request) (any, error) { return nil, nil })
	ro.GET("/missing", func(*Request) (any, error) { return nil, goerror.NewNotFound("ledger entry not found") })
	ro.GET("/invalid", func(*Request) (any, error) {
		return nil, goerror.NewInvalidInput(errors.New("bad"), "limit", "must be positive")
	})
	ro.GET("/boom", func(*Request) (any, error) { return nil, errors.New("db down") })

	rec, body := serve(t, ro, httptest.NewRequest(http.MethodGet, "/ok/evt-1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cid-1", rec.Header().Get(HeaderCorrelationID))
	assert.Equal(t, map[string]any{"id": "evt-1"}, body["data"])

	rec, body = serve(t, ro, httptest.NewRequest(http.MethodGet, "/meta", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "listed", body["message"])
	assert.Equal(t, map[string]any{"count": float64(1)}, body["meta"])

	rec, _ = serve(t, ro, httptest.NewRequest(http.MethodGet, "/empty", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, body = serve(t, ro, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "ledger entry not found", body["message"])

	rec, body = serve(t, ro, httptest.NewRequest(http.MethodGet, "/invalid", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, map[string]any{"limit": "must be positive"}, body["error"])

	rec, body = serve(t, ro, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal server error", body["message"])

	rec, _ = serve(t, ro, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_CorrelationIDFromHeader(t *testing.T) {
	ro := NewRouter(Config{UUID: fixedID("generated")})
	ro.GET("/x", func(*Request) (any, error) { return "ok", nil })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(HeaderRequestID, "  from-proxy ")
	rec, _ := serve(t, ro, req)
	assert.Equal(t, "from-proxy", rec.Header().Get(HeaderCorrelationID))

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(HeaderCorrelationID, "bad\r\nvalue")
	rec, _ = serve(t, ro, req)
	assert.Equal(t, "generated", rec.Header().Get(HeaderCorrelationID))
}

func TestRouter_Recover(t *testing.T) {
	ro := NewRouter(Config{})
	ro.GET("/panic", func(*Request) (any, error) { panic("kaboom") })

	rec, body := serve(t, ro, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal server error", body["message"])
}

func TestRouter_Maintenance(t *testing.T) {
	cfg, err := config.NewViperFromBytes("yaml", "", []byte("http:\n  maintenance_routes: [\"/api/v1/x\"]\n"))
	require.NoError(t, err)

	ro := NewRouter(Config{Config: cfg})
	ro.GET("/api/v1/x", func(*Request) (any, error) { return "ok", nil })

	rec, _ := serve(t, ro, httptest.NewRequest(http.MethodGet, "/api/v1/x", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequest_Queries(t *testing.T) {
	r := &Request{Request: httptest.NewRequest(http.MethodGet, "/?limit=5&bad=x&date=2026-03-01", nil)}

	n, err := r.GetQueryInt("limit", 10)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = r.GetQueryInt("absent", 10)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	_, err = r.GetQueryInt("bad", 10)
	var gerr *goerror.Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, goerror.CodeInvalidFormat, gerr.Code())

	d, err := r.GetQueryDate("date", time.DateOnly)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), d)

	d, err = r.GetQueryDate("absent", time.DateOnly)
	require.NoError(t, err)
	assert.True(t, d.IsZero())
}

func TestClientIP(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		want    string
	}{
		{name: "no headers", remote: "10.0.0.1:5555", want: "10.0.0.1"},
		{
			name:    "forwarded by trusted proxy",
			remote:  "10.0.0.1:5555",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"},
			want:    "203.0.113.9",
		},
		{
			name:    "real ip wins over forwarded for",
			remote:  "10.0.0.1:5555",
			headers: map[string]string{"X-Real-IP": "198.51.100.2", "X-Forwarded-For": "203.0.113.9"},
			want:    "198.51.100.2",
		},
		{
			name:    "invalid header falls back to peer",
			remote:  "10.0.0.1:5555",
			headers: map[string]string{"X-Real-IP": "not-an-ip"},
			want:    "10.0.0.1",
		},
		{
			name:    "untrusted peer is not overridden",
			remote:  "192.0.2.7:5555",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.9"},
			want:    "192.0.2.7",
		},
		{name: "garbage remote addr", remote: "pipe", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIP(r, trusted))
		})
	}
}
