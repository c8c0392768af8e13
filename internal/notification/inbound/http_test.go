package inbound

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shandysiswandi/notifyd/internal/notification/delivery"
	"github.com/shandysiswandi/notifyd/internal/notification/outbound/deadletter"
	"github.com/shandysiswandi/notifyd/internal/pkg/goerror"
	"github.com/shandysiswandi/notifyd/internal/pkg/idempotency"
	"github.com/shandysiswandi/notifyd/internal/pkg/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(uc uc) *router.Router {
	r := router.NewRouter(router.Config{UUID: fixedID("cid")})
	RegisterHTTPEndpoint(r, uc, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	}))
	return r
}

func get(t *testing.T, r http.Handler, target string) (int, map[string]any) {
	t.Helper()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

	var body map[string]any
	if rec.Header().Get("Content-Type") != "" && rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &body)
	}
	return rec.Code, body
}

func TestHTTP_HealthAndMetrics(t *testing.T) {
	r := newTestRouter(&fakeUsecase{})

	code, body := get(t, r, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"status": "ok"}, body["data"])

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# metrics")
}

func TestHTTP_GetLedgerEntry(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	uc := &fakeUsecase{entry: &idempotency.Entry{Key: "evt-1", Status: idempotency.StatusFailed, Reason: "timeout", LastAttemptAt: at}}

	code, body := get(t, newTestRouter(uc), "/api/v1/notification/ledger/evt-1")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{
		"eventId":       "evt-1",
		"status":        "FAILED",
		"reason":        "timeout",
		"lastAttemptAt": "2026-03-01T12:00:00Z",
	}, body["data"])

	uc.err = goerror.NewNotFound("Ledger entry not found")
	code, body = get(t, newTestRouter(uc), "/api/v1/notification/ledger/evt-2")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Ledger entry not found", body["message"])
}

func TestHTTP_ListDeadLetters(t *testing.T) {
	failedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	uc := &fakeUsecase{letters: []deadletter.Entry{{
		Key:      "dead-letters/2026/03/01/1-evt-1.json",
		EventID:  "evt-1",
		Stage:    deadletter.StageDispatch,
		Reason:   "permanent",
		Tasks:    []deadletter.TaskSummary{{ID: 1 << 62, Channel: "email", Recipient: "a@example.com", Attempts: 1, Status: "FAILED"}},
		Payload:  []byte(`{"eventId":"evt-1"}`),
		FailedAt: failedAt,
	}}}

	code, body := get(t, newTestRouter(uc), "/api/v1/notification/dead-letters?date=2026-03-01&limit=10")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 10, uc.listIn.Limit)
	assert.True(t, uc.listIn.Date.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, map[string]any{"count": float64(1)}, body["meta"])

	data := body["data"].(map[string]any)
	assert.Equal(t, "2026-03-01", data["date"])
	letters := data["deadLetters"].([]any)
	require.Len(t, letters, 1)
	letter := letters[0].(map[string]any)
	assert.Equal(t, `{"eventId":"evt-1"}`, letter["payload"])
	assert.Equal(t, "4611686018427387904", letter["tasks"].([]any)[0].(map[string]any)["id"])

	code, _ = get(t, newTestRouter(uc), "/api/v1/notification/dead-letters?date=yesterday")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = get(t, newTestRouter(uc), "/api/v1/notification/dead-letters?limit=ten")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHTTP_GetDeadLetter(t *testing.T) {
	uc := &fakeUsecase{letters: []deadletter.Entry{{Key: "k", Stage: deadletter.StageDecode, Reason: "schema_violation"}}}

	code, body := get(t, newTestRouter(uc), "/api/v1/notification/dead-letters/object?key=k")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "decode", body["data"].(map[string]any)["stage"])

	uc.err = goerror.NewUnavailable("Dead letter archive is not configured")
	code, _ = get(t, newTestRouter(uc), "/api/v1/notification/dead-letters/object?key=k")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestHTTP_PoolStats(t *testing.T) {
	uc := &fakeUsecase{stats: delivery.Stats{Workers: 4, QueueSize: 16, Submitted: 10, Done: 9, Failed: 1}}

	code, body := get(t, newTestRouter(uc), "/api/v1/notification/stats")
	require.Equal(t, http.StatusOK, code)
	data := body["data"].(map[string]any)
	assert.InDelta(t, 4, data["workers"], 0)
	assert.InDelta(t, 9, data["done"], 0)
}
