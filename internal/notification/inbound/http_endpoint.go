package inbound

import (
	"time"

	"github.com/shandysiswandi/notifyd/internal/notification/usecase"
	"github.com/shandysiswandi/notifyd/internal/pkg/router"
)

const dateLayout = time.DateOnly

type HTTPEndpoint struct {
	uc uc
}

// Health reports that the process is serving.
// @Summary Health check
// @Tags System
// @Produce json
// @Success 200 {object} router.successResponse{data=HealthResponse} "Service is up"
// @Router /health [get]
func (h *HTTPEndpoint) Health(*router.Request) (any, error) {
	return HealthResponse{Status: "ok"}, nil
}

// GetLedgerEntry returns the idempotency ledger entry of an event.
// @Summary Get ledger entry
// @Description Returns the processing status recorded for an event id.
// @Tags Notification
// @Produce json
// @Param event_id path string true "Event ID"
// @Success 200 {object} router.successResponse{data=LedgerEntryResponse} "Ledger entry"
// @Failure 404 {object} router.errorResponse "Ledger entry not found"
// @Failure 422 {object} router.errorResponse "Validation error"
// @Failure 500 {object} router.errorResponse "Internal server error"
// @Router /api/v1/notification/ledger/{event_id} [get]
func (h *HTTPEndpoint) GetLedgerEntry(r *router.Request) (any, error) {
	entry, err := h.uc.GetLedgerEntry(r.Context(), usecase.GetLedgerEntryInput{EventID: r.GetParam("event_id")})
	if err != nil {
		return nil, err
	}

	return LedgerEntryResponse{
		EventID:       entry.Key,
		Status:        entry.Status.String(),
		Reason:        entry.Reason,
		LastAttemptAt: entry.LastAttemptAt,
	}, nil
}

// ListDeadLetters returns dead-lettered events archived on a day.
// @Summary List dead letters
// @Description Returns archived dead letters, oldest first.
// @Tags Notification
// @Produce json
// @Param date query string false "Archive day (YYYY-MM-DD, UTC), defaults to today"
// @Param limit query int false "Maximum entries (1-500), defaults to 50"
// @Success 200 {object} router.successResponse{data=DeadLettersResponse} "Dead letters"
// @Failure 400 {object} router.errorResponse "Invalid query parameters"
// @Failure 422 {object} router.errorResponse "Validation error"
// @Failure 503 {object} router.errorResponse "Archive not configured"
// @Failure 500 {object} router.errorResponse "Internal server error"
// @Router /api/v1/notification/dead-letters [get]
func (h *HTTPEndpoint) ListDeadLetters(r *router.Request) (any, error) {
	date, err := r.GetQueryDate("date", dateLayout)
	if err != nil {
		return nil, err
	}
	limit, err := r.GetQueryInt("limit", 0)
	if err != nil {
		return nil, err
	}

	entries, err := h.uc.ListDeadLetters(r.Context(), usecase.ListDeadLettersInput{Date: date, Limit: limit})
	if err != nil {
		return nil, err
	}

	resp := DeadLettersResponse{DeadLetters: make([]DeadLetterResponse, 0, len(entries))}
	if !date.IsZero() {
		resp.Date = date.Format(dateLayout)
	}
	for _, e := range entries {
		resp.DeadLetters = append(resp.DeadLetters, toDeadLetterResponse(e))
		if resp.Date == "" {
			resp.Date = e.FailedAt.UTC().Format(dateLayout)
		}
	}
	return resp, nil
}

// GetDeadLetter returns one archived dead letter.
// @Summary Get dead letter
// @Tags Notification
// @Produce json
// @Param key query string true "Archive key"
// @Success 200 {object} router.successResponse{data=DeadLetterResponse} "Dead letter"
// @Failure 404 {object} router.errorResponse "Dead letter not found"
// @Failure 422 {object} router.errorResponse "Validation error"
// @Failure 503 {object} router.errorResponse "Archive not configured"
// @Failure 500 {object} router.errorResponse "Internal server error"
// @Router /api/v1/notification/dead-letters/object [get]
func (h *HTTPEndpoint) GetDeadLetter(r *router.Request) (any, error) {
	entry, err := h.uc.GetDeadLetter(r.Context(), usecase.GetDeadLetterInput{Key: r.GetQuery("key")})
	if err != nil {
		return nil, err
	}

	return toDeadLetterResponse(*entry), nil
}

// PoolStats returns delivery pool counters.
// @Summary Delivery pool stats
// @Tags Notification
// @Produce json
// @Success 200 {object} router.successResponse{data=PoolStatsResponse} "Pool counters"
// @Router /api/v1/notification/stats [get]
func (h *HTTPEndpoint) PoolStats(*router.Request) (any, error) {
	s := h.uc.PoolStats()
	return PoolStatsResponse{
		Workers:   s.Workers,
		QueueSize: s.QueueSize,
		Queued:    s.Queued,
		InFlight:  s.InFlight,
		Submitted: s.Submitted,
		Done:      s.Done,
		Failed:    s.Failed,
		Shed:      s.Shed,
	}, nil
}
