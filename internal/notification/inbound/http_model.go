package inbound

import (
	"strconv"
	"time"

	"github.com/shandysiswandi/notifyd/internal/notification/outbound/deadletter"
)

type HealthResponse struct {
	Status string `json:"status"`
}

type LedgerEntryResponse struct {
	EventID       string    `json:"eventId"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	LastAttemptAt time.Time `json:"lastAttemptAt"`
}

type DeadLetterTaskResponse struct {
	ID        string `json:"id"`
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	Attempts  int    `json:"attempts"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}

type DeadLetterResponse struct {
	Key       string                   `json:"key"`
	EventID   string                   `json:"eventId,omitempty"`
	EventType string                   `json:"eventType,omitempty"`
	Stage     string                   `json:"stage"`
	Reason    string                   `json:"reason"`
	Error     string                   `json:"error,omitempty"`
	Tasks     []DeadLetterTaskResponse `json:"tasks,omitempty"`
	// Payload is the raw message body as received.
	Payload  string    `json:"payload"`
	FailedAt time.Time `json:"failedAt"`
}

type DeadLettersResponse struct {
	Date        string               `json:"date"`
	DeadLetters []DeadLetterResponse `json:"deadLetters"`
}

func (r DeadLettersResponse) Meta() map[string]any {
	return map[string]any{"count": len(r.DeadLetters)}
}

type PoolStatsResponse struct {
	Workers   int   `json:"workers"`
	QueueSize int   `json:"queueSize"`
	Queued    int   `json:"queued"`
	InFlight  int64 `json:"inFlight"`
	Submitted int64 `json:"submitted"`
	Done      int64 `json:"done"`
	Failed    int64 `json:"failed"`
	Shed      int64 `json:"shed"`
}

func toDeadLetterResponse(e deadletter.Entry) DeadLetterResponse {
	resp := DeadLetterResponse{
		Key:       e.Key,
		EventID:   e.EventID,
		EventType: e.EventType,
		Stage:     string(e.Stage),
		Reason:    e.Reason,
		Error:     e.Error,
		Payload:   string(e.Payload),
		FailedAt:  e.FailedAt,
	}
	for _, t := range e.Tasks {
		resp.Tasks = append(resp.Tasks, DeadLetterTaskResponse{
			// Snowflake ids exceed the float64 range of JSON clients.
			ID:        strconv.FormatUint(t.ID, 10),
			Channel:   t.Channel,
			Recipient: t.Recipient,
			Attempts:  t.Attempts,
			Status:    t.Status,
			Reason:    t.Reason,
			Error:     t.Error,
		})
	}
	return resp
}
