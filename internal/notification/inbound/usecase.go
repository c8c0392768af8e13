package inbound

import (
	"context"

	"github.com/shandysiswandi/notifyd/internal/notification/delivery"
	"github.com/shandysiswandi/notifyd/internal/notification/outbound/deadletter"
	"github.com/shandysiswandi/notifyd/internal/notification/usecase"
	"github.com/shandysiswandi/notifyd/internal/pkg/idempotency"
)

type uc interface {
	ProcessEvent(ctx context.Context, raw []byte) usecase.Outcome

	GetLedgerEntry(ctx context.Context, in usecase.GetLedgerEntryInput) (*idempotency.Entry, error)
	ListDeadLetters(ctx context.Context, in usecase.ListDeadLettersInput) ([]deadletter.Entry, error)
	GetDeadLetter(ctx context.Context, in usecase.GetDeadLetterInput) (*deadletter.Entry, error)
	PoolStats() delivery.Stats
}
