package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shandysiswandi/notifyd/internal/notification/delivery"
	"github.com/shandysiswandi/notifyd/internal/notification/dispatch"
	"github.com/shandysiswandi/notifyd/internal/notification/outbound/deadletter"
	"github.com/shandysiswandi/notifyd/internal/pkg/clock"
	"github.com/shandysiswandi/notifyd/internal/pkg/config"
	"github.com/shandysiswandi/notifyd/internal/pkg/idempotency"
	"github.com/shandysiswandi/notifyd/internal/pkg/instrument"
	"github.com/shandysiswandi/notifyd/internal/pkg/validator"
	"github.com/shandysiswandi/notifyd/internal/shared/event"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultEventTimeout    = 30 * time.Second
	defaultInFlightRecheck = 500 * time.Millisecond
	defaultInFlightRetries = 3
	defaultFinalizeTimeout = 5 * time.Second
	defaultDeadLetterLimit = 50
)

type codec interface {
	Decode(raw []byte) (event.Event, error)
}

type router interface {
	Route(ctx context.Context, e event.Event) []dispatch.Task
}

type pool interface {
	Submit(ctx context.Context, task dispatch.Task) (*delivery.Future, error)
	Stats() delivery.Stats
}

type deadLetters interface {
	Put(ctx context.Context, e deadletter.Entry) (deadletter.Entry, error)
	Get(ctx context.Context, key string) (deadletter.Entry, error)
	List(ctx context.Context, day time.Time, limit int) ([]deadletter.Entry, error)
}

type Dependency struct {
	Codec      codec
	Ledger     idempotency.Ledger
	Router     router
	Pool       pool
	DeadLetter deadLetters
	Config     config.Config
	Clock      clock.Clocker
	Validator  validator.Validator
	Instrument instrument.Instrumentation
	// Registerer receives the ingestion collectors. Defaults to a private
	// registry so tests can build several usecases.
	Registerer prometheus.Registerer
}

type Usecase struct {
	codec      codec
	ledger     idempotency.Ledger
	router     router
	pool       pool
	deadLetter deadLetters
	cfg        config.Config
	clock      clock.Clocker
	validator  validator.Validator
	ins        instrument.Instrumentation
	metrics    *metrics
}

func New(dep Dependency) (*Usecase, error) {
	reg := dep.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m, err := newMetrics(reg)
	if err != nil {
		return nil, err
	}

	uc := &Usecase{
		codec:      dep.Codec,
		ledger:     dep.Ledger,
		router:     dep.Router,
		pool:       dep.Pool,
		deadLetter: dep.DeadLetter,
		cfg:        dep.Config,
		clock:      dep.Clock,
		validator:  dep.Validator,
		ins:        dep.Instrument,
		metrics:    m,
	}
	if uc.clock == nil {
		uc.clock = clock.New()
	}
	if uc.ins == nil {
		uc.ins = instrument.NewNoop()
	}
	return uc, nil
}

func (s *Usecase) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.ins.Tracer("notification.usecase").Start(ctx, name)
}

// The settings below are read per event so a config reload applies to the
// next message.

// eventTimeout is the configured budget, kept inside the ledger lease: once
// the lease runs out another consumer may take the event over, so this one
// must have stopped sending and recorded its outcome by then.
func (s *Usecase) eventTimeout() time.Duration {
	d := defaultEventTimeout
	if s.cfg != nil {
		if v := s.cfg.GetDuration("notification.event_timeout"); v > 0 {
			d = v
		}
	}
	return min(d, leaseBudget(s.lease()))
}

func (s *Usecase) lease() time.Duration {
	if s.cfg != nil {
		if d := s.cfg.GetDuration("ledger.lease"); d > 0 {
			return d
		}
	}
	return idempotency.DefaultLease
}

func leaseBudget(lease time.Duration) time.Duration {
	if b := lease - defaultFinalizeTimeout; b > 0 {
		return b
	}
	return lease / 2
}

// ValidateTimeouts reports whether a ledger lease is long enough for one event:
// it must exceed the event timeout plus the time reserved for recording the
// outcome. Zero values mean the defaults.
func ValidateTimeouts(eventTimeout, lease time.Duration) error {
	if eventTimeout <= 0 {
		eventTimeout = defaultEventTimeout
	}
	if lease <= 0 {
		lease = idempotency.DefaultLease
	}
	if need := eventTimeout + defaultFinalizeTimeout; lease <= need {
		return fmt.Errorf("usecase: ledger lease %s must be longer than event timeout %s plus %s to finalize",
			lease, eventTimeout, defaultFinalizeTimeout)
	}
	return nil
}

func (s *Usecase) inFlightRecheck() (time.Duration, int) {
	interval, retries := defaultInFlightRecheck, defaultInFlightRetries
	if s.cfg != nil {
		if d := s.cfg.GetDuration("notification.inflight_recheck_interval"); d > 0 {
			interval = d
		}
		if n := s.cfg.GetInt("notification.inflight_rechecks"); n > 0 {
			retries = n
		}
	}
	return interval, retries
}
