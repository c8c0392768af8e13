package notification

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shandysiswandi/notifyd/internal/notification/delivery"
	"github.com/shandysiswandi/notifyd/internal/notification/dispatch"
	"github.com/shandysiswandi/notifyd/internal/notification/inbound"
	"github.com/shandysiswandi/notifyd/internal/notification/outbound/deadletter"
	"github.com/shandysiswandi/notifyd/internal/notification/outbound/gateway"
	"github.com/shandysiswandi/notifyd/internal/notification/usecase"
	"github.com/shandysiswandi/notifyd/internal/pkg/clock"
	"github.com/shandysiswandi/notifyd/internal/pkg/config"
	"github.com/shandysiswandi/notifyd/internal/pkg/goroutine"
	"github.com/shandysiswandi/notifyd/internal/pkg/idempotency"
	"github.com/shandysiswandi/notifyd/internal/pkg/instrument"
	"github.com/shandysiswandi/notifyd/internal/pkg/mail"
	"github.com/shandysiswandi/notifyd/internal/pkg/messaging"
	"github.com/shandysiswandi/notifyd/internal/pkg/router"
	"github.com/shandysiswandi/notifyd/internal/pkg/storage"
	"github.com/shandysiswandi/notifyd/internal/pkg/uid"
	"github.com/shandysiswandi/notifyd/internal/pkg/validator"
	"github.com/shandysiswandi/notifyd/internal/shared/event"
)

type Dependency struct {
	// Ctx scopes the consumer; a nil Ctx registers HTTP endpoints only.
	Ctx        context.Context
	Config     config.Config
	Instrument instrument.Instrumentation
	UID        uid.NumberID
	UUID       uid.StringID
	Clock      clock.Clocker
	Goroutine  *goroutine.Manager
	Validator  validator.Validator
	Router     *router.Router
	Messaging  messaging.Messaging
	Ledger     idempotency.Ledger
	// Storage archives dead letters; nil disables the archive.
	Storage    storage.Storage
	Mail       mail.Mail
	HTTPClient *http.Client
	Registry   *prometheus.Registry
}

// Module owns the delivery pool, which must be closed after the consumer
// has stopped.
type Module struct {
	pool *delivery.Pool
}

func New(dep Dependency) (*Module, error) {
	codec, err := event.NewCodec()
	if err != nil {
		return nil, err
	}

	table, err := routingTable(dep.Config)
	if err != nil {
		return nil, err
	}
	rt, err := dispatch.NewRouter(dep.UID, table)
	if err != nil {
		return nil, err
	}

	gw, err := newGateway(dep)
	if err != nil {
		return nil, err
	}

	pool, err := delivery.New(delivery.Dependency{
		Sender:     gw,
		Instrument: dep.Instrument,
		Config: delivery.Config{
			Workers:       dep.Config.GetInt("notification.delivery.workers"),
			QueueSize:     dep.Config.GetInt("notification.delivery.queue_size"),
			Policy:        delivery.Policy(dep.Config.GetString("notification.delivery.policy")),
			MaxAttempts:   dep.Config.GetInt("notification.delivery.max_attempts"),
			BaseDelay:     dep.Config.GetDuration("notification.delivery.base_delay"),
			MaxDelay:      dep.Config.GetDuration("notification.delivery.max_delay"),
			JitterPercent: uint64(max(dep.Config.GetInt("notification.delivery.jitter_percent"), 0)),
		},
	})
	if err != nil {
		return nil, err
	}

	dlqTopic := dep.Config.GetString("notification.dead_letter.topic")
	if dlqTopic == "" {
		dlqTopic = event.TopicDeadLetter
	}
	sink := deadletter.New(deadletter.Dependency{
		Publisher: dep.Messaging,
		Storage:   dep.Storage,
		Topic:     dlqTopic,
		Prefix:    dep.Config.GetString("notification.dead_letter.prefix"),
		Clock:     dep.Clock,
	})

	var reg prometheus.Registerer
	var metrics http.Handler
	if dep.Registry != nil {
		reg = dep.Registry
		metrics = promhttp.HandlerFor(dep.Registry, promhttp.HandlerOpts{Registry: dep.Registry})
	}

	uc, err := usecase.New(usecase.Dependency{
		Codec:      codec,
		Ledger:     dep.Ledger,
		Router:     rt,
		Pool:       pool,
		DeadLetter: sink,
		Config:     dep.Config,
		Clock:      dep.Clock,
		Validator:  dep.Validator,
		Instrument: dep.Instrument,
		Registerer: reg,
	})
	if err != nil {
		_ = pool.Close()
		return nil, err
	}

	inbound.RegisterHTTPEndpoint(dep.Router, uc, metrics)
	if dep.Ctx != nil {
		if err := inbound.RegisterMQConsumer(dep.Ctx, dep.Config, dep.Goroutine, dep.Messaging, dep.UUID, uc, dep.Instrument); err != nil {
			_ = pool.Close()
			return nil, fmt.Errorf("notification: start consumer: %w", err)
		}
	}

	return &Module{pool: pool}, nil
}

// Close drains the delivery pool.
func (m *Module) Close() error {
	return m.pool.Close()
}

func routingTable(cfg config.Config) ([]byte, error) {
	path := strings.TrimSpace(cfg.GetString("notification.routes_file"))
	if path == "" {
		return dispatch.DefaultTable(), nil
	}

	// #nosec G304 -- path is from trusted config file.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("notification: read routing table: %w", err)
	}
	return data, nil
}

func newGateway(dep Dependency) (*gateway.Gateway, error) {
	var sms *gateway.SMS
	if endpoint := strings.TrimSpace(dep.Config.GetString("sms.endpoint")); endpoint != "" {
		s, err := gateway.NewSMS(gateway.SMSConfig{
			Endpoint: endpoint,
			APIKey:   dep.Config.GetString("sms.api_key"),
			Sender:   dep.Config.GetString("sms.sender"),
			Timeout:  dep.Config.GetDuration("sms.timeout"),
		}, dep.HTTPClient)
		if err != nil {
			return nil, err
		}
		sms = s
	}

	return gateway.New(gateway.Dependency{
		Mail:      dep.Mail,
		SMS:       sms,
		Validator: dep.Validator,
	}), nil
}
