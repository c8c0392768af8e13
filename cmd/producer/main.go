// Command producer publishes test notification events to the request topic.
//
//	producer [flags] <new-user|password-reset|purchase-slot|all>
//
// Connection settings come from PRODUCER_* environment variables; flags
// override them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/nats-io/nats.go"
	"github.com/nsqio/go-nsq"
	"github.com/segmentio/kafka-go"
	"github.com/shandysiswandi/notifyd/internal/pkg/instrument"
	"github.com/shandysiswandi/notifyd/internal/pkg/messaging"
	"github.com/shandysiswandi/notifyd/internal/pkg/validator"
	"github.com/shandysiswandi/notifyd/internal/producer"
	"google.golang.org/api/option"
)

type Config struct {
	Driver         string        `env:"PRODUCER_DRIVER" envDefault:"kafka"`
	Brokers        []string      `env:"PRODUCER_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	Topic          string        `env:"PRODUCER_TOPIC" envDefault:"notification.requests"`
	Timeout        time.Duration `env:"PRODUCER_TIMEOUT" envDefault:"10s"`
	NATSURL        string        `env:"PRODUCER_NATS_URL" envDefault:"nats://localhost:4222"`
	NSQAddr        string        `env:"PRODUCER_NSQ_ADDR" envDefault:"localhost:4150"`
	PubSubProject  string        `env:"PRODUCER_PUBSUB_PROJECT"`
	PubSubEndpoint string        `env:"PRODUCER_PUBSUB_ENDPOINT"`
	LogLevel       string        `env:"PRODUCER_LOG_LEVEL" envDefault:"warn"`
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("producer failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	fs := flag.NewFlagSet("producer", flag.ContinueOnError)
	brokers := fs.String("brokers", strings.Join(cfg.Brokers, ","), "comma separated kafka brokers")
	fs.StringVar(&cfg.Driver, "driver", cfg.Driver, "messaging driver: kafka, nats, nsq, google-pubsub")
	fs.StringVar(&cfg.Topic, "topic", cfg.Topic, "destination topic")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "publish timeout per event")
	var opts producer.Options
	fs.StringVar(&opts.Email, "email", "", "recipient email (command default when empty)")
	fs.StringVar(&opts.UserName, "name", "", "user name for new-user")
	fs.StringVar(&opts.ProductName, "product", "", "product name for purchase-slot")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: producer [flags] <%s>\n", strings.Join(producer.Commands(), "|"))
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("exactly one command is required")
	}
	cfg.Brokers = strings.Split(*brokers, ",")

	if _, err := instrument.New(context.Background(), &instrument.Config{
		ServiceName: "notifyd-producer",
		LogLevel:    cfg.LogLevel,
	}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := newMessaging(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			slog.Warn("failed to close messaging", "error", err)
		}
	}()

	v, err := validator.NewV10Validator()
	if err != nil {
		return err
	}

	p, err := producer.New(producer.Dependency{
		Publisher: client,
		Validator: v,
		Topic:     cfg.Topic,
		Timeout:   cfg.Timeout,
		Out:       os.Stdout,
	})
	if err != nil {
		return err
	}

	slog.Debug("publishing", "driver", cfg.Driver, "topic", cfg.Topic, "command", fs.Arg(0))
	_, err = p.Run(ctx, fs.Arg(0), opts)
	return err
}

func newMessaging(ctx context.Context, cfg Config) (messaging.Messaging, error) {
	var pubsubOptions []option.ClientOption
	if cfg.PubSubEndpoint != "" {
		pubsubOptions = append(pubsubOptions, option.WithEndpoint(cfg.PubSubEndpoint), option.WithoutAuthentication())
	}

	client, err := messaging.NewFromDriver(ctx, cfg.Driver, messaging.FactoryOptions{
		Kafka: messaging.KafkaConfig{
			Brokers:      cfg.Brokers,
			Dialer:       &kafka.Dialer{ClientID: "notifyd-producer", Timeout: cfg.Timeout, DualStack: true},
			RequiredAcks: kafka.RequireAll,
		},
		NATS: messaging.NATSConfig{
			URL:     cfg.NATSURL,
			Options: []nats.Option{nats.Name("notifyd-producer"), nats.Timeout(cfg.Timeout)},
		},
		NSQ: messaging.NSQConfig{
			ProducerAddr: cfg.NSQAddr,
			Config:       nsq.NewConfig(),
		},
		PubSub: messaging.PubSubConfig{
			ProjectID:     cfg.PubSubProject,
			ClientOptions: pubsubOptions,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Driver, err)
	}
	return client, nil
}
