package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/couchbase/gocb/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/nats-io/nats.go"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/segmentio/kafka-go"
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
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	_ "modernc.org/sqlite"
)

const envPrefix = "NOTIFYD"

// Ledger drivers accepted by ledger.driver.
const (
	ledgerMemory    = "memory"
	ledgerRedis     = "redis"
	ledgerPostgres  = "postgres"
	ledgerSQLite    = "sqlite"
	ledgerCouchbase = "couchbase"
)

func (a *App) initConfig() {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "/config/config.yaml"
		if os.Getenv("LOCAL") == "true" {
			path = "./config/config.yaml"
		}
	}

	cfg, err := config.NewViper(path, envPrefix)
	if err != nil {
		slog.Error("failed to init config", "error", err)
		os.Exit(1)
	}

	//nolint:errcheck,gosec // ignore error
	os.Setenv("TZ", cfg.GetString("app.tz"))

	a.config = cfg
}

func (a *App) initInstrument() {
	ins, err := instrument.New(context.Background(), &instrument.Config{
		Enabled:          a.config.GetBool("instrument.enabled"),
		ServiceName:      a.config.GetString("instrument.service_name"),
		ServiceVersion:   a.config.GetString("instrument.service_version"),
		Environment:      a.config.GetString("instrument.env"),
		OTLPEndpoint:     a.config.GetString("instrument.otlp_endpoint"),
		OTLPSecure:       a.config.GetBool("instrument.otlp_secure"),
		TraceSampleRatio: a.config.GetFloat64("instrument.trace_sample_ratio"),
		MetricsInterval:  a.config.GetSecond("instrument.metric_interval_seconds"),
		LogLevel:         a.config.GetString("instrument.log_level"),
		MaskFields:       a.config.GetArray("instrument.log_mask_fields"),
	})
	if err != nil {
		slog.Error("failed to init instrumentation", "error", err)
		os.Exit(1)
	}
	a.ins = ins
}

func (a *App) initLibraries() {
	a.clock = clock.New()
	a.uuid = uid.NewUUID()
	a.goroutine = goroutine.NewManager(a.config.GetInt("app.server.max_goroutine"))

	validator, err := validator.NewV10Validator()
	if err != nil {
		slog.Error("failed to init validation v10 validator", "error", err)
		os.Exit(1)
	}
	a.validator = validator

	var snow *uid.Snowflake
	if node := a.config.GetInt64("app.node_id"); node > 0 {
		snow, err = uid.NewSnowflakeNode(node)
	} else {
		snow, err = uid.NewSnowflake()
	}
	if err != nil {
		slog.Error("failed to init uid number snowflake", "error", err)
		os.Exit(1)
	}
	a.uid = snow

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

func (a *App) initLedger() {
	driver := strings.ToLower(strings.TrimSpace(a.config.GetString("ledger.driver")))
	opts := idempotency.Options{
		Lease:     a.config.GetDuration("ledger.lease"),
		Retention: a.config.GetDuration("ledger.retention"),
		Clock:     a.clock,
	}
	if err := usecase.ValidateTimeouts(a.config.GetDuration("notification.event_timeout"), opts.Lease); err != nil {
		slog.Error("invalid ledger lease", "error", err)
		os.Exit(1)
	}

	var err error
	switch driver {
	case ledgerMemory, "":
		a.ledger = idempotency.NewMemory(opts)
	case ledgerRedis:
		err = a.initRedisLedger(opts)
	case ledgerPostgres:
		err = a.initSQLLedger("pgx", idempotency.DialectPostgres, opts)
	case ledgerSQLite:
		err = a.initSQLLedger("sqlite", idempotency.DialectSQLite, opts)
	case ledgerCouchbase:
		err = a.initCouchbaseLedger(opts)
	default:
		err = fmt.Errorf("unknown ledger driver %q", driver)
	}
	if err != nil {
		slog.Error("failed to init ledger", "driver", driver, "error", err)
		os.Exit(1)
	}
}

func (a *App) initRedisLedger(opts idempotency.Options) error {
	opt, err := redis.ParseURL(a.config.GetString("ledger.redis.url"))
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(a.ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("ping redis: %w", err)
	}

	a.ledger = idempotency.NewRedis(rdb, a.config.GetString("ledger.redis.prefix"), opts)
	a.ledgerCloser = rdb.Close
	return nil
}

func (a *App) initSQLLedger(driverName, dialect string, opts idempotency.Options) error {
	db, err := sql.Open(driverName, a.config.GetString("ledger.sql.dsn"))
	if err != nil {
		return fmt.Errorf("open %s: %w", driverName, err)
	}
	if n := a.config.GetInt("ledger.sql.max_open_conns"); n > 0 {
		db.SetMaxOpenConns(n)
	}
	if dialect == idempotency.DialectSQLite {
		// modernc sqlite serialises writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	db.SetConnMaxLifetime(a.config.GetSecond("ledger.sql.max_conn_lifetime_seconds"))

	pingCtx, cancel := context.WithTimeout(a.ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping %s: %w", driverName, err)
	}

	l, err := idempotency.NewSQL(db, dialect, a.config.GetString("ledger.sql.table"), opts)
	if err != nil {
		_ = db.Close()
		return err
	}
	if a.config.GetBool("ledger.sql.migrate") {
		if err := l.Migrate(pingCtx); err != nil {
			_ = db.Close()
			return fmt.Errorf("migrate ledger: %w", err)
		}
	}

	a.ledger = l
	a.ledgerCloser = db.Close
	return nil
}

func (a *App) initCouchbaseLedger(opts idempotency.Options) error {
	cluster, err := gocb.Connect(a.config.GetString("ledger.couchbase.connection_string"), gocb.ClusterOptions{
		Authenticator: gocb.PasswordAuthenticator{
			Username: a.config.GetString("ledger.couchbase.username"),
			Password: a.config.GetString("ledger.couchbase.password"),
		},
	})
	if err != nil {
		return fmt.Errorf("connect couchbase: %w", err)
	}

	bucket := cluster.Bucket(a.config.GetString("ledger.couchbase.bucket"))
	if err := bucket.WaitUntilReady(5*time.Second, nil); err != nil {
		_ = cluster.Close(nil)
		return fmt.Errorf("bucket not ready: %w", err)
	}

	collection := bucket.DefaultCollection()
	if name := a.config.GetString("ledger.couchbase.collection"); name != "" {
		collection = bucket.DefaultScope().Collection(name)
	}

	a.ledger = idempotency.NewCouchbase(collection, opts)
	a.ledgerCloser = func() error { return cluster.Close(nil) }
	return nil
}

func (a *App) initMail() {
	if a.config.GetString("mail.driver") == "log" {
		a.mail = mail.NewLog()
		return
	}

	mail, err := mail.NewSMTP(mail.SMTPConfig{
		Host:               a.config.GetString("mail.host"),
		Port:               a.config.GetInt("mail.port"),
		Username:           a.config.GetString("mail.username"),
		Password:           a.config.GetString("mail.password"),
		From:               a.config.GetString("mail.from"),
		DialTimeout:        a.config.GetSecond("mail.dial_timeout_seconds"),
		InsecureSkipVerify: a.config.GetBool("mail.insecure_skip_verify"),
	})
	if err != nil {
		slog.Error("failed to init mail", "error", err)
		os.Exit(1)
	}

	a.mail = mail
}

// initStorage sets up the dead-letter archive. An empty driver leaves it
// disabled.
//
//nolint:gocognit // it's fine
func (a *App) initStorage() {
	driver := strings.TrimSpace(a.config.GetString("storage.driver"))
	if driver == "" {
		slog.Warn("storage driver not set, dead letter archive disabled")
		return
	}

	var gcsOptions []option.ClientOption
	if driver == storage.DriverGCS {
		if a.config.GetBool("storage.gcs.without_auth") {
			gcsOptions = append(gcsOptions, option.WithoutAuthentication())
		}
		if v := strings.TrimSpace(a.config.GetString("storage.gcs.credentials_file")); v != "" {
			// #nosec G304 -- path is from trusted config file.
			credsJSON, err := os.ReadFile(v)
			if err != nil {
				slog.Error("failed to read gcs credentials file", "error", err)
				os.Exit(1)
			}
			creds, err := google.CredentialsFromJSON(a.ctx, credsJSON, gcs.ScopeReadWrite)
			if err != nil {
				slog.Error("failed to parse gcs credentials file", "error", err)
				os.Exit(1)
			}
			gcsOptions = append(gcsOptions, option.WithCredentials(creds))
		}
		if v := strings.TrimSpace(a.config.GetString("storage.gcs.endpoint")); v != "" {
			gcsOptions = append(gcsOptions, option.WithEndpoint(v))
		}
	}

	stg, err := storage.NewFromDriver(a.ctx, driver, storage.FactoryOptions{
		Bucket: strings.TrimSpace(a.config.GetString("storage.bucket")),
		S3: storage.S3Options{
			Region:       strings.TrimSpace(a.config.GetString("storage.s3.region")),
			Endpoint:     strings.TrimSpace(a.config.GetString("storage.s3.endpoint")),
			AccessKey:    strings.TrimSpace(a.config.GetString("storage.s3.access_key")),
			SecretKey:    strings.TrimSpace(a.config.GetString("storage.s3.secret_key")),
			SessionToken: strings.TrimSpace(a.config.GetString("storage.s3.session_token")),
			UsePathStyle: a.config.GetBool("storage.s3.use_path_style"),
		},
		GCS: storage.GCSOptions{
			ClientOptions: gcsOptions,
		},
		MinIO: storage.MinIOOptions{
			Region:       strings.TrimSpace(a.config.GetString("storage.minio.region")),
			Endpoint:     strings.TrimSpace(a.config.GetString("storage.minio.endpoint")),
			AccessKey:    strings.TrimSpace(a.config.GetString("storage.minio.access_key")),
			SecretKey:    strings.TrimSpace(a.config.GetString("storage.minio.secret_key")),
			SessionToken: strings.TrimSpace(a.config.GetString("storage.minio.session_token")),
			UseSSL:       a.config.GetBool("storage.minio.use_ssl"),
		},
	})
	if err != nil {
		slog.Error("failed to init storage", "error", err)
		os.Exit(1)
	}

	a.storage = stg
}

func (a *App) initMessaging() {
	driver := a.config.GetString("messaging.driver")

	var pubsubOptions []option.ClientOption
	if v := strings.TrimSpace(a.config.GetString("messaging.pubsub.endpoint")); v != "" {
		pubsubOptions = append(pubsubOptions, option.WithEndpoint(v), option.WithoutAuthentication())
	}

	client, err := messaging.NewFromDriver(a.ctx, driver, messaging.FactoryOptions{
		Kafka: messaging.KafkaConfig{
			Brokers: a.config.GetArray("messaging.kafka.brokers"),
			Dialer: &kafka.Dialer{
				ClientID:  a.config.GetString("messaging.kafka.client_id"),
				Timeout:   a.config.GetSecond("messaging.kafka.dial_timeout_seconds"),
				DualStack: true,
			},
			BatchTimeout: a.config.GetDuration("messaging.kafka.batch_timeout"),
			RequiredAcks: kafka.RequireAll,
			MinBytes:     a.config.GetInt("messaging.kafka.min_bytes"),
			MaxBytes:     a.config.GetInt("messaging.kafka.max_bytes"),
			StartOffset:  kafka.FirstOffset,

			RedeliveryBaseDelay: a.config.GetDuration("messaging.kafka.redelivery_base_delay"),
			RedeliveryMaxDelay:  a.config.GetDuration("messaging.kafka.redelivery_max_delay"),
		},
		NATS: messaging.NATSConfig{
			URL: a.config.GetString("messaging.nats.url"),
			Options: []nats.Option{
				nats.Name(a.config.GetString("messaging.nats.name")),
				nats.MaxReconnects(a.config.GetInt("messaging.nats.max_reconnects")),
				nats.Timeout(a.config.GetSecond("messaging.nats.timeout_seconds")),
				nats.ReconnectWait(a.config.GetSecond("messaging.nats.reconnect_wait_seconds")),
				nats.RetryOnFailedConnect(a.config.GetBool("messaging.nats.retry_on_failed_connect")),
			},
		},
		NSQ: messaging.NSQConfig{
			ProducerAddr:         a.config.GetString("messaging.nsq.producer_addr"),
			ConsumerNSQDAddrs:    a.config.GetArray("messaging.nsq.consumer_nsqd_addrs"),
			ConsumerLookupdAddrs: a.config.GetArray("messaging.nsq.consumer_lookupd_addrs"),
			Config: func() *nsq.Config {
				cfg := nsq.NewConfig()
				cfg.MaxAttempts = uint16(max(a.config.GetInt("messaging.nsq.max_attempts"), 0)) //nolint:gosec // bounded by config
				cfg.DefaultRequeueDelay = a.config.GetSecond("messaging.nsq.default_requeue_delay_seconds")
				cfg.LookupdPollInterval = a.config.GetSecond("messaging.nsq.lookupd_poll_interval_seconds")
				return cfg
			}(),
		},
		PubSub: messaging.PubSubConfig{
			ProjectID:     a.config.GetString("messaging.pubsub.project_id"),
			ClientOptions: pubsubOptions,
		},
	})
	if err != nil {
		slog.Error("failed to init messaging", "error", err, "driver", driver)
		os.Exit(1)
	}

	a.messaging = client
}

func (a *App) initHTTPServer() {
	a.router = router.NewRouter(router.Config{
		Config:      a.config,
		UUID:        a.uuid,
		Instrument:  a.ins,
		ServiceName: a.config.GetString("instrument.service_name"),
	})

	routerWithCORS := cors.New(cors.Options{
		AllowedOrigins: a.config.GetArray("app.server.cors"),
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodOptions,
		},
		AllowedHeaders: []string{"*"},
	}).Handler(a.router)

	a.httpServer = &http.Server{
		Addr:              a.config.GetString("app.server.http.address"),
		Handler:           routerWithCORS,
		ReadTimeout:       a.config.GetSecond("app.server.http.read_timeout_seconds"),
		ReadHeaderTimeout: a.config.GetSecond("app.server.http.read_header_timeout_seconds"),
		WriteTimeout:      a.config.GetSecond("app.server.http.write_timeout_seconds"),
		IdleTimeout:       a.config.GetSecond("app.server.http.idle_timeout_seconds"),
	}
}

func (a *App) initClosers() {
	a.closers = []struct {
		name string
		fn   func(context.Context) error
	}{
		{
			name: "Notification",
			fn: func(context.Context) error {
				if a.notification != nil {
					return a.notification.Close()
				}

				return nil
			},
		},
		{
			name: "Messaging",
			fn: func(context.Context) error {
				return a.messaging.Close()
			},
		},
		{
			name: "Ledger",
			fn: func(context.Context) error {
				if a.ledgerCloser != nil {
					return a.ledgerCloser()
				}

				return nil
			},
		},
		{
			name: "Storage",
			fn: func(context.Context) error {
				if a.storage != nil {
					return a.storage.Close()
				}

				return nil
			},
		},
		{
			name: "Mail",
			fn: func(context.Context) error {
				return a.mail.Close()
			},
		},
		{
			name: "Instrument",
			fn: func(ctx context.Context) error {
				return a.ins.Shutdown(ctx)
			},
		},
		{
			name: "Config",
			fn: func(context.Context) error {
				return a.config.Close()
			},
		},
	}
}
