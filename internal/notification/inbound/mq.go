package inbound

import (
	"context"
	"log/slog"

	"github.com/shandysiswandi/notifyd/internal/pkg/config"
	"github.com/shandysiswandi/notifyd/internal/pkg/goroutine"
	"github.com/shandysiswandi/notifyd/internal/pkg/instrument"
	"github.com/shandysiswandi/notifyd/internal/pkg/messaging"
	"github.com/shandysiswandi/notifyd/internal/pkg/uid"
	"github.com/shandysiswandi/notifyd/internal/shared/event"
)

const defaultConsumerGroup = "notifyd"

// ConsumerConfig is read from notification.consumer.* keys.
type ConsumerConfig struct {
	Topic       string
	Group       string
	Concurrency int
}

func consumerConfig(cfg config.Config) ConsumerConfig {
	cc := ConsumerConfig{
		Topic:       cfg.GetString("notification.consumer.topic"),
		Group:       cfg.GetString("notification.consumer.group"),
		Concurrency: cfg.GetInt("notification.consumer.concurrency"),
	}
	if cc.Topic == "" {
		cc.Topic = event.TopicRequests
	}
	if cc.Group == "" {
		cc.Group = defaultConsumerGroup
	}
	if cc.Concurrency < 1 {
		cc.Concurrency = 1
	}
	return cc
}

// RegisterMQConsumer starts the ingestion loop on the request topic. Acks
// are manual: a message is committed only once its event reached a terminal
// state.
func RegisterMQConsumer(
	ctx context.Context,
	cfg config.Config,
	routine *goroutine.Manager,
	messenger messaging.Consumer,
	uuid uid.StringID,
	uc uc,
	ins instrument.Instrumentation,
) error {
	handler := &MQHandler{uc: uc, uuid: uuid, ins: ins}
	cc := consumerConfig(cfg)

	return routine.Go(ctx, "consumer:"+cc.Topic, func(pCtx context.Context) error {
		slog.InfoContext(pCtx, "running consumer", "topic", cc.Topic, "group", cc.Group, "concurrency", cc.Concurrency)
		return messenger.Consume(pCtx,
			cc.Topic,
			handler.NotificationRequest,
			messaging.WithGroup(cc.Group),
			messaging.WithChannel(cc.Group),
			messaging.WithQueueGroup(cc.Group),
			messaging.WithSubscription(cc.Group),
			messaging.WithAutoAck(false),
			messaging.WithConcurrency(cc.Concurrency),
			messaging.WithMaxInFlight(cc.Concurrency),
		)
	})
}
