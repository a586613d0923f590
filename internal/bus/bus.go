// Package bus wraps the NATS connection: a JetStream durable consumer for
// strategy signals (at-least-once, explicit ack) and plain core NATS for the
// market-data firehose and all outbound topics.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"

	"github.com/anirbansen/tradepulse/internal/config"
)

const (
	reconnectWait = 2 * time.Second
	signalAckWait = 30 * time.Second
	signalMaxAge  = 24 * time.Hour
	maxDeliver    = 5
)

// Disposition tells the consumer loop what to do with a processed message.
type Disposition int

const (
	// Ack marks the message consumed: admitted, or dropped for a terminal
	// reason (parse, duplicate, stale, out-of-hours, risk).
	Ack Disposition = iota
	// Nak schedules redelivery after a transient infrastructure failure.
	Nak
)

// Bus is the engine's connection to NATS.
type Bus struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	cfg    config.BusConfig
	logger *logrus.Logger
}

// Connect dials NATS and initializes the JetStream context.
func Connect(cfg config.BusConfig, logger *logrus.Logger) (*Bus, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			fields := logrus.Fields{"event": "bus_disconnected"}
			if err != nil {
				fields["error"] = err.Error()
			}
			logger.WithFields(fields).Warn("nats connection lost")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logger.WithFields(logrus.Fields{
				"event": "bus_reconnected",
				"url":   conn.ConnectedUrl(),
			}).Info("nats connection restored")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("initializing jetstream: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"event": "bus_connected",
		"url":   cfg.URL,
	}).Info("nats connected")

	return &Bus{nc: nc, js: js, cfg: cfg, logger: logger}, nil
}

// signalSubjects returns the signal topics the durable consumer filters on.
func signalSubjects(cfg config.BusConfig) []string {
	subjects := []string{cfg.SignalTopic}
	if cfg.SignalTopicFallback != "" && cfg.SignalTopicFallback != cfg.SignalTopic {
		subjects = append(subjects, cfg.SignalTopicFallback)
	}
	return subjects
}

// signalConsumerConfig builds the durable consumer definition for the
// signal stream: explicit acks, bounded redelivery.
func signalConsumerConfig(cfg config.BusConfig) jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Durable:        cfg.DurableName,
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        signalAckWait,
		MaxDeliver:     maxDeliver,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: signalSubjects(cfg),
	}
}

// ConsumeSignals ensures the signal stream and its durable consumer exist,
// then delivers messages to handle until ctx is cancelled. The handler's
// disposition drives ack/nak; messages redeliver after AckWait if the
// process dies mid-handling.
func (b *Bus) ConsumeSignals(ctx context.Context, handle func(data []byte) Disposition) error {
	stream, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      b.cfg.SignalStream,
		Subjects:  signalSubjects(b.cfg),
		Retention: jetstream.LimitsPolicy,
		MaxAge:    signalMaxAge,
	})
	if err != nil {
		return fmt.Errorf("ensuring signal stream %s: %w", b.cfg.SignalStream, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, signalConsumerConfig(b.cfg))
	if err != nil {
		return fmt.Errorf("ensuring durable consumer %s: %w", b.cfg.DurableName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		switch handle(msg.Data()) {
		case Ack:
			if ackErr := msg.Ack(); ackErr != nil {
				b.logger.WithFields(logrus.Fields{
					"event": "bus_ack_failed",
					"error": ackErr.Error(),
				}).Warn("signal ack failed, message may redeliver")
			}
		case Nak:
			if nakErr := msg.Nak(); nakErr != nil {
				b.logger.WithFields(logrus.Fields{
					"event": "bus_nak_failed",
					"error": nakErr.Error(),
				}).Warn("signal nak failed")
			}
		}
	})
	if err != nil {
		return fmt.Errorf("starting signal consumer: %w", err)
	}
	defer cc.Stop()

	b.logger.WithFields(logrus.Fields{
		"event":    "bus_signals_consuming",
		"stream":   b.cfg.SignalStream,
		"durable":  b.cfg.DurableName,
		"subjects": signalSubjects(b.cfg),
	}).Info("signal consumer running")

	<-ctx.Done()
	return ctx.Err()
}

// Subscribe attaches a core NATS handler to the subject. Used for the
// market-data and candle firehose where losing a tick is acceptable.
func (b *Bus) Subscribe(subject string, handle func(data []byte)) (*nats.Subscription, error) {
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		handle(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	return sub, nil
}

// Publish marshals v and publishes it on the subject.
func (b *Bus) Publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling payload for %s: %w", subject, err)
	}
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// PublishKeyed publishes with a message id header so any JetStream stream
// capturing the subject deduplicates replays of the same key.
func (b *Bus) PublishKeyed(subject, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling payload for %s: %w", subject, err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, key)
	if err := b.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publishing keyed message to %s: %w", subject, err)
	}
	return nil
}

// Drain flushes pending messages and closes the connection.
func (b *Bus) Drain() {
	if b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.logger.WithFields(logrus.Fields{
			"event": "bus_drain_failed",
			"error": err.Error(),
		}).Warn("nats drain failed")
	}
}
