package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-rca/internal/config"
	"github.com/kubilitics/kubilitics-rca/internal/models"
)

// JetStream is a Queue backed by a NATS JetStream work-queue stream and one
// durable pull consumer shared by every engine worker.
type JetStream struct {
	nc        *nats.Conn
	js        jetstream.JetStream
	consumer  jetstream.Consumer
	subject   string
	fetchWait time.Duration
	nakDelay  time.Duration
	nakMax    time.Duration
	logger    *zap.Logger
}

var _ Queue = (*JetStream)(nil)

// NewJetStream connects to NATS and ensures the stream and consumer exist.
func NewJetStream(ctx context.Context, cfg config.QueueConfig, logger *zap.Logger) (*JetStream, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("kubilitics-rca"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure consumer %s: %w", cfg.Durable, err)
	}

	fetchWait := cfg.FetchWait
	if fetchWait <= 0 {
		fetchWait = 5 * time.Second
	}

	logger.Info("JetStream queue ready",
		zap.String("stream", cfg.Stream),
		zap.String("subject", cfg.Subject),
		zap.String("durable", cfg.Durable))

	return &JetStream{
		nc:        nc,
		js:        js,
		consumer:  consumer,
		subject:   cfg.Subject,
		fetchWait: fetchWait,
		nakDelay:  cfg.NakDelay,
		nakMax:    cfg.NakMaxDelay,
		logger:    logger,
	}, nil
}

// Send publishes with the envelope MessageID as the JetStream dedup id.
func (q *JetStream) Send(ctx context.Context, env models.Envelope) error {
	data, err := Encode(&env)
	if err != nil {
		return err
	}
	if _, err := q.js.Publish(ctx, q.subject, data, jetstream.WithMsgID(env.MessageID)); err != nil {
		return fmt.Errorf("publish %s for %s: %w", env.Type, env.InvestigationID, err)
	}
	return nil
}

func (q *JetStream) Receive(ctx context.Context) (Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q.nc.IsClosed() {
			return nil, ErrClosed
		}

		batch, err := q.consumer.Fetch(1, jetstream.FetchMaxWait(q.fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrConnectionClosed) {
				return nil, ErrClosed
			}
			q.logger.Debug("fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if msg, ok := <-batch.Messages(); ok && msg != nil {
			return &jsDelivery{msg: msg, nakDelay: q.nakDelay, nakMax: q.nakMax}, nil
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			q.logger.Debug("fetch batch error", zap.Error(err))
		}
	}
}

func (q *JetStream) Close() error {
	if err := q.nc.Drain(); err != nil {
		q.nc.Close()
		return err
	}
	return nil
}

type jsDelivery struct {
	msg      jetstream.Msg
	nakDelay time.Duration
	nakMax   time.Duration
}

func (d *jsDelivery) Data() []byte { return d.msg.Data() }

func (d *jsDelivery) Attempt() int {
	md, err := d.msg.Metadata()
	if err != nil {
		return 1
	}
	return int(md.NumDelivered)
}

func (d *jsDelivery) Ack(ctx context.Context) error { return d.msg.DoubleAck(ctx) }

// Nak asks the server to redeliver after a delay that doubles per attempt.
func (d *jsDelivery) Nak(ctx context.Context) error {
	delay := nakDelay(d.Attempt(), d.nakDelay, d.nakMax)
	if delay <= 0 {
		return d.msg.Nak()
	}
	return d.msg.NakWithDelay(delay)
}

func (d *jsDelivery) Term(ctx context.Context) error {
	return d.msg.Term()
}

// nakDelay is base doubled for every delivery after the first, capped at max.
func nakDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		if max > 0 && d >= max {
			break
		}
		d *= 2
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}
