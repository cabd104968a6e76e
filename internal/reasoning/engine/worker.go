package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/kubilitics-rca/internal/metrics"
	"github.com/kubilitics/kubilitics-rca/internal/queue"
)

// Worker pulls envelopes off a queue and hands them to the engine.
type Worker struct {
	engine      *Engine
	queue       queue.Queue
	concurrency int
	logger      *zap.Logger
}

// NewWorker builds a worker pool of the given size.
func NewWorker(e *Engine, q queue.Queue, concurrency int, logger *zap.Logger) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{engine: e, queue: q, concurrency: concurrency, logger: logger}
}

// Run consumes until ctx is cancelled or the queue is closed.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		n := i
		g.Go(func() error { return w.loop(ctx, n) })
	}
	w.logger.Info("workers started", zap.Int("concurrency", w.concurrency))
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context, n int) error {
	for {
		d, err := w.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			w.logger.Warn("receive failed", zap.Int("worker", n), zap.Error(err))
			continue
		}
		w.Process(ctx, d)
	}
}

// Process handles one delivery and settles it: ack on success, nak on a
// retryable error and term on an undecodable message.
func (w *Worker) Process(ctx context.Context, d queue.Delivery) {
	env, err := queue.Decode(d.Data())
	if err != nil {
		w.logger.Error("dropping undecodable envelope", zap.Int("attempt", d.Attempt()), zap.Error(err))
		metrics.EnvelopesHandled.WithLabelValues("unknown", "term").Inc()
		if err := d.Term(ctx); err != nil {
			w.logger.Warn("term failed", zap.Error(err))
		}
		return
	}

	typ := string(env.Type)
	if err := w.engine.HandleEnvelope(ctx, env); err != nil {
		w.logger.Warn("envelope handling failed, will be redelivered",
			zap.String("investigation_id", env.InvestigationID),
			zap.String("type", typ),
			zap.Int("round", env.Round),
			zap.Int("attempt", d.Attempt()),
			zap.Error(err))
		metrics.EnvelopesHandled.WithLabelValues(typ, "nak").Inc()
		if err := d.Nak(ctx); err != nil {
			w.logger.Warn("nak failed", zap.Error(err))
		}
		return
	}
	metrics.EnvelopesHandled.WithLabelValues(typ, "ack").Inc()
	if err := d.Ack(ctx); err != nil {
		w.logger.Warn("ack failed", zap.String("investigation_id", env.InvestigationID), zap.Error(err))
	}
}
