package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-rca/internal/metrics"
	"github.com/kubilitics/kubilitics-rca/internal/models"
	"github.com/kubilitics/kubilitics-rca/internal/reasoning/prompt"
	"github.com/kubilitics/kubilitics-rca/internal/tracing"
)

func (e *Engine) oracleBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.OracleInitialBackoff
	b.MaxInterval = e.opts.OracleMaxBackoff
	b.MaxElapsedTime = 0
	if b.InitialInterval <= 0 {
		b.InitialInterval = backoff.DefaultInitialInterval
	}
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	retries := e.opts.OracleMaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// callOracle runs fn with a per-attempt timeout and exponential backoff.
// Exhausted retries are reported as models.ErrOracleUnavailable.
func callOracle[T any](ctx context.Context, e *Engine, op prompt.Operation, id string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	attempt := 0
	operation := func() error {
		attempt++
		actx := ctx
		if e.opts.OracleTimeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, e.opts.OracleTimeout)
			defer cancel()
		}
		actx, span := tracing.StartSpan(actx, "oracle."+string(op), id, attribute.Int("oracle.attempt", attempt))
		start := time.Now()
		v, err := fn(actx)
		tracing.End(span, err)
		metrics.OracleDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.OracleCalls.WithLabelValues(string(op), "error").Inc()
			return err
		}
		metrics.OracleCalls.WithLabelValues(string(op), "success").Inc()
		out = v
		return nil
	}
	notify := func(err error, wait time.Duration) {
		e.logger.Warn("oracle call failed, retrying",
			zap.String("investigation_id", id),
			zap.String("operation", string(op)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}
	if err := backoff.RetryNotify(operation, e.oracleBackOff(ctx), notify); err != nil {
		return out, fmt.Errorf("%w: %s failed after %d attempts: %w", models.ErrOracleUnavailable, op, attempt, err)
	}
	return out, nil
}
