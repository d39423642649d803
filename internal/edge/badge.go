package edge

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// badgeControl never fails: a missing badge is not worth surfacing to the
// caller.
type badgeControl struct {
	platform any
	log      *zap.Logger
	metrics  *Metrics
}

func (b *badgeControl) Set(ctx context.Context, count int) {
	err := TrySetBadge(ctx, b.platform, count)
	b.metrics.RecordBadge("set", err)
	b.report("set badge", err, zap.Int("count", count))
}

func (b *badgeControl) Clear(ctx context.Context) {
	err := TryClearBadge(ctx, b.platform)
	b.metrics.RecordBadge("clear", err)
	b.report("clear badge", err)
}

func (b *badgeControl) report(op string, err error, fields ...zap.Field) {
	switch {
	case err == nil:
	case errors.Is(err, ErrUnsupported):
		b.log.Debug(op+": unsupported", fields...)
	default:
		b.log.Warn(op+" failed", append(fields, zap.Error(err))...)
	}
}
