package intent

import (
	"context"
	"log/slog"

	"github.com/onnwee/intent-radar/telemetry"
)

// Fallback serves classifications from Primary and switches to Secondary
// whenever Primary fails.
type Fallback struct {
	Primary   Classifier
	Secondary Classifier
}

// Classify implements Classifier.
func (f *Fallback) Classify(ctx context.Context, message string) (Classification, error) {
	c, err := f.Primary.Classify(ctx, message)
	if err == nil {
		return c, nil
	}
	if ctx.Err() != nil {
		return Classification{}, ctx.Err()
	}
	slog.Warn("primary classifier failed, using fallback", slog.String("component", "intent"), slog.Any("err", err))
	telemetry.Inc(telemetry.ClassifierFallbacks)
	return f.Secondary.Classify(ctx, message)
}

// ClassifyBatch implements BatchClassifier. A failed or misaligned primary
// batch is classified again in full by Secondary.
func (f *Fallback) ClassifyBatch(ctx context.Context, items []Item) ([]Classification, error) {
	out, err := ClassifyAll(ctx, f.Primary, items)
	if err == nil && len(out) == len(items) {
		return out, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	slog.Warn("primary batch failed, using fallback", slog.String("component", "intent"), slog.Int("items", len(items)), slog.Any("err", err))
	telemetry.Inc(telemetry.ClassifierFallbacks)
	return ClassifyAll(ctx, f.Secondary, items)
}
