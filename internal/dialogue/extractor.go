package dialogue

import (
	"context"

	"go.uber.org/zap"
)

// Extraction is the normalized outcome of one extraction call. On failure
// Intent is unknown, Slots is empty and Err is set.
type Extraction struct {
	Intent     Intent
	Slots      Slots
	Confidence float64
	Err        error
}

// Extractor wraps a Classifier with catalog context and normalization. It
// fails closed: classifier errors never escape as errors.
type Extractor struct {
	Classifier Classifier
	Catalog    *Catalog
	Log        *zap.Logger
}

func NewExtractor(c Classifier, cat *Catalog, log *zap.Logger) *Extractor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Extractor{Classifier: c, Catalog: cat, Log: log}
}

func (e *Extractor) Extract(ctx context.Context, req ExtractRequest) Extraction {
	if e.Catalog != nil {
		snap, err := e.Catalog.Snapshot(ctx)
		if err == nil {
			req.Catalog = snap
		}
	}
	if len(req.History) > promptHistory {
		req.History = req.History[len(req.History)-promptHistory:]
	}
	raw, err := e.Classifier.Extract(ctx, req)
	if err != nil {
		e.Log.Warn("extraction failed", zap.Error(err))
		return Extraction{Intent: IntentUnknown, Err: err}
	}
	intent := raw.Intent
	if !validIntent(intent) {
		intent = IntentUnknown
	}
	if req.Pending != nil {
		intent = req.Pending.Intent
	}
	slots := raw.Slots.Normalize()
	if slots.ProjectKey != "" && !req.Catalog.Empty() {
		if p, ok := req.Catalog.Project(slots.ProjectKey); ok {
			slots.ProjectKey = p
		}
	}
	e.Log.Debug("extracted",
		zap.String("intent", string(intent)),
		zap.Any("slots", slots),
		zap.Float64("confidence", raw.Confidence))
	return Extraction{Intent: intent, Slots: slots, Confidence: raw.Confidence}
}

func validIntent(i Intent) bool {
	for _, v := range AllIntents {
		if v == i {
			return true
		}
	}
	return false
}
