package engine

import (
	"context"

	boterr "github.com/stellarlinkco/platebot/internal/errors"
	"github.com/stellarlinkco/platebot/internal/nutrition"
)

// AnalyzeOnce runs vision and enrichment on an image outside of any
// conversation. It touches no session state.
func (e *Engine) AnalyzeOnce(ctx context.Context, data []byte, mimeType string) (nutrition.FullAnalysis, error) {
	if e.vision == nil {
		return nutrition.FullAnalysis{}, boterr.NewTransient("vision", errNotConfigured)
	}

	vctx, cancel := context.WithTimeout(ctx, e.timeouts.Vision)
	analysis, err := e.vision.Analyze(vctx, data, mimeType)
	cancel()
	if err != nil {
		return nutrition.FullAnalysis{}, boterr.NewTransient("vision", err)
	}

	ectx, cancel := context.WithTimeout(ctx, e.timeouts.Enrich)
	defer cancel()
	return e.enrich(ectx, analysis.Items), nil
}
