package compliance

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mohans/auditx/asyncx"
)

// Parser turns raw document bytes into grouped entries.
type Parser interface {
	Parse(ctx context.Context, data []byte) (*Document, error)
}

// CatalogLoader loads the control catalog named by locator.
type CatalogLoader interface {
	Load(ctx context.Context, locator string) ([]Control, error)
}

// Stage checkpoints reported before each stage runs.
const (
	ProgressParsing = 10
	ProgressLoading = 30
)

// Pipeline runs parse, catalog load and evaluation strictly in sequence.
type Pipeline struct {
	parser     Parser
	loader     CatalogLoader
	locator    string
	aggregator *Aggregator
	log        *zap.Logger
}

func NewPipeline(parser Parser, loader CatalogLoader, locator string, aggregator *Aggregator, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{parser: parser, loader: loader, locator: locator, aggregator: aggregator, log: log}
}

// Run adapts Audit to asyncx.Work.
func (p *Pipeline) Run(ctx context.Context, taskID string, payload []byte, progress asyncx.Progress) (any, error) {
	return p.audit(ctx, p.log.With(zap.String("task_id", taskID)), payload, progress)
}

// Audit runs the pipeline synchronously for one document.
func (p *Pipeline) Audit(ctx context.Context, payload []byte, progress asyncx.Progress) (*Report, error) {
	if progress == nil {
		progress = func(int, string) {}
	}
	return p.audit(ctx, p.log, payload, progress)
}

func (p *Pipeline) audit(ctx context.Context, log *zap.Logger, payload []byte, progress asyncx.Progress) (*Report, error) {
	progress(ProgressParsing, "Parsing configuration document")
	doc, err := p.parser.Parse(ctx, payload)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, &ParseError{Err: err}
	}
	entries := doc.Entries()
	log.Info("document parsed", zap.Int("groups", len(doc.Groups)), zap.Int("entries", len(entries)))

	progress(ProgressLoading, "Loading control catalog")
	controls, err := p.loader.Load(ctx, p.locator)
	if err == nil && len(controls) == 0 {
		err = errors.New("catalog has no controls")
	}
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			return nil, err
		}
		return nil, &LoadError{Locator: p.locator, Err: err}
	}
	log.Info("catalog loaded", zap.Int("controls", len(controls)))

	report, err := p.aggregator.Evaluate(ctx, controls, entries, progress)
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	log.Info("evaluation finished",
		zap.Int("verdicts", report.Summary.Total),
		zap.Int("errors", report.Summary.Errors))
	return report, nil
}
