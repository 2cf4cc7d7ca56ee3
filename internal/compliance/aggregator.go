package compliance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mohans/auditx/asyncx"
)

// Judge is the evaluator capability. It may be slow, may fail, and must be
// safe for concurrent use.
type Judge interface {
	Judge(ctx context.Context, control Control, entry Entry) (Verdict, error)
}

// Progress window of the evaluation phase.
const (
	ProgressEvaluating = 50
	progressEvalDone   = 95
)

type AggregatorOptions struct {
	// Concurrency bounds in-flight evaluator calls. Defaults to 4.
	Concurrency int
	// Policy defaults to PolicyLenient.
	Policy  Policy
	Matcher Matcher
	Logger  *zap.Logger
}

// Aggregator fans entries out to the Judge and assembles the Report.
type Aggregator struct {
	judge       Judge
	matcher     Matcher
	concurrency int
	policy      Policy
	log         *zap.Logger
}

func NewAggregator(judge Judge, opts AggregatorOptions) *Aggregator {
	a := &Aggregator{
		judge:       judge,
		matcher:     opts.Matcher,
		concurrency: opts.Concurrency,
		policy:      opts.Policy,
		log:         opts.Logger,
	}
	if a.matcher == nil {
		a.matcher = KeywordMatcher{}
	}
	if a.concurrency <= 0 {
		a.concurrency = 4
	}
	if a.policy == "" {
		a.policy = PolicyLenient
	}
	if a.log == nil {
		a.log = zap.NewNop()
	}
	return a
}

// Evaluate judges every entry and returns verdicts in entry order, whatever
// order the evaluator calls finish in. Under PolicyStrict the first
// evaluator error cancels outstanding calls and is returned.
func (a *Aggregator) Evaluate(ctx context.Context, controls []Control, entries []Entry, progress asyncx.Progress) (*Report, error) {
	if len(controls) == 0 {
		return nil, errors.New("no controls to evaluate against")
	}
	total := len(entries)
	progress(ProgressEvaluating, fmt.Sprintf("Running compliance checks on %d entries", total))

	verdicts := make([]Verdict, total)
	var mu sync.Mutex
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, entry := range entries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			control := a.matcher.Match(controls, entry)
			v, err := a.judgeOne(gctx, control, entry)
			if err != nil {
				evalErr := &EvaluationError{EntryIndex: i, Entry: entry.Name, ControlID: control.ID, Err: err}
				if a.policy == PolicyStrict {
					return evalErr
				}
				a.log.Warn("entry evaluation failed", zap.Error(evalErr))
				v = Verdict{Status: Errored, Error: evalErr.Public()}
			}
			v.EntryIndex = i
			v.Group = entry.Group
			v.Entry = entry.Name
			v.ControlID = control.ID
			v.ControlTitle = control.Title
			verdicts[i] = v

			mu.Lock()
			done++
			progress(ProgressEvaluating+(progressEvalDone-ProgressEvaluating)*done/total,
				fmt.Sprintf("Evaluated %d of %d entries", done, total))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	progress(progressEvalDone, "Assembling report")
	return &Report{
		Policy:      a.policy,
		Controls:    len(controls),
		Summary:     summarize(verdicts),
		Verdicts:    verdicts,
		GeneratedAt: time.Now().UTC(),
	}, nil
}

func (a *Aggregator) judgeOne(ctx context.Context, control Control, entry Entry) (v Verdict, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("evaluator panicked: %v", p)
		}
	}()
	return a.judge.Judge(ctx, control, entry)
}
