package compliance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// funcJudge adapts a function to Judge.
type funcJudge func(ctx context.Context, control Control, entry Entry) (Verdict, error)

func (f funcJudge) Judge(ctx context.Context, control Control, entry Entry) (Verdict, error) {
	return f(ctx, control, entry)
}

func fixedJudge(status Judgement) Judge {
	return funcJudge(func(context.Context, Control, Entry) (Verdict, error) {
		return Verdict{Status: status, Rationale: "fixed"}, nil
	})
}

// progressLog records every progress checkpoint.
type progressLog struct {
	mu     sync.Mutex
	values []int
}

func (p *progressLog) report(percent int, _ string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = append(p.values, percent)
}

func makeEntries(n int) []Entry {
	out := make([]Entry, n)
	for i := range out {
		out[i] = Entry{Group: "Interfaces", Name: fmt.Sprintf("entry-%d", i), Fields: map[string]string{"idx": strconv.Itoa(i)}}
	}
	return out
}

var testControls = []Control{
	{ID: "A.8.20", Title: "Networks security", Keywords: []string{"interface", "vlan"}},
	{ID: "A.8.5", Title: "Secure authentication", Keywords: []string{"password", "radius"}},
}

func TestAggregator_AllCompliant(t *testing.T) {
	agg := NewAggregator(fixedJudge(Compliant), AggregatorOptions{})
	var pl progressLog
	report, err := agg.Evaluate(context.Background(), testControls, makeEntries(3), pl.report)
	require.NoError(t, err)

	require.Len(t, report.Verdicts, 3)
	for i, v := range report.Verdicts {
		assert.Equal(t, Compliant, v.Status)
		assert.Equal(t, i, v.EntryIndex)
		assert.Equal(t, fmt.Sprintf("entry-%d", i), v.Entry)
		assert.NotEmpty(t, v.ControlID)
	}
	assert.Equal(t, Summary{Total: 3, Compliant: 3}, report.Summary)
	assert.Equal(t, PolicyLenient, report.Policy)
	assert.Equal(t, 2, report.Controls)

	require.NotEmpty(t, pl.values)
	assert.Equal(t, ProgressEvaluating, pl.values[0])
	assert.Equal(t, progressEvalDone, pl.values[len(pl.values)-1])
	assert.GreaterOrEqual(t, len(pl.values), 3, "progress should advance per entry")
}

func TestAggregator_NoControls(t *testing.T) {
	agg := NewAggregator(fixedJudge(Compliant), AggregatorOptions{})
	_, err := agg.Evaluate(context.Background(), nil, makeEntries(1), func(int, string) {})
	require.Error(t, err)
}

func TestAggregator_EmptyEntries(t *testing.T) {
	agg := NewAggregator(fixedJudge(Compliant), AggregatorOptions{})
	report, err := agg.Evaluate(context.Background(), testControls, nil, func(int, string) {})
	require.NoError(t, err)
	assert.NotNil(t, report.Verdicts)
	assert.Empty(t, report.Verdicts)
	assert.Equal(t, 0, report.Summary.Total)
}

// failSecond fails the evaluator call for the entry at index 1.
func failSecond() Judge {
	return funcJudge(func(_ context.Context, _ Control, e Entry) (Verdict, error) {
		if e.Name == "entry-1" {
			return Verdict{}, errors.New("upstream 503")
		}
		return Verdict{Status: NonCompliant, Rationale: "weak"}, nil
	})
}

func TestAggregator_LenientPolicyAnnotatesFailure(t *testing.T) {
	agg := NewAggregator(failSecond(), AggregatorOptions{Policy: PolicyLenient, Concurrency: 3})
	report, err := agg.Evaluate(context.Background(), testControls, makeEntries(5), func(int, string) {})
	require.NoError(t, err)

	require.Len(t, report.Verdicts, 5)
	for i, v := range report.Verdicts {
		if i == 1 {
			assert.Equal(t, Errored, v.Status)
			assert.NotEmpty(t, v.Error)
			assert.NotContains(t, v.Error, "503")
			continue
		}
		assert.Equal(t, NonCompliant, v.Status)
		assert.Empty(t, v.Error)
	}
	assert.Equal(t, 1, report.Summary.Errors)
	assert.Equal(t, 4, report.Summary.NonCompliant)
}

func TestAggregator_StrictPolicyFailsTask(t *testing.T) {
	agg := NewAggregator(failSecond(), AggregatorOptions{Policy: PolicyStrict, Concurrency: 3})
	report, err := agg.Evaluate(context.Background(), testControls, makeEntries(5), func(int, string) {})
	require.Error(t, err)
	assert.Nil(t, report)

	var evalErr *EvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, 1, evalErr.EntryIndex)
	assert.Equal(t, "entry-1", evalErr.Entry)
}

func TestAggregator_PanickingJudgeIsAnError(t *testing.T) {
	judge := funcJudge(func(context.Context, Control, Entry) (Verdict, error) {
		panic("nil pointer")
	})
	agg := NewAggregator(judge, AggregatorOptions{})
	report, err := agg.Evaluate(context.Background(), testControls, makeEntries(2), func(int, string) {})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Summary.Errors)
}

func TestAggregator_RespectsConcurrencyLimit(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0
	judge := funcJudge(func(context.Context, Control, Entry) (Verdict, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return Verdict{Status: Compliant}, nil
	})
	agg := NewAggregator(judge, AggregatorOptions{Concurrency: 2})
	_, err := agg.Evaluate(context.Background(), testControls, makeEntries(10), func(int, string) {})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak, 2)
}

// Verdict order must equal entry order for any evaluator completion timing.
func TestProperty_VerdictOrderIgnoresCompletionOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 12).Draw(t, "entries")
		delays := rapid.SliceOfN(rapid.IntRange(0, 3), n, n).Draw(t, "delays")
		concurrency := rapid.IntRange(1, 6).Draw(t, "concurrency")

		judge := funcJudge(func(_ context.Context, _ Control, e Entry) (Verdict, error) {
			idx, _ := strconv.Atoi(e.Fields["idx"])
			time.Sleep(time.Duration(delays[idx]) * time.Millisecond)
			return Verdict{Status: Compliant, Rationale: e.Name}, nil
		})
		agg := NewAggregator(judge, AggregatorOptions{Concurrency: concurrency})

		var pl progressLog
		report, err := agg.Evaluate(context.Background(), testControls, makeEntries(n), pl.report)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if len(report.Verdicts) != n {
			t.Fatalf("want %d verdicts got %d", n, len(report.Verdicts))
		}
		for i, v := range report.Verdicts {
			want := fmt.Sprintf("entry-%d", i)
			if v.Entry != want || v.Rationale != want || v.EntryIndex != i {
				t.Fatalf("verdict %d out of order: %+v", i, v)
			}
		}
		for i := 1; i < len(pl.values); i++ {
			if pl.values[i] < pl.values[i-1] {
				t.Fatalf("progress decreased: %v", pl.values)
			}
		}
	})
}
