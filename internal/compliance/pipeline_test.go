package compliance

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohans/auditx/asyncx"
)

type stubParser struct {
	doc *Document
	err error
}

func (p stubParser) Parse(context.Context, []byte) (*Document, error) { return p.doc, p.err }

type stubLoader struct {
	controls []Control
	err      error
	calls    int
}

func (l *stubLoader) Load(context.Context, string) ([]Control, error) {
	l.calls++
	return l.controls, l.err
}

func threeEntryDoc() *Document {
	return &Document{Groups: []Group{
		{Name: "Interfaces", Entries: []Entry{
			{Group: "Interfaces", Name: "ge-0/0/1", Fields: map[string]string{"vlan": "10"}},
			{Group: "Interfaces", Name: "ge-0/0/2", Fields: map[string]string{"vlan": "20"}},
		}},
		{Name: "Users", Entries: []Entry{
			{Group: "Users", Name: "admin", Fields: map[string]string{"password": "hashed"}},
		}},
	}}
}

func runTask(t *testing.T, p *Pipeline, payload []byte) (*asyncx.Runner, *asyncx.TaskRecord) {
	t.Helper()
	r := asyncx.NewRunner(asyncx.NewMemoryStore(asyncx.MemoryStoreOptions{}), p.Run, asyncx.RunnerOptions{})
	ctx := context.Background()
	id, err := r.Submit(ctx, payload)
	require.NoError(t, err)

	var rec *asyncx.TaskRecord
	require.Eventually(t, func() bool {
		got, err := r.Poll(ctx, id)
		if err != nil {
			return false
		}
		rec = got
		return got.Status.Terminal()
	}, 3*time.Second, 10*time.Millisecond)
	return r, rec
}

func TestPipeline_ThreeEntriesAllCompliant(t *testing.T) {
	loader := &stubLoader{controls: testControls}
	p := NewPipeline(stubParser{doc: threeEntryDoc()}, loader, "controls.csv",
		NewAggregator(fixedJudge(Compliant), AggregatorOptions{}), nil)

	r, rec := runTask(t, p, []byte("<config/>"))
	assert.Equal(t, asyncx.StatusCompleted, rec.Status)
	assert.Equal(t, 100, rec.Progress)
	assert.Nil(t, rec.ErrorMsg)

	raw, err := r.Result(context.Background(), rec.ID)
	require.NoError(t, err)
	var report Report
	require.NoError(t, json.Unmarshal(raw, &report))
	require.Len(t, report.Verdicts, 3)
	for _, v := range report.Verdicts {
		assert.Equal(t, Compliant, v.Status)
	}
	assert.Equal(t, []string{"ge-0/0/1", "ge-0/0/2", "admin"},
		[]string{report.Verdicts[0].Entry, report.Verdicts[1].Entry, report.Verdicts[2].Entry})
	assert.Equal(t, "A.8.5", report.Verdicts[2].ControlID)
}

func TestPipeline_ParseFailureFailsTask(t *testing.T) {
	loader := &stubLoader{controls: testControls}
	p := NewPipeline(stubParser{err: errors.New("XML syntax error on line 1")}, loader, "controls.csv",
		NewAggregator(fixedJudge(Compliant), AggregatorOptions{}), nil)

	r, rec := runTask(t, p, []byte("not xml"))
	assert.Equal(t, asyncx.StatusFailed, rec.Status)
	require.NotNil(t, rec.ErrorMsg)
	assert.Contains(t, *rec.ErrorMsg, "parse document")
	assert.Nil(t, rec.Result)
	assert.Equal(t, 0, loader.calls, "catalog must not load after a parse failure")

	_, err := r.Result(context.Background(), rec.ID)
	assert.ErrorIs(t, err, asyncx.ErrTaskFailed)
}

func TestPipeline_CatalogFailureFailsOnlyThatTask(t *testing.T) {
	loader := &stubLoader{err: errors.New("open /etc/auditx/controls.csv: no such file")}
	p := NewPipeline(stubParser{doc: threeEntryDoc()}, loader, "/etc/auditx/controls.csv",
		NewAggregator(fixedJudge(Compliant), AggregatorOptions{}), nil)

	_, rec := runTask(t, p, []byte("<config/>"))
	assert.Equal(t, asyncx.StatusFailed, rec.Status)
	require.NotNil(t, rec.ErrorMsg)
	assert.Equal(t, "control catalog could not be loaded", *rec.ErrorMsg)
}

func TestPipeline_EmptyCatalogIsALoadError(t *testing.T) {
	p := NewPipeline(stubParser{doc: threeEntryDoc()}, &stubLoader{}, "controls.csv",
		NewAggregator(fixedJudge(Compliant), AggregatorOptions{}), nil)
	_, err := p.Audit(context.Background(), nil, nil)
	var le *LoadError
	assert.ErrorAs(t, err, &le)
}

func TestPipeline_StrictEvaluatorFailure(t *testing.T) {
	doc := &Document{Groups: []Group{{Name: "Interfaces", Entries: makeEntries(5)}}}
	p := NewPipeline(stubParser{doc: doc}, &stubLoader{controls: testControls}, "controls.csv",
		NewAggregator(failSecond(), AggregatorOptions{Policy: PolicyStrict}), nil)

	_, rec := runTask(t, p, []byte("<config/>"))
	assert.Equal(t, asyncx.StatusFailed, rec.Status)
	require.NotNil(t, rec.ErrorMsg)
	assert.Equal(t, "evaluation failed at entry index 1 (entry-1)", *rec.ErrorMsg)
}

func TestPipeline_ReportsStageMilestones(t *testing.T) {
	p := NewPipeline(stubParser{doc: threeEntryDoc()}, &stubLoader{controls: testControls}, "controls.csv",
		NewAggregator(fixedJudge(Compliant), AggregatorOptions{Concurrency: 1}), nil)
	var pl progressLog
	_, err := p.Audit(context.Background(), nil, pl.report)
	require.NoError(t, err)
	assert.Equal(t, []int{ProgressParsing, ProgressLoading, ProgressEvaluating, 65, 80, 95, 95}, pl.values)
}
