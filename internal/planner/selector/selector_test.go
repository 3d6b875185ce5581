package selector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/promshard/internal/execplan"
	"github.com/dreamware/promshard/internal/logicalplan"
	"github.com/dreamware/promshard/internal/schema"
)

type fakeCompiler struct {
	name  string
	calls int
}

func (f *fakeCompiler) Compile(*logicalplan.LogicalPlan, int64, int64) (*execplan.Node, error) {
	f.calls++
	return execplan.EmptyResult(), nil
}

func selectorPlanFor(metric string) *logicalplan.LogicalPlan {
	return &logicalplan.LogicalPlan{
		Kind: logicalplan.KindSelector,
		Selector: &logicalplan.SelectorParams{Matchers: []logicalplan.LabelMatcher{
			{Name: schema.DefaultMetricColumn, Type: logicalplan.MatchEqual, Value: metric},
		}},
	}
}

func TestDefaultSelectRoutesRecordingRuleSuffix(t *testing.T) {
	require.Equal(t, "recordingRules", DefaultSelect("job:http_requests_rate:5m"))
	require.Equal(t, "longterm", DefaultSelect("http_requests_total"))
}

func TestCompileRoutesByMetricName(t *testing.T) {
	longterm := &fakeCompiler{name: "longterm"}
	recording := &fakeCompiler{name: "recordingRules"}
	p := New(map[string]Compiler{"longterm": longterm, "recordingRules": recording}, "longterm", nil)

	_, err := p.Compile(selectorPlanFor("http_requests_total"), 0, 60_000)
	require.NoError(t, err)
	require.Equal(t, 1, longterm.calls)
	require.Equal(t, 0, recording.calls)

	_, err = p.Compile(selectorPlanFor("job:http_requests_rate:5m"), 0, 60_000)
	require.NoError(t, err)
	require.Equal(t, 1, recording.calls)
}

func TestCompileUnregisteredPlannerErrors(t *testing.T) {
	p := New(map[string]Compiler{}, "longterm", nil)
	_, err := p.Compile(selectorPlanFor("up"), 0, 60_000)
	require.Error(t, err)
}
