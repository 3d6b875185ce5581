// Package selector implements the single-partition planner + planner
// selector (spec §4.7): it holds a name -> Compiler map and routes a query
// to one of them by its metric name, e.g. recording-rule-style metric
// names (suffixed "...:1m", "...:5m", ...) to a dedicated planner with its
// own retention and no downsampling.
package selector

import (
	"fmt"
	"regexp"

	"github.com/dreamware/promshard/internal/execplan"
	"github.com/dreamware/promshard/internal/logicalplan"
	"github.com/dreamware/promshard/internal/schema"
)

// Compiler is implemented by every planner registered under a name.
type Compiler interface {
	Compile(plan *logicalplan.LogicalPlan, startMs, endMs int64) (*execplan.Node, error)
}

// SelectFn maps a metric name to the registered planner name that should
// evaluate it.
type SelectFn func(metricName string) string

// recordingRuleSuffix matches Prometheus's recording-rule naming
// convention for a resolution suffix, e.g. "job:requests_rate:5m".
var recordingRuleSuffix = regexp.MustCompile(`:[0-9]+[a-zA-Z]+$`)

// DefaultSelect implements spec §4.7's default rule: metric names carrying
// a resolution suffix like ":1m" or ":5m" route to "recordingRules";
// everything else routes to "longterm".
func DefaultSelect(metricName string) string {
	if recordingRuleSuffix.MatchString(metricName) {
		return "recordingRules"
	}
	return "longterm"
}

// Planner dispatches a LogicalPlan to one of Planners by metric name.
type Planner struct {
	Planners map[string]Compiler
	Default  string
	Select   SelectFn
}

// New builds a Planner. select defaults to DefaultSelect when nil.
func New(planners map[string]Compiler, defaultName string, sel SelectFn) *Planner {
	if sel == nil {
		sel = DefaultSelect
	}
	return &Planner{Planners: planners, Default: defaultName, Select: sel}
}

// Compile routes plan to the Compiler its metric name selects.
func (p *Planner) Compile(plan *logicalplan.LogicalPlan, startMs, endMs int64) (*execplan.Node, error) {
	name := p.Default
	if metricName := metricNameOf(plan); metricName != "" {
		name = p.Select(metricName)
	}
	compiler, ok := p.Planners[name]
	if !ok {
		return nil, fmt.Errorf("selector: no planner registered for %q", name)
	}
	return compiler.Compile(plan, startMs, endMs)
}

func metricNameOf(plan *logicalplan.LogicalPlan) string {
	sel := findSelector(plan)
	if sel == nil {
		return ""
	}
	for _, m := range sel.Selector.Matchers {
		if m.Name == schema.DefaultMetricColumn || m.Name == schema.PromMetricLabel {
			return m.Value
		}
	}
	return ""
}

func findSelector(plan *logicalplan.LogicalPlan) *logicalplan.LogicalPlan {
	if plan == nil {
		return nil
	}
	if plan.Kind == logicalplan.KindSelector {
		return plan
	}
	for _, child := range plan.Children {
		if sel := findSelector(child); sel != nil {
			return sel
		}
	}
	return nil
}
