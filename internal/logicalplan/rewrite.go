package logicalplan

import (
	"fmt"

	"github.com/dreamware/promshard/internal/schema"
)

// RewriteLabels rewrites every occurrence of the Prometheus metric-name
// label to ds's configured metric column, across selector matchers and
// every by/without/on/ignoring/group_left/group_right label list in the
// tree (SPEC_FULL.md §11, spec §4.3's label-rewrite requirement).
func RewriteLabels(plan *LogicalPlan, ds schema.Dataset) *LogicalPlan {
	if plan == nil {
		return nil
	}
	switch plan.Kind {
	case KindSelector:
		for i, m := range plan.Selector.Matchers {
			plan.Selector.Matchers[i].Name = ds.CanonicalLabelName(m.Name)
		}
	case KindAggregate:
		plan.Aggregate.By = rewriteNames(plan.Aggregate.By, ds)
	case KindBinary:
		plan.Binary.On = rewriteNames(plan.Binary.On, ds)
		plan.Binary.Ignoring = rewriteNames(plan.Binary.Ignoring, ds)
		plan.Binary.Include = rewriteNames(plan.Binary.Include, ds)
	}
	for _, child := range plan.Children {
		RewriteLabels(child, ds)
	}
	return plan
}

func rewriteNames(names []string, ds schema.Dataset) []string {
	if len(names) == 0 {
		return names
	}
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = ds.CanonicalLabelName(n)
	}
	return out
}

// RewriteHistogramBuckets normalizes histogram_quantile subtrees: it
// verifies the nested selector targets a "_bucket"-suffixed metric and
// that a "le" matcher is present, matching the convention
// schema.IsBucketMetric encodes. It does not alter the query's meaning —
// only validates the shape a downstream planner relies on.
func RewriteHistogramBuckets(plan *LogicalPlan) error {
	if plan == nil {
		return nil
	}
	if plan.Kind == KindInstantFunc && plan.InstantFunc.Function == "histogram_quantile" {
		if err := validateHistogramSubtree(plan); err != nil {
			return err
		}
	}
	for _, child := range plan.Children {
		if err := RewriteHistogramBuckets(child); err != nil {
			return err
		}
	}
	return nil
}

func validateHistogramSubtree(plan *LogicalPlan) error {
	sel := findSelector(plan)
	if sel == nil {
		return nil // the argument contains no selector at all (e.g. a number literal); nothing to validate here
	}
	var metricName string
	hasLe := false
	for _, m := range sel.Matchers {
		if m.Name == schema.PromMetricLabel || m.Name == schema.DefaultMetricColumn {
			metricName = m.Value
		}
		if m.Name == "le" {
			hasLe = true
		}
	}
	if metricName != "" {
		if _, ok := schema.IsBucketMetric(metricName); !ok {
			return fmt.Errorf("logicalplan: histogram_quantile over non-bucket metric %q", metricName)
		}
	}
	if !hasLe {
		return fmt.Errorf("logicalplan: histogram_quantile requires an \"le\" label matcher")
	}
	return nil
}

func findSelector(plan *LogicalPlan) *SelectorParams {
	if plan == nil {
		return nil
	}
	if plan.Kind == KindSelector {
		return plan.Selector
	}
	for _, child := range plan.Children {
		if sel := findSelector(child); sel != nil {
			return sel
		}
	}
	return nil
}

// CheckSubqueryDepth returns an error once plan's subquery nesting exceeds
// maxDepth, resolving the Open Question from spec.md §9 (SPEC_FULL.md §12;
// default DefaultMaxSubqueryDepth).
func CheckSubqueryDepth(plan *LogicalPlan, maxDepth int) error {
	return checkDepth(plan, maxDepth, 0)
}

func checkDepth(plan *LogicalPlan, maxDepth, depth int) error {
	if plan == nil {
		return nil
	}
	if plan.Kind == KindSubquery {
		depth++
		if depth > maxDepth {
			return fmt.Errorf("logicalplan: subquery nesting depth %d exceeds limit %d", depth, maxDepth)
		}
	}
	for _, child := range plan.Children {
		if err := checkDepth(child, maxDepth, depth); err != nil {
			return err
		}
	}
	return nil
}
