package logicalplan

import (
	"fmt"

	"github.com/prometheus/prometheus/model/labels"
	"github.com/prometheus/prometheus/promql/parser"
)

// Lower converts a parsed PromQL AST (internal/promql.Parse's output) into
// a LogicalPlan. Only the accepted subset from spec §6 is supported;
// anything else returns an error the caller should surface as BadQuery.
func Lower(expr parser.Expr) (*LogicalPlan, error) {
	switch e := expr.(type) {
	case *parser.ParenExpr:
		return Lower(e.Expr)

	case *parser.NumberLiteral:
		return &LogicalPlan{Kind: KindNumber, Number: e.Val}, nil

	case *parser.VectorSelector:
		return lowerSelector(e)

	case *parser.MatrixSelector:
		return lowerMatrix(e)

	case *parser.UnaryExpr:
		inner, err := Lower(e.Expr)
		if err != nil {
			return nil, err
		}
		if e.Op.String() == "-" {
			return &LogicalPlan{
				Kind:   KindBinary,
				Binary: &BinaryParams{Op: "*"},
				Children: []*LogicalPlan{
					inner,
					{Kind: KindNumber, Number: -1},
				},
			}, nil
		}
		return inner, nil

	case *parser.BinaryExpr:
		return lowerBinary(e)

	case *parser.AggregateExpr:
		return lowerAggregate(e)

	case *parser.Call:
		return lowerCall(e)

	case *parser.SubqueryExpr:
		return lowerSubquery(e)
	}
	return nil, fmt.Errorf("logicalplan: unsupported expression type %T", expr)
}

func lowerSelector(v *parser.VectorSelector) (*LogicalPlan, error) {
	matchers := make([]LabelMatcher, 0, len(v.LabelMatchers)+1)
	haveName := false
	for _, m := range v.LabelMatchers {
		if m.Name == labels.MetricName {
			haveName = true
		}
		matchers = append(matchers, LabelMatcher{Name: m.Name, Type: lowerMatchType(m.Type), Value: m.Value})
	}
	if !haveName && v.Name != "" {
		matchers = append(matchers, LabelMatcher{Name: labels.MetricName, Type: MatchEqual, Value: v.Name})
	}
	return &LogicalPlan{
		Kind:     KindSelector,
		Selector: &SelectorParams{Matchers: matchers, Offset: v.Offset},
	}, nil
}

func lowerMatchType(t labels.MatchType) MatchType {
	switch t {
	case labels.MatchEqual:
		return MatchEqual
	case labels.MatchNotEqual:
		return MatchNotEqual
	case labels.MatchRegexp:
		return MatchRegexp
	case labels.MatchNotRegexp:
		return MatchNotRegexp
	}
	return MatchEqual
}

func lowerMatrix(m *parser.MatrixSelector) (*LogicalPlan, error) {
	vs, ok := m.VectorSelector.(*parser.VectorSelector)
	if !ok {
		return nil, fmt.Errorf("logicalplan: matrix selector over non-selector expression")
	}
	sel, err := lowerSelector(vs)
	if err != nil {
		return nil, err
	}
	return &LogicalPlan{
		Kind:     KindMatrix,
		Matrix:   &MatrixParams{Range: m.Range},
		Children: []*LogicalPlan{sel},
	}, nil
}

func lowerBinary(b *parser.BinaryExpr) (*LogicalPlan, error) {
	lhs, err := Lower(b.LHS)
	if err != nil {
		return nil, err
	}
	rhs, err := Lower(b.RHS)
	if err != nil {
		return nil, err
	}
	params := &BinaryParams{Op: b.Op.String(), ReturnBool: b.ReturnBool}
	if vm := b.VectorMatching; vm != nil {
		params.On = vm.MatchingLabels
		if !vm.On {
			params.Ignoring = vm.MatchingLabels
			params.On = nil
		}
		params.Include = vm.Include
		switch vm.Card {
		case parser.CardOneToOne:
			params.Cardinality = "OneToOne"
		case parser.CardManyToOne:
			params.Cardinality = "ManyToOne"
		case parser.CardOneToMany:
			params.Cardinality = "OneToMany"
		case parser.CardManyToMany:
			params.Cardinality = "ManyToMany"
		}
	} else {
		params.Cardinality = "OneToOne"
	}
	return &LogicalPlan{Kind: KindBinary, Binary: params, Children: []*LogicalPlan{lhs, rhs}}, nil
}

func lowerAggregate(a *parser.AggregateExpr) (*LogicalPlan, error) {
	inner, err := Lower(a.Expr)
	if err != nil {
		return nil, err
	}
	params := &AggregateParams{Op: a.Op.String(), By: a.Grouping, Without: a.Without}
	if a.Param != nil {
		switch p := a.Param.(type) {
		case *parser.NumberLiteral:
			params.Param = p.Val
			params.HasParam = true
		case *parser.StringLiteral:
			params.ParamLabel = p.Val
		}
	}
	return &LogicalPlan{Kind: KindAggregate, Aggregate: params, Children: []*LogicalPlan{inner}}, nil
}

// rangeFuncMatrixArgIndex lists, for each range function accepting extra
// scalar params beyond the range vector, the zero-based index of the
// range-vector argument (the rest are scalar literal params, in order).
var rangeFuncMatrixArgIndex = map[string]int{
	"quantile_over_time": 1,
	"predict_linear":     0,
	"holt_winters":       0,
}

func lowerCall(c *parser.Call) (*LogicalPlan, error) {
	name := c.Func.Name

	matrixIdx := 0
	if idx, ok := rangeFuncMatrixArgIndex[name]; ok {
		matrixIdx = idx
	}

	if matrixIdx < len(c.Args) {
		if _, isMatrix := c.Args[matrixIdx].(*parser.MatrixSelector); isMatrix || isSubquery(c.Args, matrixIdx) {
			return lowerRangeFuncCall(name, c.Args, matrixIdx)
		}
	}

	if name == "histogram_quantile" && len(c.Args) == 2 {
		q, ok := c.Args[0].(*parser.NumberLiteral)
		if !ok {
			return nil, fmt.Errorf("logicalplan: histogram_quantile requires a constant quantile")
		}
		inner, err := Lower(c.Args[1])
		if err != nil {
			return nil, err
		}
		return &LogicalPlan{
			Kind:        KindInstantFunc,
			InstantFunc: &InstantFuncParams{Function: name, Params: []float64{q.Val}},
			Children:    []*LogicalPlan{inner},
		}, nil
	}

	if len(c.Args) == 0 {
		return nil, fmt.Errorf("logicalplan: function %s takes no vector argument", name)
	}
	inner, err := Lower(c.Args[0])
	if err != nil {
		return nil, err
	}
	var extraParams []float64
	for _, arg := range c.Args[1:] {
		if num, ok := arg.(*parser.NumberLiteral); ok {
			extraParams = append(extraParams, num.Val)
		}
	}
	return &LogicalPlan{
		Kind:        KindInstantFunc,
		InstantFunc: &InstantFuncParams{Function: name, Params: extraParams},
		Children:    []*LogicalPlan{inner},
	}, nil
}

func isSubquery(args parser.Expressions, idx int) bool {
	if idx >= len(args) {
		return false
	}
	_, ok := args[idx].(*parser.SubqueryExpr)
	return ok
}

func lowerRangeFuncCall(name string, args parser.Expressions, matrixIdx int) (*LogicalPlan, error) {
	inner, err := Lower(args[matrixIdx])
	if err != nil {
		return nil, err
	}
	var params []float64
	for i, arg := range args {
		if i == matrixIdx {
			continue
		}
		if num, ok := arg.(*parser.NumberLiteral); ok {
			params = append(params, num.Val)
		}
	}
	return &LogicalPlan{
		Kind:      KindRangeFunc,
		RangeFunc: &RangeFuncParams{Function: name, Params: params},
		Children:  []*LogicalPlan{inner},
	}, nil
}

func lowerSubquery(s *parser.SubqueryExpr) (*LogicalPlan, error) {
	inner, err := Lower(s.Expr)
	if err != nil {
		return nil, err
	}
	return &LogicalPlan{
		Kind:     KindSubquery,
		Subquery: &SubqueryParams{Range: s.Range, Step: s.Step, Offset: s.OriginalOffset},
		Children: []*LogicalPlan{inner},
	}, nil
}
