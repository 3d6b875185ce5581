// Package promql wraps github.com/prometheus/prometheus/promql/parser for
// the accepted query surface from spec §6. Parse rejects the `@` modifier
// and histogram_max_quantile as BadQuery; every other expression the
// upstream parser accepts is passed on, and internal/logicalplan rejects
// the expression kinds it cannot lower.
package promql

import (
	"github.com/prometheus/prometheus/promql/parser"
)

// BadQueryError reports a query that fails to parse or uses an unsupported
// construct; internal/exec promotes it to a QueryError of kind BadQuery.
type BadQueryError struct {
	Msg string
}

func (e *BadQueryError) Error() string { return e.Msg }

// Parse parses query text into a parser.Expr AST, rejecting the `@`
// modifier (spec §6's explicit exclusion) anywhere in the tree.
func Parse(query string) (parser.Expr, error) {
	expr, err := parser.ParseExpr(query)
	if err != nil {
		return nil, &BadQueryError{Msg: err.Error()}
	}
	if err := rejectUnsupported(expr); err != nil {
		return nil, err
	}
	return expr, nil
}

func rejectUnsupported(expr parser.Expr) error {
	var outerErr error
	parser.Inspect(expr, func(node parser.Node, _ []parser.Node) error {
		if outerErr != nil {
			return outerErr
		}
		switch n := node.(type) {
		case *parser.VectorSelector:
			if n.Timestamp != nil || n.StartOrEnd != 0 {
				outerErr = &BadQueryError{Msg: "the @ modifier is not supported"}
			}
		case *parser.SubqueryExpr:
			if n.Timestamp != nil || n.StartOrEnd != 0 {
				outerErr = &BadQueryError{Msg: "the @ modifier is not supported"}
			}
		case *parser.Call:
			if n.Func.Name == "histogram_max_quantile" {
				outerErr = &BadQueryError{Msg: "histogram_max_quantile is not supported"}
			}
		}
		return nil
	})
	return outerErr
}
