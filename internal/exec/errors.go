// Package exec implements the executor runtime (spec §4.8): Execute walks
// an execplan.Node tree against a chunkstore.TimeSeriesMemStore, producing
// rangevector.RangeVectors, accumulating QueryStats, and enforcing the
// limits and error taxonomy from spec §7.
package exec

import (
	"fmt"

	"github.com/pkg/errors"
)

// QueryErrorKind enumerates the error taxonomy from spec §7.
type QueryErrorKind string

const (
	ErrKindQueryTimeout        QueryErrorKind = "QueryTimeout"
	ErrKindSampleLimitExceeded QueryErrorKind = "SampleLimitExceeded"
	ErrKindTooManyShards       QueryErrorKind = "TooManyShardsQueried"
	ErrKindSchemaConflict      QueryErrorKind = "SchemaConflict"
	ErrKindBadQuery            QueryErrorKind = "BadQuery"
	ErrKindShardNotAvailable   QueryErrorKind = "ShardNotAvailable"
	ErrKindRemoteError         QueryErrorKind = "RemoteError"
	ErrKindInternal            QueryErrorKind = "Internal"
)

// QueryError is the error type every Execute path returns on failure,
// carrying enough structure for a caller to decide whether to retry,
// degrade to a partial result, or surface the failure verbatim.
type QueryError struct {
	Kind  QueryErrorKind
	Msg   string
	Cause error
}

func (e *QueryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *QueryError) Unwrap() error { return e.Cause }

// NewQueryError builds a *QueryError of kind with a formatted message.
func NewQueryError(kind QueryErrorKind, format string, args ...interface{}) *QueryError {
	return &QueryError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapInternal promotes an unexpected error into an Internal QueryError,
// annotating a stack trace via pkg/errors at the boundary where it
// surfaces, per SPEC_FULL.md §10.2.
func WrapInternal(cause error, context string) *QueryError {
	return &QueryError{Kind: ErrKindInternal, Msg: context, Cause: errors.WithStack(cause)}
}

// AsQueryError unwraps err to a *QueryError if it is one (or wraps one),
// otherwise promotes it to Internal.
func AsQueryError(err error) *QueryError {
	if err == nil {
		return nil
	}
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe
	}
	return WrapInternal(err, "unclassified error")
}
