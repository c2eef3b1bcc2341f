package querykind

import "errors"

// ErrInvalidQueryKind is returned when a caller names a query kind absent
// from the registry.
var ErrInvalidQueryKind = errors.New("querykind: unsupported query kind")

// ErrAggregationNotSupported is returned when Aggregate is called against a
// descriptor whose underlying query kind has no spatial aggregation.
var ErrAggregationNotSupported = errors.New("querykind: query kind does not support aggregation")

// ValidationError wraps one or more per-field validation failures, mirroring
// the original's QueryParamsValidationError(messages).
type ValidationError struct {
	Kind     string
	Messages map[string]string
}

func (e *ValidationError) Error() string {
	return "querykind: invalid parameters for " + e.Kind
}
