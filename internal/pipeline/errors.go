package pipeline

import (
	"errors"

	"github.com/sells-group/repo-scout/internal/admission"
	"github.com/sells-group/repo-scout/internal/judge"
	"github.com/sells-group/repo-scout/pkg/github"
)

// ValidationError rejects a malformed trigger request before any state
// is created.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "pipeline: invalid request: " + e.Msg
}

// StoreError wraps a persistence failure. Store failures are always
// fatal for the loop and never swallowed.
type StoreError struct {
	Err error
}

func (e *StoreError) Error() string {
	return "pipeline: store: " + e.Err.Error()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Code classifies an error into the wire-level taxonomy used by the
// HTTP boundary and by error events.
func Code(err error) string {
	var (
		ve *ValidationError
		se *StoreError
		re *github.RetrievalError
		je *judge.SchemaError
		rl *admission.ErrRateLimited
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return "validation_error"
	case errors.As(err, &rl):
		return "rate_limited"
	case errors.As(err, &re):
		return "retrieval_error"
	case errors.As(err, &je):
		return "judge_schema_error"
	case errors.As(err, &se):
		return "store_error"
	default:
		return "internal_error"
	}
}
