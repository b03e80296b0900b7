package models

import "fmt"

// DecodeError indicates a malformed input message. The whole run halts on
// it because a corrupt stream can not be partially trusted.
type DecodeError struct {
	Line   int
	Reason string
	Err    error
}

func (x *DecodeError) Error() string {
	return fmt.Sprintf("decode error at line %d: %s", x.Line, x.Reason)
}

func (x *DecodeError) Unwrap() error { return x.Err }

// SchemaConflictError indicates an irreconcilable schema re-declaration,
// e.g. a type narrowing. The intent is ambiguous, so it is fatal.
type SchemaConflictError struct {
	Stream string
	Column string
	Have   LogicalType
	Want   LogicalType
	Reason string
}

func (x *SchemaConflictError) Error() string {
	if x.Have != "" || x.Want != "" {
		return fmt.Sprintf("schema conflict on %s.%s: %s (%s -> %s)",
			x.Stream, x.Column, x.Reason, x.Have, x.Want)
	}
	return fmt.Sprintf("schema conflict on %s.%s: %s", x.Stream, x.Column, x.Reason)
}

// MaterializationError indicates a record value that can not be coerced to
// its declared column type.
type MaterializationError struct {
	Stream string
	Column string
	Value  interface{}
	Reason string
}

func (x *MaterializationError) Error() string {
	return fmt.Sprintf("can not materialize %s.%s (%v): %s",
		x.Stream, x.Column, x.Value, x.Reason)
}

// TransientError marks a failure as retryable for the backoff loop.
// Adaptors wrap timeouts and 5xx-class responses with it when the SDK error
// shape alone is not enough to classify.
type TransientError struct {
	Err error
}

func (x *TransientError) Error() string { return x.Err.Error() }
func (x *TransientError) Unwrap() error { return x.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}
