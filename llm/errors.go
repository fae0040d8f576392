package llm

import "errors"

// CallError is a model call failure annotated with whether another attempt
// can help. Network faults, 429s, and 5xx responses are worth retrying;
// auth and request-shape failures are permanent and also stop the fallback
// chain.
type CallError struct {
	// Retryable marks failures where the same endpoint may recover.
	Retryable bool

	// Status is the HTTP status when the provider answered, 0 otherwise.
	Status int

	err error
}

func (e *CallError) Error() string { return e.err.Error() }
func (e *CallError) Unwrap() error { return e.err }

func retryableErr(err error) error { return &CallError{Retryable: true, err: err} }
func permanentErr(err error) error { return &CallError{Retryable: false, err: err} }

// IsRetryable reports whether a further attempt against the same endpoint
// could succeed.
func IsRetryable(err error) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Retryable
}

// IsFatal reports whether the failure is permanent. Fatal errors stop both
// the retry loop and the fallback chain; they usually indicate bad
// credentials or a malformed request, which no other endpoint fixes.
func IsFatal(err error) bool {
	var ce *CallError
	return errors.As(err, &ce) && !ce.Retryable
}
