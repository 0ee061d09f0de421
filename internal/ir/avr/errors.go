package avr

import (
	"errors"
	"fmt"
)

// InternalError reports an invariant violation inside the backend. It
// always means the front end or the backend itself is wrong, never that the
// input program is unsupported at run time.
type InternalError struct {
	Op     string
	Detail string
	Err    error
}

func (e *InternalError) Error() string {
	msg := "avr backend: " + e.Op + ": " + e.Detail
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InternalError) Unwrap() error { return e.Err }

// IsInternal reports whether err carries an InternalError.
func IsInternal(err error) bool {
	var ie *InternalError
	return errors.As(err, &ie)
}

func internalf(op string, format string, args ...any) *InternalError {
	return &InternalError{Op: op, Detail: fmt.Sprintf(format, args...)}
}

// fail latches the first internal error. Later failures are logged but do
// not replace it.
func (b *Backend) fail(op string, format string, args ...any) {
	b.failErr(internalf(op, format, args...))
}

func (b *Backend) failErr(err error) {
	var ie *InternalError
	if !errors.As(err, &ie) {
		ie = &InternalError{Op: "backend", Detail: "unexpected failure", Err: err}
	}
	if b.err != nil {
		b.log.Debug("avr backend: suppressed error", "op", ie.Op, "error", ie)
		return
	}
	b.err = ie
	b.log.Error("avr backend: internal error", "op", ie.Op, "error", ie)
}

// Err returns the first internal error raised since Init, if any.
func (b *Backend) Err() error {
	if b.err == nil {
		return nil
	}
	return b.err
}

func (b *Backend) failed() bool { return b.err != nil }
