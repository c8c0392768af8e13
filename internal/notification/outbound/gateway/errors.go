package gateway

import "errors"

var (
	// ErrUnsupportedChannel is returned for channels without a configured provider.
	ErrUnsupportedChannel = errors.New("gateway: unsupported channel")
	// ErrInvalidRecipient is returned when the recipient fails validation.
	ErrInvalidRecipient = errors.New("gateway: invalid recipient")
)

// TransientError marks a failure worth retrying.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that no retry will fix.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Transient(err error) error { return &TransientError{Err: err} }
func Permanent(err error) error { return &PermanentError{Err: err} }

// IsPermanent reports whether err, or anything it wraps, is a PermanentError.
// Unclassified errors are treated as transient.
func IsPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}
