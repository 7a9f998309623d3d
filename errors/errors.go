// Package errors provides the error classification used across the pipeline.
// Every surfaced error carries one of three classes: transient failures the
// caller may retry (storage writes), invalid input counted and skipped
// (parse failures), and fatal conditions that abort startup (bind, storage
// open). Helpers wrap causes with component/method context in a uniform
// "component.method: action failed" form.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass partitions errors by how the pipeline must respond.
type ErrorClass int

const (
	// ErrorTransient marks temporary failures worth retrying.
	ErrorTransient ErrorClass = iota
	// ErrorInvalid marks bad input: counted, dropped, never retried.
	ErrorInvalid
	// ErrorFatal marks unrecoverable conditions that abort startup.
	ErrorFatal
)

// String returns the lowercase class name.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Sentinel errors for the pipeline's failure modes.
var (
	// Lifecycle.
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrClosed         = errors.New("component closed")
	ErrShuttingDown   = errors.New("component is shutting down")

	// Receiver.
	ErrBindFailed     = errors.New("socket bind failed")
	ErrPacketTooLarge = errors.New("packet exceeds maximum size")

	// Parser.
	ErrMalformedPayload = errors.New("malformed payload")
	ErrInvalidField     = errors.New("invalid field")

	// Store.
	ErrStoreUnavailable = errors.New("storage unavailable")
	ErrWriteFailed      = errors.New("storage write failed")

	// Configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// ClassifiedError wraps a cause with its class and origin.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrWriteFailed) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Unclassified errors from drivers and the net package mostly surface
	// as strings; fall back to the usual transient markers.
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "temporary", "unavailable", "busy", "locked"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// IsFatal reports whether err must abort startup.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	if errors.Is(err, ErrBindFailed) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"fatal", "corrupted", "address already in use", "permission denied"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// IsInvalid reports whether err stems from bad input.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrMalformedPayload) ||
		errors.Is(err, ErrInvalidField) ||
		errors.Is(err, ErrPacketTooLarge)
}

// Classify returns the class for err. Unknown errors default to transient
// so callers err on the side of retrying.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}
	if IsTransient(err) {
		return ErrorTransient
	}
	if IsFatal(err) {
		return ErrorFatal
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}
	return ErrorTransient
}

func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap adds origin context in the form "component.method: action failed: %w".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps err as transient with origin context.
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrapped, component, method, wrapped.Error())
}

// WrapFatal wraps err as fatal with origin context.
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrapped, component, method, wrapped.Error())
}

// WrapInvalid wraps err as invalid with origin context.
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrapped, component, method, wrapped.Error())
}
