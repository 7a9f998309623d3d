package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorClassString(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if got := test.class.String(); got != test.expected {
				t.Errorf("expected %s, got %s", test.expected, got)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"storage unavailable", ErrStoreUnavailable, true},
		{"write failed", ErrWriteFailed, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"malformed payload", ErrMalformedPayload, false},
		{"timeout in message", fmt.Errorf("read timeout occurred"), true},
		{"database locked", fmt.Errorf("database is locked"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("x")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("x")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsTransient(test.err); got != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, got, test.err)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"bind failed", ErrBindFailed, true},
		{"invalid config", ErrInvalidConfig, true},
		{"missing config", ErrMissingConfig, true},
		{"invalid field", ErrInvalidField, false},
		{"address in use", fmt.Errorf("listen udp :9999: address already in use"), true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("x")}, true},
		{"classified invalid", &ClassifiedError{Class: ErrorInvalid, Err: fmt.Errorf("x")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsFatal(test.err); got != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, got, test.err)
			}
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"malformed payload", ErrMalformedPayload, true},
		{"invalid field", ErrInvalidField, true},
		{"packet too large", ErrPacketTooLarge, true},
		{"wrapped invalid field", fmt.Errorf("parse: %w", ErrInvalidField), true},
		{"bind failed", ErrBindFailed, false},
		{"classified invalid", &ClassifiedError{Class: ErrorInvalid, Err: fmt.Errorf("x")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsInvalid(test.err); got != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, got, test.err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"nil defaults transient", nil, ErrorTransient},
		{"write failure", ErrWriteFailed, ErrorTransient},
		{"bind failure", ErrBindFailed, ErrorFatal},
		{"malformed", ErrMalformedPayload, ErrorInvalid},
		{"unknown defaults transient", fmt.Errorf("something odd"), ErrorTransient},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Classify(test.err); got != test.expected {
				t.Errorf("expected %v, got %v", test.expected, got)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("disk full")

	err := Wrap(cause, "store", "Flush", "batch write")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "store.Flush: batch write failed") {
		t.Errorf("unexpected message: %s", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("wrapped error should unwrap to cause")
	}
	if Wrap(nil, "store", "Flush", "batch write") != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestWrapClassified(t *testing.T) {
	cause := errors.New("boom")

	transient := WrapTransient(cause, "store", "Flush", "write")
	if !IsTransient(transient) {
		t.Error("WrapTransient result should classify transient")
	}

	fatal := WrapFatal(cause, "receiver", "Start", "bind")
	if !IsFatal(fatal) {
		t.Error("WrapFatal result should classify fatal")
	}

	invalid := WrapInvalid(cause, "parser", "Parse", "decode")
	if !IsInvalid(invalid) {
		t.Error("WrapInvalid result should classify invalid")
	}

	var ce *ClassifiedError
	if !errors.As(invalid, &ce) {
		t.Fatal("expected ClassifiedError")
	}
	if ce.Component != "parser" || ce.Operation != "Parse" {
		t.Errorf("unexpected origin: %s.%s", ce.Component, ce.Operation)
	}
	if !errors.Is(invalid, cause) {
		t.Error("classified error should unwrap to cause")
	}

	if WrapTransient(nil, "a", "b", "c") != nil {
		t.Error("WrapTransient(nil) should return nil")
	}
	if WrapFatal(nil, "a", "b", "c") != nil {
		t.Error("WrapFatal(nil) should return nil")
	}
	if WrapInvalid(nil, "a", "b", "c") != nil {
		t.Error("WrapInvalid(nil) should return nil")
	}
}

func TestClassifiedErrorMessage(t *testing.T) {
	withMessage := &ClassifiedError{Class: ErrorFatal, Err: errors.New("inner"), Message: "outer"}
	if withMessage.Error() != "outer" {
		t.Errorf("expected explicit message, got %s", withMessage.Error())
	}

	withoutMessage := &ClassifiedError{Class: ErrorFatal, Err: errors.New("inner")}
	if withoutMessage.Error() != "inner" {
		t.Errorf("expected cause message, got %s", withoutMessage.Error())
	}
}
