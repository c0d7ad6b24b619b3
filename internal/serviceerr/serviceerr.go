// Package serviceerr carries the coded error type shared by the domain services.
package serviceerr

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Error is a service failure with a stable "<operation>.<reason>" code.
type Error struct {
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *Error) Code() string {
	return e.code
}

// New builds a coded error for the operation and reason.
func New(operation, reason string, cause error) error {
	return &Error{code: operation + "." + reason, err: cause}
}

// CodeOf returns the code of the first Error in the chain, or "".
func CodeOf(err error) string {
	var serviceErr *Error
	if errors.As(err, &serviceErr) {
		return serviceErr.code
	}
	return ""
}

// Log writes a service failure with the standard operation/reason fields.
func Log(logger *zap.Logger, message, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		return
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error(message, attrs...)
}
