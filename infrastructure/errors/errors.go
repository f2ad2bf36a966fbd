// Package errors provides unified error handling for the bundler.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code.
type ErrorCode string

const (
	// Resolution errors (1xxx)
	ErrCodeResolveNotFound  ErrorCode = "RESOLVE_1001"
	ErrCodeResolveAmbiguous ErrorCode = "RESOLVE_1002"

	// Compile errors (2xxx)
	ErrCodeCompileError ErrorCode = "COMPILE_2001"

	// Packaging errors (3xxx)
	ErrCodePackagerMissing ErrorCode = "PACKAGE_3001"
	ErrCodePackageFailed   ErrorCode = "PACKAGE_3002"

	// Install errors (4xxx)
	ErrCodeInstallFailed     ErrorCode = "INSTALL_4001"
	ErrCodeRateLimitExceeded ErrorCode = "INSTALL_4002"

	// I/O and internal errors (5xxx)
	ErrCodeIOError          ErrorCode = "IO_5001"
	ErrCodeInternalInvariant ErrorCode = "INTERNAL_5002"
	ErrCodeCacheError       ErrorCode = "IO_5003"
	ErrCodeTimeout          ErrorCode = "IO_5004"
)

// BundlerError represents a structured error with code, message, and HTTP status.
type BundlerError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface.
func (e *BundlerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *BundlerError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error.
func (e *BundlerError) WithDetails(key string, value interface{}) *BundlerError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new BundlerError.
func New(code ErrorCode, message string, httpStatus int) *BundlerError {
	return &BundlerError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error with a BundlerError.
func Wrap(code ErrorCode, message string, httpStatus int, err error) *BundlerError {
	return &BundlerError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// Resolution errors

// ResolveNotFound reports that a specifier could not be resolved from a parent asset.
func ResolveNotFound(specifier, parent string) *BundlerError {
	return New(ErrCodeResolveNotFound, "dependency could not be resolved", http.StatusNotFound).
		WithDetails("specifier", specifier).
		WithDetails("parent", parent)
}

// ResolveAmbiguous reports that a specifier matched more than one candidate.
func ResolveAmbiguous(specifier string, candidates []string) *BundlerError {
	return New(ErrCodeResolveAmbiguous, "dependency specifier is ambiguous", http.StatusConflict).
		WithDetails("specifier", specifier).
		WithDetails("candidates", candidates)
}

// Compile errors

// CompileFailed wraps a compiler/worker failure with its source location when known.
func CompileFailed(path string, err error) *BundlerError {
	return Wrap(ErrCodeCompileError, "compilation failed", http.StatusUnprocessableEntity, err).
		WithDetails("path", path)
}

// Packaging errors

// PackageFailed wraps a packager failure for a bundle.
func PackageFailed(bundleType string, err error) *BundlerError {
	return Wrap(ErrCodePackageFailed, "packaging failed", http.StatusInternalServerError, err).
		WithDetails("bundleType", bundleType)
}

// Install errors

// InstallFailed wraps an autoinstaller failure for a missing package.
func InstallFailed(moduleName string, err error) *BundlerError {
	return Wrap(ErrCodeInstallFailed, "dependency install failed", http.StatusInternalServerError, err).
		WithDetails("module", moduleName)
}

// RateLimitExceeded reports that autoinstall attempts exceeded the configured throttle.
func RateLimitExceeded(limit int, window string) *BundlerError {
	return New(ErrCodeRateLimitExceeded, "install rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// I/O and internal errors

// IOError wraps a filesystem or cache I/O failure.
func IOError(operation string, err error) *BundlerError {
	return Wrap(ErrCodeIOError, "I/O operation failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

// CacheError wraps a compile-cache read/write/invalidate failure.
func CacheError(operation string, err error) *BundlerError {
	return Wrap(ErrCodeCacheError, "cache operation failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

// Timeout reports that an operation exceeded its deadline.
func Timeout(operation string) *BundlerError {
	return New(ErrCodeTimeout, "operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

// InternalInvariant reports a violated internal invariant (a bug, not user error).
func InternalInvariant(message string) *BundlerError {
	return New(ErrCodeInternalInvariant, message, http.StatusInternalServerError)
}

// Helper functions

// IsBundlerError checks if an error is a BundlerError.
func IsBundlerError(err error) bool {
	var bundlerErr *BundlerError
	return errors.As(err, &bundlerErr)
}

// GetBundlerError extracts a BundlerError from an error chain.
func GetBundlerError(err error) *BundlerError {
	var bundlerErr *BundlerError
	if errors.As(err, &bundlerErr) {
		return bundlerErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error.
func GetHTTPStatus(err error) int {
	if bundlerErr := GetBundlerError(err); bundlerErr != nil {
		return bundlerErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Is checks whether err carries the given ErrorCode anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	bundlerErr := GetBundlerError(err)
	return bundlerErr != nil && bundlerErr.Code == code
}
