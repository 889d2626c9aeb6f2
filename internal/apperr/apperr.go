// Package apperr normalizes failures into the closed set of codes the
// application shows to users.
//
// Classify is the only place user-facing error text is produced. Other
// packages return wrapped infrastructure errors and let the caller classify.
package apperr

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"

	"github.com/coder/websocket"

	"github.com/mschirtzinger/todosync/internal/remote"
	"github.com/mschirtzinger/todosync/internal/retry"
)

// Code is a classified error code.
type Code string

const (
	CodeAuthRequired     Code = "AUTH_REQUIRED"
	CodeNotFound         Code = "NOT_FOUND"
	CodeInvalidInput     Code = "INVALID_INPUT"
	CodeDuplicate        Code = "DUPLICATE_ERROR"
	CodeForeignKey       Code = "FOREIGN_KEY_ERROR"
	CodeTableNotFound    Code = "TABLE_NOT_FOUND"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeAuth             Code = "AUTH_ERROR"
	CodeDatabase         Code = "DATABASE_ERROR"
	CodeNetwork          Code = "NETWORK_ERROR"
	CodeRetryFailed      Code = "RETRY_FAILED"
	CodeUnknown          Code = "UNKNOWN_ERROR"
)

// Error is a classified application error.
type Error struct {
	Message string
	Code    Code
	Cause   error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a classified error.
func New(code Code, message string, cause error) *Error {
	return &Error{Message: message, Code: code, Cause: cause}
}

// AuthRequired is returned by operations that need a signed-in session.
func AuthRequired() *Error {
	return New(CodeAuthRequired, "you must sign in to manage your to-dos", nil)
}

// NotFound is returned when the target item is not in the current list.
func NotFound(id string) *Error {
	return New(CodeNotFound, fmt.Sprintf("to-do %s not found", id), nil)
}

// Invalid is returned for rejected input.
func Invalid(message string) *Error {
	return New(CodeInvalidInput, message, nil)
}

// Classify maps err into the taxonomy. The first matching rule wins:
// already classified, retry exhaustion, backend code, network failure,
// unknown. A nil error classifies to nil.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}

	var retryErr *retry.Error
	if errors.As(err, &retryErr) {
		return New(CodeRetryFailed,
			fmt.Sprintf("operation failed after %d attempt(s), please try again later", retryErr.Attempts),
			err)
	}

	var backendErr *remote.Error
	if errors.As(err, &backendErr) && backendErr.Code != "" {
		return classifyBackend(backendErr)
	}

	if isNetwork(err) {
		return New(CodeNetwork, "network connection failed, check your connection", err)
	}

	return New(CodeUnknown, "an unknown error occurred, please try again later", err)
}

func classifyBackend(err *remote.Error) *Error {
	switch err.Code {
	case remote.CodeUniqueViolation:
		return New(CodeDuplicate, "this record already exists", err)
	case remote.CodeForeignKeyViolation:
		return New(CodeForeignKey, "cannot complete this operation, related data does not exist", err)
	case remote.CodeUndefinedTable:
		return New(CodeTableNotFound, "the backend is misconfigured, contact the administrator", err)
	case remote.CodeInsufficientPriv:
		return New(CodePermissionDenied, "you do not have permission to perform this operation", err)
	case remote.CodeInvalidCredential:
		return New(CodeAuth, "your session has expired, please sign in again", err)
	default:
		return New(CodeDatabase, fmt.Sprintf("database operation failed: %s", err.Message), err)
	}
}

func isNetwork(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	if websocket.CloseStatus(err) != -1 {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "fetch") || strings.Contains(msg, "network")
}

// CodeOf returns the classified code of err, or "" for nil.
func CodeOf(err error) Code {
	if c := Classify(err); c != nil {
		return c.Code
	}
	return ""
}

// Exit codes for the CLI.
const (
	ExitSuccess      = 0
	ExitUserError    = 1
	ExitAuthError    = 2
	ExitBackendError = 3
)

// ExitCode maps err to a process exit code.
func ExitCode(err error) int {
	switch CodeOf(err) {
	case "":
		return ExitSuccess
	case CodeAuthRequired, CodeAuth, CodePermissionDenied:
		return ExitAuthError
	case CodeNotFound, CodeInvalidInput, CodeDuplicate:
		return ExitUserError
	default:
		return ExitBackendError
	}
}
