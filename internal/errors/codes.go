package errors

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// EngineCode is the externally visible status of an engine operation.
type EngineCode int

const (
	CodeSuccess EngineCode = iota
	CodeKeyEnoent
	CodeKeyEexists
	CodeNotMyVBucket
	CodeNotStored
	CodeWouldBlock
	CodeEnomem
	CodeTmpfail
	CodeEinval
)

func (c EngineCode) String() string {
	switch c {
	case CodeSuccess:
		return "SUCCESS"
	case CodeKeyEnoent:
		return "KEY_ENOENT"
	case CodeKeyEexists:
		return "KEY_EEXISTS"
	case CodeNotMyVBucket:
		return "NOT_MY_VBUCKET"
	case CodeNotStored:
		return "NOT_STORED"
	case CodeWouldBlock:
		return "EWOULDBLOCK"
	case CodeEnomem:
		return "ENOMEM"
	case CodeTmpfail:
		return "TMPFAIL"
	default:
		return "EINVAL"
	}
}

// EngineError carries an engine code plus context for logging and the wire
// front-end.
type EngineError struct {
	Code    EngineCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts an EngineError to a gRPC status for the front-end.
func (e *EngineError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *EngineError) toGRPCCode() codes.Code {
	switch e.Code {
	case CodeSuccess:
		return codes.OK
	case CodeKeyEnoent:
		return codes.NotFound
	case CodeKeyEexists, CodeNotStored:
		return codes.AlreadyExists
	case CodeNotMyVBucket:
		return codes.FailedPrecondition
	case CodeWouldBlock, CodeTmpfail:
		return codes.Unavailable
	case CodeEnomem:
		return codes.ResourceExhausted
	default:
		return codes.InvalidArgument
	}
}

// New creates a new EngineError
func New(code EngineCode, message string, cause error) *EngineError {
	return &EngineError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common statuses

func KeyEnoent(vbID uint16, key string) *EngineError {
	return New(CodeKeyEnoent, fmt.Sprintf("key not found: vb %d key %q", vbID, key), nil).
		WithDetail("vb", vbID).
		WithDetail("key", key)
}

func KeyEexists(vbID uint16, key string) *EngineError {
	return New(CodeKeyEexists, fmt.Sprintf("cas mismatch: vb %d key %q", vbID, key), nil).
		WithDetail("vb", vbID).
		WithDetail("key", key)
}

func NotMyVBucket(vbID uint16) *EngineError {
	return New(CodeNotMyVBucket, fmt.Sprintf("vbucket %d not owned here", vbID), nil).
		WithDetail("vb", vbID)
}

func NotStored(vbID uint16, key string) *EngineError {
	return New(CodeNotStored, fmt.Sprintf("not stored: vb %d key %q", vbID, key), nil).
		WithDetail("vb", vbID).
		WithDetail("key", key)
}

func WouldBlock(reason string) *EngineError {
	return New(CodeWouldBlock, reason, nil)
}

func Enomem(message string) *EngineError {
	return New(CodeEnomem, message, nil)
}

func Tmpfail(message string) *EngineError {
	return New(CodeTmpfail, message, nil)
}

func Einval(message string) *EngineError {
	return New(CodeEinval, message, nil)
}

// IsEngineError checks if an error is an EngineError
func IsEngineError(err error) bool {
	_, ok := err.(*EngineError)
	return ok
}

// GetCode extracts the engine code from an error. A nil error is SUCCESS;
// anything unstructured maps to TMPFAIL.
func GetCode(err error) EngineCode {
	if err == nil {
		return CodeSuccess
	}
	if ee, ok := err.(*EngineError); ok {
		return ee.Code
	}
	return CodeTmpfail
}
