package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

type ErrorCode string

const (
	ErrCodeInvalidEvent        ErrorCode = "INVALID_EVENT"
	ErrCodeDocumentInvalid     ErrorCode = "DOCUMENT_INVALID"
	ErrCodeDuplicateTransition ErrorCode = "DUPLICATE_TRANSITION"

	ErrCodeRecipientResolutionFailed ErrorCode = "RECIPIENT_RESOLUTION_FAILED"
	ErrCodeStorageUnavailable        ErrorCode = "STORAGE_UNAVAILABLE"
	ErrCodeQueueFull                 ErrorCode = "QUEUE_FULL"

	ErrCodePushSendFailed       ErrorCode = "PUSH_SEND_FAILED"
	ErrCodeEmailSendFailed      ErrorCode = "EMAIL_SEND_FAILED"
	ErrCodeRateLimitUnavailable ErrorCode = "RATE_LIMIT_UNAVAILABLE"
	ErrCodeAuditWriteFailed     ErrorCode = "AUDIT_WRITE_FAILED"

	ErrCodeDispatchExhausted ErrorCode = "DISPATCH_EXHAUSTED"
)

type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	cause     error
}

func (e *StandardError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("StandardError[%s]: %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

func (e *StandardError) Unwrap() error {
	return e.cause
}

type BPMNError struct {
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Details        string                 `json:"details,omitempty"`
	Retryable      bool                   `json:"retryable"`
	Retries        int                    `json:"retries"`
	ErrorVariables map[string]interface{} `json:"errorVariables,omitempty"`
}

func (e *BPMNError) Error() string {
	return fmt.Sprintf("BPMNError[%s]: %s", e.Code, e.Message)
}

func (e *BPMNError) ToErrorVariables() map[string]interface{} {
	vars := map[string]interface{}{
		"errorCode":    e.Code,
		"errorMessage": e.Message,
		"errorDetails": e.Details,
		"retryable":    e.Retryable,
	}

	for k, v := range e.ErrorVariables {
		vars[k] = v
	}

	return vars
}

func newError(code ErrorCode, message string, cause error, retryable bool) *StandardError {
	details := ""
	if cause != nil {
		details = cause.Error()
	}
	return &StandardError{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
		cause:     cause,
	}
}

func NewInvalidEventError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidEvent,
		Message:   "Inbound event failed validation",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewDocumentInvalidError(documentID, details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeDocumentInvalid,
		Message:   "Document snapshot is missing required fields",
		Details:   fmt.Sprintf("documentId: %s, %s", documentID, details),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewRecipientResolutionFailedError(err error) *StandardError {
	return newError(ErrCodeRecipientResolutionFailed, "Recipient resolution failed", err, true)
}

func NewStorageUnavailableError(store string, err error) *StandardError {
	e := newError(ErrCodeStorageUnavailable, fmt.Sprintf("Storage '%s' unavailable", store), err, true)
	e.Metadata = map[string]interface{}{"store": store}
	return e
}

func NewQueueFullError(capacity int) *StandardError {
	return &StandardError{
		Code:      ErrCodeQueueFull,
		Message:   "Dispatch queue is full",
		Details:   fmt.Sprintf("capacity: %d", capacity),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

func NewPushSendFailedError(err error) *StandardError {
	return newError(ErrCodePushSendFailed, "Push delivery failed", err, true)
}

func NewEmailSendFailedError(err error) *StandardError {
	return newError(ErrCodeEmailSendFailed, "Email delivery failed", err, true)
}

func NewRateLimitUnavailableError(err error) *StandardError {
	return newError(ErrCodeRateLimitUnavailable, "Rate limiter unavailable", err, true)
}

func NewDispatchExhaustedError(attempts int, err error) *StandardError {
	e := newError(ErrCodeDispatchExhausted, fmt.Sprintf("Dispatch failed after %d attempts", attempts), err, false)
	e.Metadata = map[string]interface{}{"attempts": attempts}
	return e
}

// AsStandard finds a StandardError anywhere in err's chain.
func AsStandard(err error) (*StandardError, bool) {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr, true
	}
	return nil, false
}

func HasCode(err error, code ErrorCode) bool {
	stdErr, ok := AsStandard(err)
	return ok && stdErr.Code == code
}

// IsRetryable reports whether err is a StandardError marked retryable.
// Unknown errors are treated as systemic and therefore retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if stdErr, ok := AsStandard(err); ok {
		return stdErr.Retryable
	}
	return true
}

var BPMNErrorMapping = map[ErrorCode]string{
	ErrCodeInvalidEvent:              "INVALID_EVENT",
	ErrCodeDocumentInvalid:           "DOCUMENT_INVALID",
	ErrCodeDuplicateTransition:       "DUPLICATE_TRANSITION",
	ErrCodeRecipientResolutionFailed: "RECIPIENT_RESOLUTION_FAILED",
	ErrCodeStorageUnavailable:        "STORAGE_UNAVAILABLE",
	ErrCodeQueueFull:                 "QUEUE_FULL",
	ErrCodePushSendFailed:            "PUSH_SEND_FAILED",
	ErrCodeEmailSendFailed:           "EMAIL_SEND_FAILED",
	ErrCodeRateLimitUnavailable:      "RATE_LIMIT_UNAVAILABLE",
	ErrCodeAuditWriteFailed:          "AUDIT_WRITE_FAILED",
	ErrCodeDispatchExhausted:         "DISPATCH_EXHAUSTED",
}

func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeStorageUnavailable,
		ErrCodeRecipientResolutionFailed,
		ErrCodePushSendFailed,
		ErrCodeEmailSendFailed,
		ErrCodeRateLimitUnavailable:
		return 3

	case ErrCodeQueueFull:
		return 2

	default:
		return 0
	}
}

func ConvertToBPMNError(stdErr *StandardError) *BPMNError {
	bpmnCode, exists := BPMNErrorMapping[stdErr.Code]
	if !exists {
		bpmnCode = string(stdErr.Code)
	}

	retries := GetRetryCount(stdErr.Code)
	if !stdErr.Retryable {
		retries = 0
	}

	return &BPMNError{
		Code:      bpmnCode,
		Message:   stdErr.Message,
		Details:   stdErr.Details,
		Retryable: stdErr.Retryable,
		Retries:   retries,
		ErrorVariables: map[string]interface{}{
			"originalErrorCode": string(stdErr.Code),
			"timestamp":         stdErr.Timestamp.Format(time.RFC3339),
		},
	}
}

func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "EVENT") || strings.Contains(codeStr, "DOCUMENT") || strings.Contains(codeStr, "DUPLICATE"):
		return "INBOUND"
	case strings.Contains(codeStr, "RECIPIENT") || strings.Contains(codeStr, "STORAGE") || strings.Contains(codeStr, "QUEUE"):
		return "SYSTEMIC"
	case strings.Contains(codeStr, "PUSH") || strings.Contains(codeStr, "EMAIL") || strings.Contains(codeStr, "RATE_LIMIT"):
		return "DELIVERY"
	case strings.Contains(codeStr, "AUDIT"):
		return "AUDIT"
	case strings.Contains(codeStr, "DISPATCH"):
		return "DISPATCH"
	default:
		return "OTHER"
	}
}
