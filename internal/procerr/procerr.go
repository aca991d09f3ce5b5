// Package procerr defines the processing error taxonomy shared by the worker
// and the persistence layer, plus the fixed code-to-message table used for
// user-facing failure text.
package procerr

import (
	"errors"
	"fmt"
)

// Code classifies a pipeline failure.
type Code string

const (
	// CodeInfrastructure covers queue/blob/database unavailability. Retryable.
	CodeInfrastructure Code = "INFRASTRUCTURE"
	// CodeConcurrencyTimeout means no per-organization slot became free
	// within the acquire budget. Retryable, not the caller's fault.
	CodeConcurrencyTimeout Code = "CONCURRENCY_TIMEOUT"
	// CodeOCRFailed means every parser and OCR provider was exhausted.
	CodeOCRFailed Code = "OCR_FAILED"
	// CodeOCRTimeout means the processing step exceeded its hard timeout.
	CodeOCRTimeout Code = "OCR_TIMEOUT"
	// CodeUnsupportedFormat means no parser accepts the detected format.
	CodeUnsupportedFormat Code = "UNSUPPORTED_FORMAT"
	// CodeFileTooLarge means the blob exceeded the configured size limit.
	CodeFileTooLarge Code = "FILE_TOO_LARGE"
	// CodeUnreadable means parsing succeeded structurally but produced no
	// usable content.
	CodeUnreadable Code = "UNREADABLE_CONTENT"
)

// Error is a classified processing failure.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified error.
func New(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the classification from err, defaulting to infrastructure
// for unclassified failures.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeInfrastructure
}

// Retryable reports whether a failure with this code should be re-enqueued.
// Content failures are terminal for the document; infrastructure and slot
// contention are not.
func Retryable(code Code) bool {
	switch code {
	case CodeInfrastructure, CodeConcurrencyTimeout, CodeOCRTimeout:
		return true
	}
	return false
}

// userMessages maps error codes to the fixed user-facing text. The UI never
// shows raw error strings.
var userMessages = map[Code]string{
	CodeInfrastructure:     "Processing is temporarily unavailable. Your document will be retried automatically.",
	CodeConcurrencyTimeout: "Processing is delayed because your organization has several documents in flight. The document will be retried shortly.",
	CodeOCRFailed:          "We could not read this document. Try uploading a clearer scan or a different file format.",
	CodeOCRTimeout:         "Processing took too long and was stopped. Try splitting the document into smaller files.",
	CodeUnsupportedFormat:  "This file format is not supported. Upload a PDF, image, spreadsheet, or text document.",
	CodeFileTooLarge:       "This file exceeds the size limit. Upload a file smaller than the allowed maximum.",
	CodeUnreadable:         "The document appears to be empty or unreadable. Check the file and try again.",
}

// UserMessage returns the human-readable text for a code.
func UserMessage(code Code) string {
	if msg, ok := userMessages[code]; ok {
		return msg
	}
	return userMessages[CodeInfrastructure]
}
