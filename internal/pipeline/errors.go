package pipeline

import (
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrUnsupportedFileType  ErrorCode = "unsupported_file_type"
	ErrPayloadTooLarge      ErrorCode = "payload_too_large"
	ErrDocumentParseFailure ErrorCode = "document_parse_failure"
	ErrRasterizationFailure ErrorCode = "rasterization_failure"
	ErrProcessingTimeout    ErrorCode = "processing_timeout"
	ErrInternal             ErrorCode = "internal_error"
)

// ExtractionError aborts a whole request. Anything that only affects one page
// or one image is handled where it happens and never becomes one of these.
type ExtractionError struct {
	Code     ErrorCode
	Message  string
	FileName string
	Cause    error
}

func (e *ExtractionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ExtractionError) Unwrap() error {
	return e.Cause
}

func (e *ExtractionError) HTTPStatus() int {
	switch e.Code {
	case ErrUnsupportedFileType:
		return http.StatusBadRequest
	case ErrPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrDocumentParseFailure:
		return http.StatusUnprocessableEntity
	case ErrProcessingTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func NewUnsupportedFileTypeError(fileName string) *ExtractionError {
	return &ExtractionError{
		Code:     ErrUnsupportedFileType,
		Message:  fmt.Sprintf("only .pdf files are accepted, got %q", fileName),
		FileName: fileName,
	}
}

func NewPayloadTooLargeError(fileName string, size, limit int64) *ExtractionError {
	return &ExtractionError{
		Code:     ErrPayloadTooLarge,
		Message:  fmt.Sprintf("document is %d bytes, limit is %d", size, limit),
		FileName: fileName,
	}
}

func NewDocumentParseError(fileName string, cause error) *ExtractionError {
	return &ExtractionError{
		Code:     ErrDocumentParseFailure,
		Message:  "document could not be parsed as PDF",
		FileName: fileName,
		Cause:    cause,
	}
}

func NewRasterizationError(fileName string, cause error) *ExtractionError {
	return &ExtractionError{
		Code:     ErrRasterizationFailure,
		Message:  "document could not be rasterized",
		FileName: fileName,
		Cause:    cause,
	}
}

func NewProcessingTimeoutError(fileName string, cause error) *ExtractionError {
	return &ExtractionError{
		Code:     ErrProcessingTimeout,
		Message:  "processing deadline exceeded",
		FileName: fileName,
		Cause:    cause,
	}
}

func NewInternalError(fileName, msg string, cause error) *ExtractionError {
	return &ExtractionError{
		Code:     ErrInternal,
		Message:  msg,
		FileName: fileName,
		Cause:    cause,
	}
}
