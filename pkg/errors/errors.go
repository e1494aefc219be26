package errors

import (
	stdErrors "errors"
	"fmt"
)

type Code string

const (
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeNotFound            Code = "NOT_FOUND"
	CodeImageUnavailable    Code = "IMAGE_UNAVAILABLE"
	CodeImageDecode         Code = "IMAGE_DECODE_ERROR"
	CodeModelUnavailable    Code = "MODEL_UNAVAILABLE"
	CodeUploadFailure       Code = "UPLOAD_FAILURE"
	CodePersistenceConflict Code = "PERSISTENCE_CONFLICT"
	CodeDependency          Code = "DEPENDENCY_ERROR"
	CodeInternal            Code = "INTERNAL_ERROR"
)

// Metadata captures how the pipeline should react to each error class.
type Metadata struct {
	Retryable     bool
	Terminal      bool
	PublicMessage string
}

var metadataByCode = map[Code]Metadata{
	CodeValidation: {
		Retryable:     false,
		Terminal:      false,
		PublicMessage: "validation failed",
	},
	CodeNotFound: {
		Retryable:     false,
		Terminal:      false,
		PublicMessage: "resource not found",
	},
	CodeImageUnavailable: {
		Retryable:     false,
		Terminal:      true,
		PublicMessage: "observation image could not be obtained",
	},
	CodeImageDecode: {
		Retryable:     false,
		Terminal:      true,
		PublicMessage: "image payload is not decodable",
	},
	CodeModelUnavailable: {
		Retryable:     false,
		Terminal:      false,
		PublicMessage: "model artifact unavailable",
	},
	CodeUploadFailure: {
		Retryable:     true,
		Terminal:      false,
		PublicMessage: "object upload failed",
	},
	CodePersistenceConflict: {
		Retryable:     true,
		Terminal:      false,
		PublicMessage: "record changed concurrently",
	},
	CodeDependency: {
		Retryable:     true,
		Terminal:      false,
		PublicMessage: "dependency unavailable",
	},
	CodeInternal: {
		Retryable:     true,
		Terminal:      false,
		PublicMessage: "internal error",
	},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// HasCode reports whether err carries the given pipeline error code.
func HasCode(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.Code() == code
}

// IsTerminal reports whether err should mark the observation as failed
// instead of being retried.
func IsTerminal(err error) bool {
	typed := As(err)
	if typed == nil {
		return false
	}
	return MetadataFor(typed.Code()).Terminal
}
