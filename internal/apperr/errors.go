package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error so callers can branch without matching strings.
type Kind string

const (
	KindValidation        Kind = "VALIDATION"
	KindNotFound          Kind = "NOT_FOUND"
	KindStateConflict     Kind = "STATE_CONFLICT"
	KindConfiguration     Kind = "CONFIGURATION"
	KindRetryable         Kind = "RETRYABLE"
	KindGatewayRejected   Kind = "GATEWAY_REJECTED"
	KindSecurityRejection Kind = "SECURITY_REJECTION"
	KindFatal             Kind = "FATAL"
)

type Metadata struct {
	HTTPStatus    int
	Retryable     bool
	PublicMessage string
	ExposeMessage bool
}

var metadataByKind = map[Kind]Metadata{
	KindValidation: {
		HTTPStatus:    http.StatusBadRequest,
		PublicMessage: "validation failed",
		ExposeMessage: true,
	},
	KindNotFound: {
		HTTPStatus:    http.StatusNotFound,
		PublicMessage: "resource not found",
		ExposeMessage: true,
	},
	KindStateConflict: {
		HTTPStatus:    http.StatusConflict,
		PublicMessage: "state transition disallowed",
		ExposeMessage: true,
	},
	KindConfiguration: {
		HTTPStatus:    http.StatusBadRequest,
		PublicMessage: "payment gateway is not configured",
		ExposeMessage: true,
	},
	KindRetryable: {
		HTTPStatus:    http.StatusBadRequest,
		Retryable:     true,
		PublicMessage: "payment gateway unavailable, try again",
		ExposeMessage: true,
	},
	KindGatewayRejected: {
		HTTPStatus:    http.StatusBadRequest,
		PublicMessage: "payment gateway rejected the request",
		ExposeMessage: true,
	},
	KindSecurityRejection: {
		HTTPStatus:    http.StatusUnprocessableEntity,
		PublicMessage: "payment failed security validation",
		ExposeMessage: false,
	},
	KindFatal: {
		HTTPStatus:    http.StatusInternalServerError,
		PublicMessage: "internal server error",
		ExposeMessage: false,
	},
}

// MetadataFor returns the response metadata for a kind. Unknown kinds are Fatal.
func MetadataFor(kind Kind) Metadata {
	if meta, ok := metadataByKind[kind]; ok {
		return meta
	}
	return metadataByKind[KindFatal]
}

// HTTPStatus returns the HTTP status code for the kind.
func (k Kind) HTTPStatus() int {
	return MetadataFor(k).HTTPStatus
}

type Error struct {
	kind    Kind
	message string
	cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{kind: kind, message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, message string) *Error {
	if err == nil {
		return New(kind, message)
	}
	return &Error{kind: kind, message: message, cause: err}
}

func (e *Error) Kind() Kind {
	if e == nil {
		return KindFatal
	}
	return e.kind
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// As extracts the first *Error in err's chain.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	return nil
}

// KindOf reports the kind of err. Untyped errors are Fatal.
func KindOf(err error) Kind {
	if typed := As(err); typed != nil {
		return typed.kind
	}
	return KindFatal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// PublicMessage returns the message that is safe to show to API clients.
func PublicMessage(err error) string {
	typed := As(err)
	if typed == nil {
		return MetadataFor(KindFatal).PublicMessage
	}
	meta := MetadataFor(typed.kind)
	if meta.ExposeMessage && typed.message != "" {
		return typed.message
	}
	return meta.PublicMessage
}
