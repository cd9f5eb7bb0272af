package apperr

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeInvalidAmount       Code = "INVALID_AMOUNT"
	CodeUnsupportedCurrency Code = "UNSUPPORTED_CURRENCY"

	CodeSessionNotFound      Code = "SESSION_NOT_FOUND"
	CodeSubscriptionNotFound Code = "SUBSCRIPTION_NOT_FOUND"
	CodePlanNotFound         Code = "PLAN_NOT_FOUND"
	CodeReviewNotFound       Code = "REVIEW_NOT_FOUND"
	CodeDeliveryNotFound     Code = "DELIVERY_NOT_FOUND"
	CodeEnrollmentNotFound   Code = "ENROLLMENT_NOT_FOUND"

	CodeInvalidTransition      Code = "INVALID_TRANSITION"
	CodeSessionAlreadyTerminal Code = "SESSION_ALREADY_TERMINAL"
	CodeSessionExpired         Code = "SESSION_EXPIRED"
	CodeReviewAlreadyResolved  Code = "REVIEW_ALREADY_RESOLVED"

	CodeTransientProvider Code = "TRANSIENT_PROVIDER_ERROR"
	CodeSignatureInvalid  Code = "SIGNATURE_INVALID"
	CodeDuplicateEvent    Code = "DUPLICATE_EVENT"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// Kind groups codes into the error taxonomy callers branch on.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
	KindTransientProvider Kind = "transient_provider"
	KindSignature         Kind = "signature"
	KindDuplicate         Kind = "duplicate"
	KindInternal          Kind = "internal"
)

type Metadata struct {
	Kind           Kind
	HTTPStatus     int
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
}

var metadataByCode = map[Code]Metadata{
	CodeValidation: {
		Kind:           KindValidation,
		HTTPStatus:     http.StatusBadRequest,
		PublicMessage:  "validation failed",
		DetailsAllowed: true,
	},
	CodeInvalidAmount: {
		Kind:           KindValidation,
		HTTPStatus:     http.StatusBadRequest,
		PublicMessage:  "amount must be greater than zero",
		DetailsAllowed: true,
	},
	CodeUnsupportedCurrency: {
		Kind:           KindValidation,
		HTTPStatus:     http.StatusBadRequest,
		PublicMessage:  "currency not supported",
		DetailsAllowed: true,
	},
	CodeSessionNotFound: {
		Kind:          KindNotFound,
		HTTPStatus:    http.StatusNotFound,
		PublicMessage: "session not found",
	},
	CodeSubscriptionNotFound: {
		Kind:          KindNotFound,
		HTTPStatus:    http.StatusNotFound,
		PublicMessage: "subscription not found",
	},
	CodePlanNotFound: {
		Kind:          KindNotFound,
		HTTPStatus:    http.StatusNotFound,
		PublicMessage: "plan not found",
	},
	CodeReviewNotFound: {
		Kind:          KindNotFound,
		HTTPStatus:    http.StatusNotFound,
		PublicMessage: "review not found",
	},
	CodeDeliveryNotFound: {
		Kind:          KindNotFound,
		HTTPStatus:    http.StatusNotFound,
		PublicMessage: "delivery not found",
	},
	CodeEnrollmentNotFound: {
		Kind:          KindNotFound,
		HTTPStatus:    http.StatusNotFound,
		PublicMessage: "enrollment not found",
	},
	CodeInvalidTransition: {
		Kind:           KindInvalidTransition,
		HTTPStatus:     http.StatusUnprocessableEntity,
		PublicMessage:  "state transition disallowed",
		DetailsAllowed: true,
	},
	CodeSessionAlreadyTerminal: {
		Kind:           KindInvalidTransition,
		HTTPStatus:     http.StatusConflict,
		PublicMessage:  "session already in a terminal state",
		DetailsAllowed: true,
	},
	CodeSessionExpired: {
		Kind:          KindInvalidTransition,
		HTTPStatus:    http.StatusConflict,
		PublicMessage: "session expired",
	},
	CodeReviewAlreadyResolved: {
		Kind:          KindInvalidTransition,
		HTTPStatus:    http.StatusConflict,
		PublicMessage: "review already resolved",
	},
	CodeTransientProvider: {
		Kind:           KindTransientProvider,
		HTTPStatus:     http.StatusServiceUnavailable,
		Retryable:      true,
		PublicMessage:  "provider unavailable",
		DetailsAllowed: true,
	},
	CodeSignatureInvalid: {
		Kind:          KindSignature,
		HTTPStatus:    http.StatusUnauthorized,
		PublicMessage: "signature verification failed",
	},
	CodeDuplicateEvent: {
		Kind:          KindDuplicate,
		HTTPStatus:    http.StatusOK,
		PublicMessage: "event already processed",
	},
	CodeInternal: {
		Kind:          KindInternal,
		HTTPStatus:    http.StatusInternalServerError,
		Retryable:     true,
		PublicMessage: "internal server error",
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

func Newf(code Code, format string, args ...any) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
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

func (e *Error) Kind() Kind {
	return MetadataFor(e.Code()).Kind
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
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches on code so sentinel-style checks work with errors.Is.
func (e *Error) Is(target error) bool {
	var typed *Error
	if !stdErrors.As(target, &typed) || typed == nil || e == nil {
		return false
	}
	return e.code == typed.code
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

// CodeOf returns the code carried by err, or CodeInternal for untyped errors.
func CodeOf(err error) Code {
	if typed := As(err); typed != nil {
		return typed.Code()
	}
	return CodeInternal
}

func KindOf(err error) Kind {
	return MetadataFor(CodeOf(err)).Kind
}

func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return MetadataFor(CodeOf(err)).Retryable
}
