package errs

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/valu/devicekeys/pkg/jsn"
)

type Code string

const (
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeNotFound         Code = "NOT_FOUND"
	CodeMethodNotAllowed Code = "METHOD_NOT_ALLOWED"
	CodeCapacityExceeded Code = "CAPACITY_EXCEEDED"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeConflict         Code = "CONFLICT"
	CodeCustody          Code = "CUSTODY"
	CodeInternal         Code = "INTERNAL"
)

type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func InvalidArg(msg string) error      { return New(CodeInvalidArgument, msg) }
func Unauthenticated(msg string) error { return New(CodeUnauthenticated, msg) }
func Forbidden(msg string) error       { return New(CodePermissionDenied, msg) }
func NotFound(msg string) error        { return New(CodeNotFound, msg) }
func Capacity(msg string) error        { return New(CodeCapacityExceeded, msg) }
func RateLimited(msg string) error     { return New(CodeRateLimited, msg) }
func Conflict(msg string) error        { return New(CodeConflict, msg) }
func Custody(msg string, cause error) error {
	return Wrap(CodeCustody, msg, cause)
}
func Internal(msg string, cause error) error {
	return Wrap(CodeInternal, msg, cause)
}

// CodeOf extracts the taxonomy code from any error in the chain, defaulting
// to INTERNAL.
func CodeOf(err error) Code {
	var app *AppError
	if errors.As(err, &app) {
		return app.Code
	}
	return CodeInternal
}

func httpStatus(code Code) int {
	switch code {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case CodeCapacityExceeded, CodeConflict:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

type ErrorResponse struct {
	Code  Code   `json:"code"`
	Error string `json:"error"`
}

func SendErrorResponse(w http.ResponseWriter, r *http.Request, status int, code Code, message string) {
	err := jsn.WriteJSON(w, status, ErrorResponse{Code: code, Error: message}, nil)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
}

// SendAppError maps a coordinator error onto the HTTP surface. Internal
// details are not echoed back to the caller.
func SendAppError(w http.ResponseWriter, r *http.Request, err error) {
	code := CodeOf(err)
	status := httpStatus(code)

	message := err.Error()
	var app *AppError
	if errors.As(err, &app) {
		message = app.Message
	}
	if status == http.StatusInternalServerError {
		message = "the server encountered a problem, please try again later"
	}
	SendErrorResponse(w, r, status, code, message)
}

func ServerErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	message := "the server encountered a problem, please try again later"
	SendErrorResponse(w, r, http.StatusInternalServerError, CodeInternal, message)
}

func NotFoundResponse(w http.ResponseWriter, r *http.Request) {
	message := "the requested resource could not be found"
	SendErrorResponse(w, r, http.StatusNotFound, CodeNotFound, message)
}

func MethodNotAllowedResponse(w http.ResponseWriter, r *http.Request) {
	message := fmt.Sprintf("the %s method is not supported for this resource", r.Method)
	SendErrorResponse(w, r, http.StatusMethodNotAllowed, CodeMethodNotAllowed, message)
}

func BadRequestResponse(w http.ResponseWriter, r *http.Request, err error) {
	SendErrorResponse(w, r, http.StatusBadRequest, CodeInvalidArgument, err.Error())
}
