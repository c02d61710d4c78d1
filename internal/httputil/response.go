package httputil

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v3"

	"github.com/relaymesh/relaymesh-core/internal/apperr"
)

// SuccessResponse wraps successful API responses.
type SuccessResponse struct {
	Data any `json:"data"`
}

// ErrorBody holds structured error details.
type ErrorBody struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

// ErrorResponse wraps failed API responses.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Success sends a 200 JSON response with the given data.
func Success(c fiber.Ctx, data any) error {
	return c.JSON(SuccessResponse{Data: data})
}

// SuccessStatus sends a JSON response with a custom status code.
func SuccessStatus(c fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(SuccessResponse{Data: data})
}

// Fail sends a JSON error response with the given status, code, and message.
func Fail(c fiber.Ctx, status int, code apperr.Code, message string) error {
	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorBody{Code: code, Message: message},
	})
}

// FailErr sends a JSON error response derived from a taxonomy-tagged error, mapping its apperr.Code to an HTTP
// status via statusForCode.
func FailErr(c fiber.Ctx, err error) error {
	code := apperr.CodeOf(err)
	message := err.Error()
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	return Fail(c, statusForCode(code), code, message)
}

// statusForCode maps a taxonomy code to the HTTP status an API response should carry, following the error
// handling design's code list (apperr.Code's doc comment).
func statusForCode(code apperr.Code) int {
	switch code {
	case apperr.Unauthenticated:
		return http.StatusUnauthorized
	case apperr.PermissionDenied:
		return http.StatusForbidden
	case apperr.InvalidArgument:
		return http.StatusBadRequest
	case apperr.FailedPrecondition:
		return http.StatusConflict
	case apperr.AlreadyExists:
		return http.StatusConflict
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Unavailable:
		return http.StatusServiceUnavailable
	case apperr.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
