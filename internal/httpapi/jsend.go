package httpapi

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

const (
	jsendSuccess = "success"
	jsendFail    = "fail"
	jsendError   = "error"
)

// envelope is the JSend body of every JSON response. Code repeats the HTTP
// status on "error" responses only.
type envelope struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

func success(c echo.Context, data any) error {
	return successWithStatus(c, http.StatusOK, data)
}

func successWithStatus(c echo.Context, code int, data any) error {
	return c.JSON(code, envelope{Status: jsendSuccess, Data: data})
}

// fail reports a client-side problem; data may carry per-field details.
func fail(c echo.Context, code int, message string, data any) error {
	return c.JSON(code, envelope{Status: jsendFail, Message: message, Data: data})
}

func failValidation(c echo.Context, fieldErrors map[string]string) error {
	return fail(c, http.StatusBadRequest, "Validation failed", map[string]any{
		"validation_errors": fieldErrors,
	})
}

func failNotFound(c echo.Context, message string) error {
	return fail(c, http.StatusNotFound, message, nil)
}

// serverError reports a failure on our side.
func serverError(c echo.Context, code int, message string) error {
	return c.JSON(code, envelope{Status: jsendError, Message: message, Code: code})
}

func serviceUnavailable(c echo.Context, message string) error {
	return serverError(c, http.StatusServiceUnavailable, message)
}

func internalError(c echo.Context, message string) error {
	return serverError(c, http.StatusInternalServerError, message)
}

// attachment sends body as a file download outside the envelope.
func attachment(c echo.Context, contentType, filename string, body []byte) error {
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	return c.Blob(http.StatusOK, contentType, body)
}
