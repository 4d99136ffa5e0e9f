package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-kit/log/level"
	"github.com/go-playground/validator/v10"
	"github.com/mailio/go-mailio-keyshare/global"
	"github.com/mailio/go-mailio-keyshare/types"
)

type ApiError struct {
	// Code is the HTTP status code
	Code int `json:"code"`
	// Message is the error message
	Message string `json:"message"`
}

func ApiErrorf(c *gin.Context, code int, format string, args ...interface{}) ApiError {
	ar := ApiError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
	c.AbortWithStatusJSON(code, ar)
	return ar
}

func ValidatorErrorToUser(err validator.ValidationErrors) string {
	var errorMessages []string
	for _, err := range err {
		switch err.Tag() {
		case "required":
			errorMessages = append(errorMessages, fmt.Sprintf("%s is required", err.Field()))
		case "email":
			errorMessages = append(errorMessages, fmt.Sprintf("%s is not a valid email", err.Field()))
		case "oneof":
			errorMessages = append(errorMessages, fmt.Sprintf("%s must be one of [%s]", err.Field(), err.Param()))
		case "required_if":
			errorMessages = append(errorMessages, fmt.Sprintf("%s is required for this type", err.Field()))
		default:
			errorMessages = append(errorMessages, fmt.Sprintf("validation failed on field %s", err.Field()))
		}
	}
	return strings.Join(errorMessages, ". ")
}

// ErrorToStatus maps a service error to the HTTP status code of the response
func ErrorToStatus(err error) int {
	switch {
	case errors.Is(err, types.ErrNotFound), errors.Is(err, types.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, types.ErrSessionExpired), errors.Is(err, types.ErrShareVersionUnavailable):
		return http.StatusGone
	case errors.Is(err, types.ErrTooManyRequests):
		return http.StatusTooManyRequests
	case errors.Is(err, types.ErrConflict), errors.Is(err, types.ErrSessionAlreadyApproved):
		return http.StatusConflict
	case errors.Is(err, types.ErrBadRequest), errors.Is(err, types.ErrInvalidPublicKey), errors.Is(err, types.ErrPasskeyNotRegistered):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// publicMessage is the sentinel text of err. Wrapped details and unexpected errors stay in the logs.
func publicMessage(err error) string {
	for _, sentinel := range []error{
		types.ErrNotFound, types.ErrSessionNotFound, types.ErrUnauthorized, types.ErrSessionExpired,
		types.ErrShareVersionUnavailable, types.ErrTooManyRequests, types.ErrConflict,
		types.ErrSessionAlreadyApproved, types.ErrInvalidPublicKey, types.ErrPasskeyNotRegistered,
		types.ErrBadRequest,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return types.ErrInternal.Error()
}

// respondError logs unexpected failures and writes the mapped ApiError
func respondError(c *gin.Context, err error, msg string) {
	code := ErrorToStatus(err)
	if code == http.StatusInternalServerError {
		level.Error(global.Logger).Log("msg", msg, "path", c.FullPath(), "error", err)
	}
	ApiErrorf(c, code, "%s", publicMessage(err))
}

// bindAndValidate binds the JSON body into input and runs the struct validator
func bindAndValidate(c *gin.Context, validate *validator.Validate, input interface{}) bool {
	if err := c.ShouldBindJSON(input); err != nil {
		ApiErrorf(c, http.StatusBadRequest, "invalid format")
		return false
	}
	if err := validate.Struct(input); err != nil {
		var vErrs validator.ValidationErrors
		if errors.As(err, &vErrs) {
			ApiErrorf(c, http.StatusBadRequest, "%s", ValidatorErrorToUser(vErrs))
			return false
		}
		ApiErrorf(c, http.StatusBadRequest, "invalid input")
		return false
	}
	return true
}
