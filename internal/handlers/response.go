package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-simulator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-simulator/internal/merchant"
	"github.com/akylbek/payment-system/checkout-simulator/internal/telemetry"
)

const HeaderOwnerID = "X-Owner-ID"

type successEnvelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

type errorEnvelope struct {
	Success bool     `json:"success"`
	Error   apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeSuccess(c *gin.Context, status int, data any) {
	c.JSON(status, successEnvelope{Success: true, Data: data})
}

// writeError renders err in the error envelope. Internal errors keep their
// public message; everything else reports its own.
func writeError(c *gin.Context, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	typed := apperr.As(err)
	if typed == nil {
		typed = apperr.Wrap(apperr.CodeInternal, err, "unexpected error")
	}
	meta := apperr.MetadataFor(typed.Code())

	msg := meta.PublicMessage
	if meta.Kind != apperr.KindInternal && typed.Message() != "" {
		msg = typed.Message()
	}
	payload := errorEnvelope{Error: apiError{Code: string(typed.Code()), Message: msg}}
	if meta.DetailsAllowed {
		payload.Error.Details = typed.Details()
	}

	fields := []zap.Field{
		zap.String("error_code", string(typed.Code())),
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Error(err),
	}
	if meta.HTTPStatus >= http.StatusInternalServerError {
		telemetry.Logger.Error("Request failed", fields...)
	} else {
		telemetry.Logger.Info("Request rejected", fields...)
	}
	c.JSON(meta.HTTPStatus, payload)
}

// ownerID scopes every request. Authentication lives in front of this
// service, so the header is trusted.
func ownerID(c *gin.Context) string {
	if owner := strings.TrimSpace(c.GetHeader(HeaderOwnerID)); owner != "" {
		return owner
	}
	return merchant.DefaultOwner
}

// bindJSON decodes the request body. An empty body is allowed when optional
// is set.
func bindJSON(c *gin.Context, dest any, optional bool) error {
	if optional && c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(dest); err != nil {
		return apperr.Wrap(apperr.CodeValidation, err, "invalid request body")
	}
	return nil
}
