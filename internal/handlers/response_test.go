package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/checkout-simulator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-simulator/internal/merchant"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func render(t *testing.T, err error) (int, errorEnvelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	writeError(c, err)

	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec.Code, env
}

func TestWriteErrorUsesCodeMetadata(t *testing.T) {
	code, env := render(t, apperr.New(apperr.CodeInvalidTransition, "session cs_1 is completed").
		WithDetails(map[string]string{"status": "completed"}))
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.False(t, env.Success)
	assert.Equal(t, "INVALID_TRANSITION", env.Error.Code)
	assert.Equal(t, "session cs_1 is completed", env.Error.Message)
	assert.Equal(t, map[string]any{"status": "completed"}, env.Error.Details)
}

func TestWriteErrorHidesInternalMessages(t *testing.T) {
	code, env := render(t, apperr.Wrap(apperr.CodeInternal, errors.New("pq: connection refused"), "load session").
		WithDetails(map[string]string{"dsn": "secret"}))
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "internal server error", env.Error.Message)
	assert.Nil(t, env.Error.Details)

	code, env = render(t, errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "INTERNAL_ERROR", env.Error.Code)
}

func TestWriteErrorDropsDetailsForNotFound(t *testing.T) {
	code, env := render(t, apperr.New(apperr.CodeSessionNotFound, "session cs_9 not found").
		WithDetails(map[string]string{"id": "cs_9"}))
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "session cs_9 not found", env.Error.Message)
	assert.Nil(t, env.Error.Details)
}

func TestOwnerIDDefaultsWhenHeaderMissing(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, merchant.DefaultOwner, ownerID(c))

	c.Request.Header.Set(HeaderOwnerID, "  acme ")
	assert.Equal(t, "acme", ownerID(c))
}
