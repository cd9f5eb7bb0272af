package handlers

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/akylbek/payment-system/checkout-simulator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-simulator/internal/models"
	"github.com/akylbek/payment-system/checkout-simulator/internal/receiver"
	"github.com/akylbek/payment-system/checkout-simulator/internal/webhook"
)

const (
	defaultFailedLimit = 50
	maxFailedLimit     = 500
	maxInboundBody     = 1 << 20
)

type DeliveryService interface {
	ListFailedDeliveries(ctx context.Context, ownerID string, limit int) ([]*models.DeliveryRecord, error)
	Redeliver(ctx context.Context, ownerID, deliveryID string) (*models.DeliveryRecord, error)
}

type InboundReceiver interface {
	Receive(ctx context.Context, ownerID string, raw []byte, signatureHeader string) (*receiver.Result, error)
	Enrollment(ctx context.Context, ownerID, email, offer string) (*models.Enrollment, error)
	Enrollments(ctx context.Context, ownerID, email string) ([]*models.Enrollment, error)
}

type WebhookHandler struct {
	deliveries DeliveryService
	inbound    InboundReceiver
}

func NewWebhookHandler(deliveries DeliveryService, inbound InboundReceiver) *WebhookHandler {
	return &WebhookHandler{deliveries: deliveries, inbound: inbound}
}

func (h *WebhookHandler) ListFailed(c *gin.Context) {
	limit := defaultFailedLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(c, apperr.New(apperr.CodeValidation, "limit must be a positive integer").
				WithDetails(map[string]string{"limit": "must be a positive integer"}))
			return
		}
		limit = min(n, maxFailedLimit)
	}
	records, err := h.deliveries.ListFailedDeliveries(c.Request.Context(), ownerID(c), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if records == nil {
		records = []*models.DeliveryRecord{}
	}
	writeSuccess(c, http.StatusOK, records)
}

func (h *WebhookHandler) Redeliver(c *gin.Context) {
	record, err := h.deliveries.Redeliver(c.Request.Context(), ownerID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeSuccess(c, http.StatusOK, record)
}

// Inbound verifies and applies a signed event. The body is read raw since
// the signature covers the exact bytes sent.
func (h *WebhookHandler) Inbound(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxInboundBody))
	if err != nil {
		writeError(c, apperr.Wrap(apperr.CodeValidation, err, "read request body"))
		return
	}
	res, err := h.inbound.Receive(c.Request.Context(), ownerID(c), raw, c.GetHeader(webhook.HeaderSignature))
	if err != nil {
		writeError(c, err)
		return
	}
	writeSuccess(c, http.StatusOK, gin.H{
		"received":  true,
		"event_id":  res.EventID,
		"type":      res.Type,
		"duplicate": res.Duplicate,
	})
}

// Enrollments returns one enrollment when offer is given, otherwise every
// enrollment for the email.
func (h *WebhookHandler) Enrollments(c *gin.Context) {
	email := strings.ToLower(strings.TrimSpace(c.Query("email")))
	if email == "" {
		writeError(c, apperr.New(apperr.CodeValidation, "email is required").
			WithDetails(map[string]string{"email": "is required"}))
		return
	}
	if offer := strings.TrimSpace(c.Query("offer")); offer != "" {
		e, err := h.inbound.Enrollment(c.Request.Context(), ownerID(c), email, offer)
		if err != nil {
			writeError(c, err)
			return
		}
		writeSuccess(c, http.StatusOK, e)
		return
	}
	list, err := h.inbound.Enrollments(c.Request.Context(), ownerID(c), email)
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []*models.Enrollment{}
	}
	writeSuccess(c, http.StatusOK, list)
}
