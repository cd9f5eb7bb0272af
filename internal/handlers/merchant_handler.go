package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/akylbek/payment-system/checkout-simulator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-simulator/internal/config"
	"github.com/akylbek/payment-system/checkout-simulator/internal/fraud"
	"github.com/akylbek/payment-system/checkout-simulator/internal/merchant"
	"github.com/akylbek/payment-system/checkout-simulator/internal/models"
	"github.com/akylbek/payment-system/checkout-simulator/internal/validation"
)

const redactedSecret = "********"

type MerchantHandler struct {
	merchants merchant.Directory
}

func NewMerchantHandler(merchants merchant.Directory) *MerchantHandler {
	return &MerchantHandler{merchants: merchants}
}

type fraudConfigRequest struct {
	Enabled         *bool  `json:"enabled"`
	BlockThreshold  *int   `json:"block_threshold" validate:"omitempty,min=0,max=100"`
	ReviewThreshold *int   `json:"review_threshold" validate:"omitempty,min=0,max=100"`
	FlagThreshold   *int   `json:"flag_threshold" validate:"omitempty,min=0,max=100"`
	FlagAction      string `json:"flag_action" validate:"omitempty,oneof=allow review"`
}

type merchantConfigRequest struct {
	WebhookURL      string              `json:"webhook_url" validate:"omitempty,url"`
	WebhookSecret   string              `json:"webhook_secret" validate:"omitempty,max=255"`
	SignatureFormat string              `json:"signature_format" validate:"omitempty,oneof=hex timestamped"`
	Currencies      []string            `json:"currencies" validate:"omitempty,dive,len=3"`
	Fraud           *fraudConfigRequest `json:"fraud"`
}

// UpdateConfig replaces the caller's webhook, currency and fraud settings.
// Plans registered for the owner are kept.
func (h *MerchantHandler) UpdateConfig(c *gin.Context) {
	var req merchantConfigRequest
	if err := bindJSON(c, &req, false); err != nil {
		writeError(c, err)
		return
	}
	if err := validation.Struct(&req); err != nil {
		writeError(c, err)
		return
	}

	owner := ownerID(c)
	current, err := h.merchants.Get(c.Request.Context(), owner)
	if err != nil {
		writeError(c, apperr.Wrap(apperr.CodeInternal, err, "load merchant config"))
		return
	}

	next := &models.MerchantConfig{
		OwnerID:         owner,
		WebhookURL:      strings.TrimSpace(req.WebhookURL),
		WebhookSecret:   req.WebhookSecret,
		SignatureFormat: req.SignatureFormat,
		Currencies:      config.NormalizeCurrencies(req.Currencies),
		Plans:           current.Plans,
	}
	if req.Fraud != nil {
		next.Fraud = models.FraudConfig{
			Enabled:         req.Fraud.Enabled,
			BlockThreshold:  req.Fraud.BlockThreshold,
			ReviewThreshold: req.Fraud.ReviewThreshold,
			FlagThreshold:   req.Fraud.FlagThreshold,
			FlagAction:      models.FraudAction(req.Fraud.FlagAction),
		}
		if err := fraud.DefaultPolicy().Merge(next.Fraud).Validate(); err != nil {
			writeError(c, apperr.Wrap(apperr.CodeValidation, err, err.Error()).
				WithDetails(map[string]string{"fraud": err.Error()}))
			return
		}
	}

	if err := h.merchants.Put(c.Request.Context(), next); err != nil {
		writeError(c, apperr.Wrap(apperr.CodeInternal, err, "store merchant config"))
		return
	}
	view := *next
	if view.WebhookSecret != "" {
		view.WebhookSecret = redactedSecret
	}
	writeSuccess(c, http.StatusOK, view)
}
