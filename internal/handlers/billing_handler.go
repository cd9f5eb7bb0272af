package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/akylbek/payment-system/checkout-simulator/internal/billing"
	"github.com/akylbek/payment-system/checkout-simulator/internal/models"
)

type BillingService interface {
	RegisterPlan(ctx context.Context, ownerID string, in billing.RegisterPlanInput) (*models.Plan, error)
	CreateSubscription(ctx context.Context, ownerID string, in billing.CreateSubscriptionInput) (*models.Subscription, error)
	GetSubscription(ctx context.Context, ownerID, id string) (*models.Subscription, error)
	CancelSubscription(ctx context.Context, ownerID, id string) (*models.Subscription, error)
	PauseSubscription(ctx context.Context, ownerID, id string) (*models.Subscription, error)
	ResumeSubscription(ctx context.Context, ownerID, id string) (*models.Subscription, error)
}

// SweepRunner triggers a billing sweep outside the schedule.
type SweepRunner interface {
	RunOnce(ctx context.Context) (*billing.SweepReport, error)
}

type BillingHandler struct {
	billing BillingService
	sweeps  SweepRunner
}

func NewBillingHandler(svc BillingService, sweeps SweepRunner) *BillingHandler {
	return &BillingHandler{billing: svc, sweeps: sweeps}
}

func (h *BillingHandler) RegisterPlan(c *gin.Context) {
	var in billing.RegisterPlanInput
	if err := bindJSON(c, &in, false); err != nil {
		writeError(c, err)
		return
	}
	plan, err := h.billing.RegisterPlan(c.Request.Context(), ownerID(c), in)
	if err != nil {
		writeError(c, err)
		return
	}
	writeSuccess(c, http.StatusCreated, plan)
}

func (h *BillingHandler) CreateSubscription(c *gin.Context) {
	var in billing.CreateSubscriptionInput
	if err := bindJSON(c, &in, false); err != nil {
		writeError(c, err)
		return
	}
	sub, err := h.billing.CreateSubscription(c.Request.Context(), ownerID(c), in)
	if err != nil {
		writeError(c, err)
		return
	}
	writeSuccess(c, http.StatusCreated, sub)
}

func (h *BillingHandler) GetSubscription(c *gin.Context) {
	sub, err := h.billing.GetSubscription(c.Request.Context(), ownerID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeSuccess(c, http.StatusOK, sub)
}

func (h *BillingHandler) CancelSubscription(c *gin.Context) {
	h.lifecycle(c, h.billing.CancelSubscription)
}

func (h *BillingHandler) PauseSubscription(c *gin.Context) {
	h.lifecycle(c, h.billing.PauseSubscription)
}

func (h *BillingHandler) ResumeSubscription(c *gin.Context) {
	h.lifecycle(c, h.billing.ResumeSubscription)
}

func (h *BillingHandler) lifecycle(c *gin.Context, op func(context.Context, string, string) (*models.Subscription, error)) {
	sub, err := op(c.Request.Context(), ownerID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeSuccess(c, http.StatusOK, sub)
}

// Sweep runs the renewal sweep now. Per-subscription errors are reported
// in the log; the response carries the counts.
func (h *BillingHandler) Sweep(c *gin.Context) {
	report, err := h.sweeps.RunOnce(c.Request.Context())
	if report == nil {
		writeError(c, err)
		return
	}
	writeSuccess(c, http.StatusOK, report)
}
