package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/akylbek/payment-system/checkout-simulator/internal/models"
)

const defaultReviewer = "system"

type ReviewQueue interface {
	ListPendingReviews(ctx context.Context, ownerID string) ([]*models.FraudReview, error)
	Summary(ctx context.Context, ownerID string) (*models.FraudSummary, error)
}

// ReviewResolver settles the held session once a reviewer decides.
type ReviewResolver interface {
	ApproveReview(ctx context.Context, ownerID, reviewID, reviewerID string) (*models.Session, error)
	DenyReview(ctx context.Context, ownerID, reviewID, reviewerID string) (*models.Session, error)
}

type FraudHandler struct {
	queue    ReviewQueue
	resolver ReviewResolver
}

func NewFraudHandler(queue ReviewQueue, resolver ReviewResolver) *FraudHandler {
	return &FraudHandler{queue: queue, resolver: resolver}
}

type resolveReviewRequest struct {
	ReviewerID string `json:"reviewer_id"`
}

func (h *FraudHandler) ListPendingReviews(c *gin.Context) {
	reviews, err := h.queue.ListPendingReviews(c.Request.Context(), ownerID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if reviews == nil {
		reviews = []*models.FraudReview{}
	}
	writeSuccess(c, http.StatusOK, reviews)
}

func (h *FraudHandler) ApproveReview(c *gin.Context) {
	h.resolve(c, h.resolver.ApproveReview)
}

func (h *FraudHandler) DenyReview(c *gin.Context) {
	h.resolve(c, h.resolver.DenyReview)
}

func (h *FraudHandler) resolve(c *gin.Context, op func(context.Context, string, string, string) (*models.Session, error)) {
	var req resolveReviewRequest
	if err := bindJSON(c, &req, true); err != nil {
		writeError(c, err)
		return
	}
	reviewer := strings.TrimSpace(req.ReviewerID)
	if reviewer == "" {
		reviewer = defaultReviewer
	}
	sess, err := op(c.Request.Context(), ownerID(c), c.Param("id"), reviewer)
	if err != nil {
		writeError(c, err)
		return
	}
	writeSuccess(c, http.StatusOK, sess)
}

func (h *FraudHandler) Summary(c *gin.Context) {
	summary, err := h.queue.Summary(c.Request.Context(), ownerID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeSuccess(c, http.StatusOK, summary)
}
