package fraud

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-simulator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-simulator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-simulator/internal/models"
	"github.com/akylbek/payment-system/checkout-simulator/internal/telemetry"
)

const topFactorLimit = 5

// OpenReview queues a session held by a review decision.
func (g *Gate) OpenReview(ctx context.Context, decision *models.FraudDecision) (*models.FraudReview, error) {
	review := &models.FraudReview{
		ID:         "rev_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		OwnerID:    decision.OwnerID,
		SessionID:  decision.SessionID,
		DecisionID: decision.ID,
		Status:     models.ReviewPending,
		CreatedAt:  g.now(),
	}
	if err := g.decisions.CreateReview(ctx, review); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "create fraud review")
	}
	telemetry.Logger.Info("Session held for fraud review",
		zap.String("session_id", review.SessionID),
		zap.String("review_id", review.ID),
	)
	return review, nil
}

func (g *Gate) ListPendingReviews(ctx context.Context, ownerID string) ([]*models.FraudReview, error) {
	reviews, err := g.decisions.ListPendingReviews(ctx, ownerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "list fraud reviews")
	}
	return reviews, nil
}

func (g *Gate) GetReview(ctx context.Context, ownerID, reviewID string) (*models.FraudReview, error) {
	review, err := g.decisions.GetReview(ctx, ownerID, reviewID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, apperr.Newf(apperr.CodeReviewNotFound, "review %s not found", reviewID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "load fraud review")
	}
	return review, nil
}

func (g *Gate) Approve(ctx context.Context, ownerID, reviewID, reviewerID string) (*models.FraudReview, error) {
	return g.resolve(ctx, ownerID, reviewID, reviewerID, models.ReviewApproved)
}

func (g *Gate) Deny(ctx context.Context, ownerID, reviewID, reviewerID string) (*models.FraudReview, error) {
	return g.resolve(ctx, ownerID, reviewID, reviewerID, models.ReviewDenied)
}

func (g *Gate) resolve(ctx context.Context, ownerID, reviewID, reviewerID string, status models.ReviewStatus) (*models.FraudReview, error) {
	review, err := g.GetReview(ctx, ownerID, reviewID)
	if err != nil {
		return nil, err
	}
	at := g.now()
	rows, err := g.decisions.ResolveReview(ctx, review.ID, status, reviewerID, at)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "resolve fraud review")
	}
	if rows == 0 {
		return nil, apperr.Newf(apperr.CodeReviewAlreadyResolved, "review %s already resolved", reviewID)
	}
	review.Status = status
	review.ReviewerID = reviewerID
	review.ResolvedAt = &at

	telemetry.Logger.Info("Fraud review resolved",
		zap.String("review_id", review.ID),
		zap.String("session_id", review.SessionID),
		zap.String("status", string(status)),
		zap.String("reviewer_id", reviewerID),
	)
	return review, nil
}

// Summary aggregates the owner's decisions for the analytics view.
func (g *Gate) Summary(ctx context.Context, ownerID string) (*models.FraudSummary, error) {
	decisions, err := g.decisions.ListDecisions(ctx, ownerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "list fraud decisions")
	}

	summary := &models.FraudSummary{
		ActionBreakdown: map[models.FraudAction]int{},
		TopFactors:      []models.FactorCount{},
	}
	if len(decisions) == 0 {
		return summary, nil
	}

	total := 0
	factorCounts := map[string]int{}
	for _, d := range decisions {
		total += d.RiskScore
		summary.ActionBreakdown[d.Action]++
		for _, f := range d.Factors {
			factorCounts[f]++
		}
	}
	summary.Count = len(decisions)
	summary.AverageScore, _ = decimal.NewFromInt(int64(total)).
		Div(decimal.NewFromInt(int64(len(decisions)))).
		Round(2).
		Float64()

	for f, n := range factorCounts {
		summary.TopFactors = append(summary.TopFactors, models.FactorCount{Factor: f, Count: n})
	}
	sort.Slice(summary.TopFactors, func(i, j int) bool {
		a, b := summary.TopFactors[i], summary.TopFactors[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Factor < b.Factor
	})
	if len(summary.TopFactors) > topFactorLimit {
		summary.TopFactors = summary.TopFactors[:topFactorLimit]
	}
	return summary, nil
}
