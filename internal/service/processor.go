package service

import (
	"context"
	"errors"
	"strings"

	"github.com/akylbek/payment-system/checkout-simulator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-simulator/internal/models"
)

// ErrCardDeclined is a permanent charge failure.
var ErrCardDeclined = errors.New("card declined")

type ChargeRequest struct {
	SessionID   string
	OwnerID     string
	AmountMinor int64
	Currency    string
	Details     models.PaymentDetails
}

// ChargeProcessor moves the (fake) money. Transient failures must carry the
// TRANSIENT_PROVIDER_ERROR code so the caller retries them.
type ChargeProcessor interface {
	Charge(ctx context.Context, req ChargeRequest) error
}

// Test card numbers understood by SimulatedProcessor.
const (
	CardDeclined          = "4000000000000002"
	CardInsufficientFunds = "4000000000009995"
	CardProcessingError   = "4000000000000119"
)

// SimulatedProcessor approves every charge except the well-known test cards.
type SimulatedProcessor struct{}

func (SimulatedProcessor) Charge(ctx context.Context, req ChargeRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch strings.ReplaceAll(req.Details.CardNumber, " ", "") {
	case CardDeclined:
		return ErrCardDeclined
	case CardInsufficientFunds:
		return errors.Join(ErrCardDeclined, errors.New("insufficient funds"))
	case CardProcessingError:
		return apperr.New(apperr.CodeTransientProvider, "processor temporarily unavailable")
	}
	return nil
}
