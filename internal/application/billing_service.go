package application

import (
	"context"
	"fmt"

	"shopify-install-gateway/internal/domain"
	"shopify-install-gateway/internal/ports"

	"github.com/rs/zerolog"
)

// BillingService is the payment gate consulted after a successful callback
// when the deployment requires an active subscription.
type BillingService struct {
	platform ports.ShopifyClient
	appURL   string
	logger   zerolog.Logger
}

// NewBillingService creates the billing gate. appURL is where the merchant
// returns after confirming a charge.
func NewBillingService(platform ports.ShopifyClient, appURL string, logger zerolog.Logger) *BillingService {
	return &BillingService{
		platform: platform,
		appURL:   appURL,
		logger:   logger,
	}
}

// Check reports whether an active recurring charge matching the policy exists
// and, if not, creates one and returns its confirmation URL. Any billing API
// error propagates wrapped in ErrBillingCheck: a failed check must never be
// read as "payment present".
func (s *BillingService) Check(ctx context.Context, session *domain.Session, policy domain.BillingPolicy) (*domain.BillingDecision, error) {
	charges, err := s.platform.ListActiveCharges(ctx, session.Shop, session.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: list charges for %s: %v", domain.ErrBillingCheck, session.Shop, err)
	}

	for _, charge := range charges {
		if charge.Name == policy.ChargeName && charge.Price.GreaterThanOrEqual(policy.Amount) {
			return &domain.BillingDecision{HasPayment: true}, nil
		}
	}

	created, err := s.platform.CreateRecurringCharge(ctx, session.Shop, session.AccessToken, policy.ChargeName, policy.Amount, s.appURL, policy.Test)
	if err != nil {
		return nil, fmt.Errorf("%w: create charge for %s: %v", domain.ErrBillingCheck, session.Shop, err)
	}

	s.logger.Info().
		Str("shop", session.Shop).
		Int64("charge_id", created.ID).
		Str("charge_name", policy.ChargeName).
		Msg("Created recurring charge, awaiting confirmation")

	return &domain.BillingDecision{HasPayment: false, ConfirmationURL: created.ConfirmationURL}, nil
}
