package stripe

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v83"

	"github.com/lotworks/dealercredit/pkg/billing"
	"github.com/lotworks/dealercredit/pkg/credit"
)

// PlanCheckoutURL creates a Stripe Checkout Session for a subscription plan
// and returns the hosted payment page URL. The dealer and tier are stamped
// into both the session and subscription metadata so the completion webhook
// can activate the plan without extra API calls.
func (p *Provider) PlanCheckoutURL(
	ctx context.Context, dealerID string, tier credit.PlanTier, successURL, cancelURL string,
) (string, error) {
	priceID, ok := p.config.PlanPrices[tier]
	if !ok {
		return "", fmt.Errorf("%w: no price configured for tier %q", billing.ErrUnknownPlan, tier)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
	}
	params.AddMetadata(metadataDealerID, dealerID)
	params.AddMetadata(metadataPlanTier, string(tier))

	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(metadataDealerID, dealerID)
	params.SubscriptionData.AddMetadata(metadataPlanTier, string(tier))

	// Reuse the dealer's Stripe customer if onboarding already created one.
	if customerRef := p.customerRefFor(ctx, dealerID); customerRef != "" {
		params.Customer = stripe.String(customerRef)
	} else {
		params.ClientReferenceID = stripe.String(dealerID)
	}

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}
	return session.URL, nil
}

// CreditPackIntent creates a Stripe PaymentIntent for a one-time credit pack
// purchase and records the pending purchase locally. The intent is created
// first so the pending record carries its ID; the purchase settles when the
// payment_intent.succeeded webhook arrives.
func (p *Provider) CreditPackIntent(
	ctx context.Context, dealerID string, creditCount int, amountCents int64, currency string,
) (*stripe.PaymentIntent, error) {
	if creditCount <= 0 || amountCents <= 0 {
		return nil, credit.ErrInvalidAmount
	}
	if currency == "" {
		currency = "usd"
	}

	params := &stripe.PaymentIntentCreateParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(currency),
	}
	params.AddMetadata(metadataDealerID, dealerID)
	params.AddMetadata(metadataPurchaseType, purchaseTypeCreditPack)
	params.AddMetadata(metadataCreditCount, strconv.Itoa(creditCount))

	if customerRef := p.customerRefFor(ctx, dealerID); customerRef != "" {
		params.Customer = stripe.String(customerRef)
	}

	intent, err := p.stripeClient.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}

	if err := p.service.CreateCreditPack(ctx, dealerID, intent.ID, creditCount); err != nil {
		return nil, fmt.Errorf("failed to record credit pack purchase: %w", err)
	}
	return intent, nil
}

// customerRefFor returns the dealer's stored Stripe customer reference, or
// empty when the dealer has no subscription or no linked customer yet.
func (p *Provider) customerRefFor(ctx context.Context, dealerID string) string {
	sub, err := p.ledger.GetSubscription(ctx, dealerID)
	if err != nil {
		if !errors.Is(err, credit.ErrNoSubscription) {
			p.logger.Warn("failed to look up dealer subscription",
				credit.Field{Key: "dealer_id", Value: dealerID},
				credit.Field{Key: "error", Value: err.Error()})
		}
		return ""
	}
	return sub.ExternalCustomerRef
}
