package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/lotworks/dealercredit/pkg/billing"
	"github.com/lotworks/dealercredit/pkg/billing/internal"
	"github.com/lotworks/dealercredit/pkg/credit"
)

type webhookResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// handleWebhook processes incoming Stripe webhook events.
//
// Every event is recorded before it is processed: the insert doubles as the
// idempotency check, so a redelivered event short-circuits without touching
// the ledger. Processing failures are stored on the record and acknowledged
// with 200 anyway, because Stripe retries with exponential backoff and a
// retry storm against a broken handler helps nobody. The only 4xx path is a
// signature that does not verify.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		sig = r.Header.Get("stripe-signature")
	}

	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "signature_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "unknown"
	}

	ctx := r.Context()

	record := &credit.WebhookEventRecord{
		ExternalEventID: event.ID,
		EventType:       eventType,
		RawPayload:      body,
		ReceivedAt:      time.Now().UTC(),
	}
	if err := p.ledger.InsertEventRecord(ctx, record); err != nil {
		if errors.Is(err, credit.ErrDuplicateEvent) {
			p.metrics.RecordWebhookEvent(providerName, eventType, "duplicate")
			internal.WriteJSON(w, http.StatusOK, webhookResponse{Received: true, Duplicate: true})
			return
		}
		// No record exists yet, so letting Stripe redeliver is safe.
		http.Error(w, "failed to record event", http.StatusInternalServerError)
		p.metrics.RecordWebhookError(providerName, "record_failed")
		return
	}

	dealerID, procErr := p.processEvent(ctx, &event)
	if err := p.ledger.MarkEventProcessed(ctx, event.ID, procErr); err != nil {
		p.logger.Error("failed to mark webhook event processed",
			credit.Field{Key: "event_id", Value: event.ID},
			credit.Field{Key: "error", Value: err.Error()})
	}

	if procErr != nil {
		p.logger.Error("webhook event processing failed",
			credit.Field{Key: "event_id", Value: event.ID},
			credit.Field{Key: "event_type", Value: eventType},
			credit.Field{Key: "error", Value: procErr.Error()})
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
	} else {
		p.metrics.RecordWebhookEvent(providerName, eventType, "success")
		p.fireCallback(dealerID, eventType, event.ID, event.Created)
	}
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))

	internal.WriteJSON(w, http.StatusOK, webhookResponse{Received: true})
}

// processEvent dispatches a verified event to its handler. It returns the
// dealer the event applied to, when one could be resolved.
func (p *Provider) processEvent(ctx context.Context, event *stripe.Event) (string, error) {
	switch event.Type {
	case "checkout.session.completed":
		return p.handleCheckoutCompleted(ctx, event)
	case "invoice.payment_succeeded":
		return p.handleInvoicePaymentSucceeded(ctx, event)
	case "invoice.payment_failed":
		return p.handleInvoicePaymentFailed(ctx, event)
	case "customer.subscription.updated":
		return p.handleSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		return p.handleSubscriptionDeleted(ctx, event)
	case "payment_intent.succeeded":
		return p.handlePaymentIntentSucceeded(ctx, event)
	default:
		// Unknown event type - acknowledge and ignore
		return "", nil
	}
}

// handleCheckoutCompleted processes checkout.session.completed events.
// Subscription checkouts activate the purchased plan immediately rather than
// waiting for the follow-up subscription event.
func (p *Provider) handleCheckoutCompleted(ctx context.Context, event *stripe.Event) (string, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return "", fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}

	dealerID := ""
	if session.Metadata != nil {
		dealerID = session.Metadata[metadataDealerID]
	}
	if dealerID == "" {
		return "", fmt.Errorf("metadata.%s missing on checkout session %s", metadataDealerID, session.ID)
	}

	if session.Metadata[metadataPurchaseType] == purchaseTypeCreditPack {
		// Credit packs settle on payment_intent.succeeded
		return dealerID, nil
	}

	subscriptionRef := ""
	if session.Subscription != nil {
		subscriptionRef = session.Subscription.ID
	}
	if subscriptionRef == "" {
		// Not a subscription checkout - ignore
		return dealerID, nil
	}

	customerRef := ""
	if session.Customer != nil {
		customerRef = session.Customer.ID
	}

	tier := credit.PlanTier(session.Metadata[metadataPlanTier])
	if tier == "" {
		return dealerID, fmt.Errorf("metadata.%s missing on checkout session %s", metadataPlanTier, session.ID)
	}
	if _, ok := credit.DefaultAllowances[tier]; !ok {
		return dealerID, fmt.Errorf("%w: %q on checkout session %s", billing.ErrUnknownPlan, tier, session.ID)
	}

	return dealerID, p.service.ActivatePlan(ctx, dealerID, tier, subscriptionRef, customerRef)
}

// handleInvoicePaymentSucceeded processes invoice.payment_succeeded events
// by resetting the billing cycle for the invoiced dealer.
func (p *Provider) handleInvoicePaymentSucceeded(ctx context.Context, event *stripe.Event) (string, error) {
	sub, err := p.resolveInvoiceDealer(ctx, event)
	if err != nil || sub == nil {
		return "", err
	}
	return sub.DealerID, p.service.RenewCycle(ctx, sub.DealerID)
}

// handleInvoicePaymentFailed processes invoice.payment_failed events. The
// subscription is flagged past_due but keeps its remaining balance.
func (p *Provider) handleInvoicePaymentFailed(ctx context.Context, event *stripe.Event) (string, error) {
	sub, err := p.resolveInvoiceDealer(ctx, event)
	if err != nil || sub == nil {
		return "", err
	}
	return sub.DealerID, p.service.MarkPastDue(ctx, sub.DealerID)
}

// resolveInvoiceDealer maps an invoice event to a local subscription via the
// Stripe customer reference. A nil subscription with nil error means the
// invoice is not ours to handle (no customer, or one we never onboarded).
func (p *Provider) resolveInvoiceDealer(ctx context.Context, event *stripe.Event) (*credit.Subscription, error) {
	customerRef := extractCustomerRef(event.Data.Raw)
	if customerRef == "" {
		return nil, nil
	}

	sub, err := p.ledger.GetSubscriptionByCustomerRef(ctx, customerRef)
	if err != nil {
		if errors.Is(err, credit.ErrNoSubscription) {
			p.logger.Warn("invoice event for unknown customer",
				credit.Field{Key: "customer_ref", Value: customerRef},
				credit.Field{Key: "event_type", Value: string(event.Type)})
			return nil, nil
		}
		return nil, err
	}
	return sub, nil
}

// handleSubscriptionUpdated processes customer.subscription.updated events,
// syncing tier and status changes made outside checkout (upgrades from the
// Stripe dashboard, dunning state transitions).
func (p *Provider) handleSubscriptionUpdated(ctx context.Context, event *stripe.Event) (string, error) {
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		return "", fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	dealerID, err := p.extractDealerID(ctx, &subscription)
	if err != nil {
		return "", err
	}

	tier := p.extractTier(&subscription)
	return dealerID, p.service.SyncPlanUpdate(ctx, dealerID, tier, string(subscription.Status))
}

// handleSubscriptionDeleted processes customer.subscription.deleted events
func (p *Provider) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) (string, error) {
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		return "", fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	dealerID, err := p.extractDealerID(ctx, &subscription)
	if err != nil {
		return "", err
	}

	return dealerID, p.service.CancelSubscription(ctx, dealerID)
}

// handlePaymentIntentSucceeded settles pending credit pack purchases. Payment
// intents that are not pack purchases belong to other flows and are ignored.
func (p *Provider) handlePaymentIntentSucceeded(ctx context.Context, event *stripe.Event) (string, error) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return "", fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}

	if intent.Metadata == nil || intent.Metadata[metadataPurchaseType] != purchaseTypeCreditPack {
		return "", nil
	}

	dealerID := intent.Metadata[metadataDealerID]
	return dealerID, p.service.SettleCreditPack(ctx, intent.ID)
}

// ReprocessFailedEvents retries stored webhook events whose first processing
// attempt failed. It returns the number of events that now succeeded.
func (p *Provider) ReprocessFailedEvents(ctx context.Context, limit int) (int, error) {
	records, err := p.ledger.ListUnprocessedEvents(ctx, limit)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, record := range records {
		var event stripe.Event
		if err := json.Unmarshal(record.RawPayload, &event); err != nil {
			p.logger.Error("stored webhook payload is unreadable",
				credit.Field{Key: "event_id", Value: record.ExternalEventID},
				credit.Field{Key: "error", Value: err.Error()})
			continue
		}

		dealerID, procErr := p.processEvent(ctx, &event)
		if err := p.ledger.MarkEventProcessed(ctx, record.ExternalEventID, procErr); err != nil {
			return recovered, err
		}
		if procErr != nil {
			p.logger.Warn("webhook event still failing on reprocess",
				credit.Field{Key: "event_id", Value: record.ExternalEventID},
				credit.Field{Key: "error", Value: procErr.Error()})
			continue
		}

		recovered++
		p.metrics.RecordWebhookEvent(providerName, record.EventType, "reprocessed")
		p.fireCallback(dealerID, record.EventType, record.ExternalEventID, event.Created)
	}
	return recovered, nil
}

// extractDealerID extracts the dealer from subscription metadata, falling
// back to the local customer-reference index for subscriptions created before
// metadata stamping.
func (p *Provider) extractDealerID(ctx context.Context, sub *stripe.Subscription) (string, error) {
	if sub.Metadata != nil {
		if dealerID := sub.Metadata[metadataDealerID]; dealerID != "" {
			return dealerID, nil
		}
	}

	if sub.Customer != nil {
		local, err := p.ledger.GetSubscriptionByCustomerRef(ctx, sub.Customer.ID)
		if err == nil {
			return local.DealerID, nil
		}
		if !errors.Is(err, credit.ErrNoSubscription) {
			return "", err
		}
	}

	return "", fmt.Errorf("%w: metadata.%s missing on subscription %s", billing.ErrDealerNotFound, metadataDealerID, sub.ID)
}

// extractTier resolves the plan tier for a subscription, preferring metadata
// and falling back to the configured price mapping.
func (p *Provider) extractTier(sub *stripe.Subscription) credit.PlanTier {
	if sub.Metadata != nil {
		if tier := credit.PlanTier(sub.Metadata[metadataPlanTier]); tier != "" {
			return tier
		}
	}

	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.Price == nil {
				continue
			}
			if tier, ok := p.priceTiers[item.Price.ID]; ok {
				return tier
			}
		}
	}
	return ""
}

func (p *Provider) fireCallback(dealerID, eventType, eventID string, created int64) {
	if p.callback == nil {
		return
	}
	occurredAt := time.Unix(created, 0).UTC()
	if err := p.callback(billing.WebhookEvent{
		DealerID:        dealerID,
		Provider:        providerName,
		EventType:       eventType,
		ExternalEventID: eventID,
		OccurredAt:      occurredAt,
	}); err != nil {
		p.logger.Warn("webhook event callback failed",
			credit.Field{Key: "event_id", Value: eventID},
			credit.Field{Key: "error", Value: err.Error()})
	}
}

// extractCustomerRef pulls the customer reference out of raw event JSON. The
// field arrives as either a bare ID string or an expanded object depending on
// API version.
func extractCustomerRef(raw json.RawMessage) string {
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}
	switch v := payload["customer"].(type) {
	case string:
		return v
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id
		}
	}
	return ""
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
