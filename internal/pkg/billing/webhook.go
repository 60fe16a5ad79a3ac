package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v83"

	"github.com/coachly/coachly/app/models"
	"github.com/coachly/coachly/internal/pkg/plans"
)

// EventVerifier checks provider signatures over raw webhook payloads.
type EventVerifier interface {
	WebhookConfigured() bool
	VerifyEvent(payload []byte, signatureHeader string) (stripe.Event, error)
}

// ReconcileResult tells the HTTP layer how a delivery was handled. Any
// non-error result is acknowledged with a 200-equivalent.
type ReconcileResult struct {
	EventID   string
	EventType string
	Duplicate bool
	Ignored   bool
}

// Reconciler applies provider webhook events to local billing state.
type Reconciler struct {
	svc      *Service
	payments PaymentsClient
	verifier EventVerifier
	changed  func(userID string)
}

// NewReconciler wires the reconciler from injected dependencies.
func NewReconciler(svc *Service, payments PaymentsClient, verifier EventVerifier) *Reconciler {
	return &Reconciler{svc: svc, payments: payments, verifier: verifier}
}

// OnUserChanged registers a hook invoked after a user's billing state was
// written, used to invalidate cached status payloads.
func (r *Reconciler) OnUserChanged(fn func(userID string)) {
	r.changed = fn
}

func (r *Reconciler) notifyChanged(userID string) {
	if r.changed != nil && userID != "" {
		r.changed(userID)
	}
}

// Handle verifies, dedups and applies one webhook delivery.
//
// Signature failures return ErrInvalidSignature and nothing is processed.
// After the event is in the ledger, per-event handler errors are logged and
// recorded but the delivery is still acknowledged: the provider must not
// retry-storm on a permanent application bug, at the cost of no automatic
// replay for transient failures.
func (r *Reconciler) Handle(ctx context.Context, rawBody []byte, signatureHeader string) (*ReconcileResult, error) {
	if r.verifier == nil || !r.verifier.WebhookConfigured() {
		return nil, ErrNotConfigured
	}

	event, err := r.verifier.VerifyEvent(rawBody, signatureHeader)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	eventID := event.ID
	if eventID == "" {
		// Should not happen with real deliveries; keep the ledger usable.
		eventID = "generated:" + uuid.NewString()
	}

	result := &ReconcileResult{EventID: eventID, EventType: string(event.Type)}

	created, stored, err := r.svc.RecordWebhookEvent(ctx, WebhookEventInput{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: eventID,
		EventType:       string(event.Type),
		PayloadJSON:     string(rawBody),
		SignatureValid:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist webhook event: %w", err)
	}
	if !created {
		result.Duplicate = true
		return result, nil
	}

	ignored, procErr := r.process(ctx, &event)
	result.Ignored = ignored
	if procErr != nil {
		log.Printf("billing: webhook %s (%s) processing failed: %v", eventID, event.Type, procErr)
	}
	if err := r.svc.MarkWebhookProcessed(ctx, stored.ID, procErr); err != nil {
		log.Printf("billing: failed to mark webhook %s processed: %v", eventID, err)
	}
	return result, nil
}

// process dispatches by event type. Unknown types are acknowledged without
// action so new provider event types never bounce.
func (r *Reconciler) process(ctx context.Context, event *stripe.Event) (bool, error) {
	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		return false, r.handleSubscriptionUpserted(ctx, event)
	case "customer.subscription.deleted":
		return false, r.handleSubscriptionDeleted(ctx, event)
	case "invoice.payment_succeeded":
		return false, r.handleInvoicePaid(ctx, event)
	case "invoice.payment_failed":
		return false, r.handleInvoiceFailed(ctx, event)
	default:
		return true, nil
	}
}

func (r *Reconciler) handleSubscriptionUpserted(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	userID, err := r.resolveUser(ctx, &sub)
	if err != nil {
		return err
	}

	plan, ok := planFromSubscription(&sub, nil)
	if !ok {
		return fmt.Errorf("subscription %s references no catalog plan", sub.ID)
	}

	start, end := periodFromSubscription(&sub)
	stored, err := r.svc.UpsertSubscription(ctx, SubscriptionUpsert{
		UserID:                 userID,
		Provider:               models.BillingProviderStripe,
		ProviderSubscriptionID: sub.ID,
		PlanID:                 plan.ID,
		PlanName:               plan.Name,
		Status:                 string(sub.Status),
		CurrentPeriodStart:     start,
		CurrentPeriodEnd:       end,
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		CreditsAllocated:       plan.MonthlyCredits,
	})
	if err != nil {
		return err
	}
	r.notifyChanged(userID)

	if event.Type != "customer.subscription.created" {
		return nil
	}
	return r.grantFirstInvoice(ctx, &sub, stored, plan, event.ID)
}

// grantFirstInvoice grants the plan's monthly credits when the subscription's
// first invoice is paid. Renewal invoices are handled by the
// invoice.payment_succeeded path, which skips non-cycle invoices; this split
// keeps each invoice granted exactly once.
func (r *Reconciler) grantFirstInvoice(ctx context.Context, sub *stripe.Subscription, stored *models.Subscription, plan plans.Plan, eventID string) error {
	if sub.LatestInvoice == nil || sub.LatestInvoice.ID == "" {
		return nil
	}

	inv := sub.LatestInvoice
	if inv.AmountPaid == 0 && r.payments != nil && r.payments.Configured() {
		// Webhook payloads carry the invoice unexpanded; fetch the amounts.
		fetched, err := r.payments.GetInvoice(ctx, inv.ID)
		if err != nil {
			return fmt.Errorf("failed to load first invoice %s: %w", inv.ID, err)
		}
		inv = fetched
	}
	if inv.AmountPaid <= 0 {
		return nil
	}

	done, err := r.svc.HasTransactionForRef(ctx, models.BillingProviderStripe, inv.ID)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	return r.svc.GrantCredits(ctx, stored.UserID, plan.MonthlyCredits, inv.AmountPaid,
		models.CreditTransactionPurchase, models.BillingProviderStripe, inv.ID, eventID, &stored.ID)
}

func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	if local, err := r.svc.SubscriptionByProviderID(ctx, models.BillingProviderStripe, sub.ID); err == nil {
		defer r.notifyChanged(local.UserID)
	}
	// Terminal transition only; remaining credits stay untouched until the
	// period runs out.
	return r.svc.MarkCanceled(ctx, models.BillingProviderStripe, sub.ID)
}

func (r *Reconciler) handleInvoicePaid(ctx context.Context, event *stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("failed to unmarshal invoice: %w", err)
	}

	subscriptionID := subscriptionIDFromInvoiceRaw(event.Data.Raw)
	if subscriptionID == "" {
		// Not a subscription invoice.
		return nil
	}
	if invoice.BillingReason != stripe.InvoiceBillingReasonSubscriptionCycle {
		// First invoices are granted by the creation handler and the
		// checkout-success finalizer; granting here would double-pay.
		return nil
	}

	local, err := r.svc.SubscriptionByProviderID(ctx, models.BillingProviderStripe, subscriptionID)
	if err != nil {
		if errors.Is(err, ErrNoSubscription) {
			log.Printf("billing: renewal invoice %s for unknown subscription %s dropped", invoice.ID, subscriptionID)
			return nil
		}
		return err
	}

	plan, ok := plans.ByID(local.PlanID)
	if !ok {
		return fmt.Errorf("subscription %s has unknown plan %q", subscriptionID, local.PlanID)
	}

	done, err := r.svc.HasTransactionForRef(ctx, models.BillingProviderStripe, invoice.ID)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	// Refresh period bounds from the provider's current view; the renewal
	// event payload itself does not carry them.
	extra := &StatusUpdate{CreditsAllocated: &plan.MonthlyCredits}
	if r.payments != nil && r.payments.Configured() {
		if fresh, err := r.payments.GetSubscription(ctx, subscriptionID); err == nil {
			extra.CurrentPeriodStart, extra.CurrentPeriodEnd = periodFromSubscription(fresh)
		} else {
			log.Printf("billing: failed to refresh subscription %s after renewal: %v", subscriptionID, err)
		}
	}
	if err := r.svc.SetStatus(ctx, models.BillingProviderStripe, subscriptionID, models.SubscriptionStatusActive, extra); err != nil {
		return err
	}

	if err := r.svc.GrantCredits(ctx, local.UserID, plan.MonthlyCredits, invoice.AmountPaid,
		models.CreditTransactionRenewal, models.BillingProviderStripe, invoice.ID, event.ID, &local.ID); err != nil {
		return err
	}
	r.notifyChanged(local.UserID)
	return nil
}

// handleInvoiceFailed records a zero-amount audit transaction. The
// subscription status is left alone; the provider emits its own
// subscription.updated transition to past_due.
func (r *Reconciler) handleInvoiceFailed(ctx context.Context, event *stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("failed to unmarshal invoice: %w", err)
	}

	userID := ""
	var subID *uint
	if providerSubID := subscriptionIDFromInvoiceRaw(event.Data.Raw); providerSubID != "" {
		if local, err := r.svc.SubscriptionByProviderID(ctx, models.BillingProviderStripe, providerSubID); err == nil {
			userID = local.UserID
			subID = &local.ID
		}
	}
	if userID == "" && invoice.Customer != nil {
		if resolved, err := r.svc.ResolveUserByCustomerID(ctx, models.BillingProviderStripe, invoice.Customer.ID); err == nil {
			userID = resolved
		}
	}
	if userID == "" {
		log.Printf("billing: payment_failed invoice %s has no resolvable user, dropped", invoice.ID)
		return nil
	}

	return r.svc.GrantCredits(ctx, userID, 0, 0,
		models.CreditTransactionPaymentFailed, models.BillingProviderStripe, invoice.ID, event.ID, subID)
}

// resolveUser correlates a provider subscription to the app user: embedded
// subscription metadata first, then the customer's metadata, then the stored
// billing-customer link. All routes must agree since they are written from
// the same checkout metadata.
func (r *Reconciler) resolveUser(ctx context.Context, sub *stripe.Subscription) (string, error) {
	if sub.Metadata != nil {
		if userID := sub.Metadata[metaUserID]; userID != "" {
			return userID, nil
		}
	}

	if sub.Customer == nil || sub.Customer.ID == "" {
		return "", fmt.Errorf("subscription %s carries no user correlation", sub.ID)
	}

	if r.payments != nil && r.payments.Configured() {
		if cust, err := r.payments.GetCustomer(ctx, sub.Customer.ID); err == nil && cust.Metadata != nil {
			if userID := cust.Metadata[metaUserID]; userID != "" {
				return userID, nil
			}
		}
	}

	userID, err := r.svc.ResolveUserByCustomerID(ctx, models.BillingProviderStripe, sub.Customer.ID)
	if err != nil {
		return "", fmt.Errorf("no app user for customer %s on subscription %s", sub.Customer.ID, sub.ID)
	}
	return userID, nil
}

// subscriptionIDFromInvoiceRaw digs the subscription reference out of the raw
// invoice payload; the SDK struct does not expose it uniformly across API
// versions.
func subscriptionIDFromInvoiceRaw(raw json.RawMessage) string {
	var rawData map[string]interface{}
	if err := json.Unmarshal(raw, &rawData); err != nil {
		return ""
	}
	switch v := rawData["subscription"].(type) {
	case string:
		return v
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id
		}
	}
	// Newer payload shape nests the reference under parent.subscription_details.
	if parent, ok := rawData["parent"].(map[string]interface{}); ok {
		if details, ok := parent["subscription_details"].(map[string]interface{}); ok {
			switch v := details["subscription"].(type) {
			case string:
				return v
			case map[string]interface{}:
				if id, ok := v["id"].(string); ok {
					return id
				}
			}
		}
	}
	return ""
}
