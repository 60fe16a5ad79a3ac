package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/coachly/coachly/app/models"
	"github.com/coachly/coachly/internal/pkg/plans"
)

// PaymentsClient is the slice of the Stripe surface the orchestration code
// needs; fakes substitute cleanly in tests.
type PaymentsClient interface {
	Configured() bool
	CreateCustomer(ctx context.Context, email, name, userID string) (*stripe.Customer, error)
	NewCheckoutSession(ctx context.Context, customerID, priceID, userID, planID, planName string) (*stripe.CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (*stripe.CheckoutSession, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
	GetCustomer(ctx context.Context, customerID string) (*stripe.Customer, error)
	GetInvoice(ctx context.Context, invoiceID string) (*stripe.Invoice, error)
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*stripe.Subscription, error)
}

// CheckoutService starts checkout flows and finalizes completed ones.
type CheckoutService struct {
	svc      *Service
	payments PaymentsClient
}

// NewCheckoutService wires the orchestrator from injected dependencies.
func NewCheckoutService(svc *Service, payments PaymentsClient) *CheckoutService {
	return &CheckoutService{svc: svc, payments: payments}
}

// StartCheckout begins a billing checkout for the chosen plan. The active
// subscription check happens before any external call.
func (cs *CheckoutService) StartCheckout(ctx context.Context, userID, email, name, priceID string) (*CheckoutResult, error) {
	if cs.payments == nil || !cs.payments.Configured() {
		return nil, ErrNotConfigured
	}

	plan, ok := plans.ByPriceID(priceID)
	if !ok {
		return nil, ErrPlanNotFound
	}

	if existing, err := cs.svc.CurrentSubscription(ctx, userID); err == nil {
		if existing.Status == models.SubscriptionStatusActive {
			return nil, ErrAlreadySubscribed
		}
	} else if !errors.Is(err, ErrNoSubscription) {
		return nil, err
	}

	bc, err := cs.svc.EnsureBillingCustomer(ctx, userID, email, func(ctx context.Context) (string, error) {
		cust, err := cs.payments.CreateCustomer(ctx, email, name, userID)
		if err != nil {
			return "", err
		}
		return cust.ID, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure billing customer: %w", err)
	}

	sess, err := cs.payments.NewCheckoutSession(ctx, bc.ProviderCustomerID, plan.PriceID, userID, plan.ID, plan.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	return &CheckoutResult{SessionID: sess.ID, URL: sess.URL}, nil
}

// SuccessSummary is returned to the success-redirect handler.
type SuccessSummary struct {
	PlanID           string `json:"plan_id"`
	PlanName         string `json:"plan_name"`
	Status           string `json:"status"`
	CreditsGranted   int64  `json:"credits_granted"`
	AlreadyProcessed bool   `json:"already_processed"`
}

// FinalizeSuccess reconciles local records for a completed checkout session
// and grants the plan's credits exactly once per session id. Safe to call on
// every hit of the success redirect; webhook processing may already have done
// part or all of the work.
func (cs *CheckoutService) FinalizeSuccess(ctx context.Context, userID, sessionID string) (*SuccessSummary, error) {
	if cs.payments == nil || !cs.payments.Configured() {
		return nil, ErrNotConfigured
	}
	if sessionID == "" {
		return nil, errors.New("session_id is required")
	}

	sess, err := cs.payments.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkout session: %w", err)
	}

	owner := sess.ClientReferenceID
	if owner == "" && sess.Metadata != nil {
		owner = sess.Metadata[metaUserID]
	}
	if owner == "" || owner != userID {
		return nil, errors.New("checkout session does not belong to this user")
	}
	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return nil, errors.New("checkout session is not paid")
	}
	if sess.Subscription == nil {
		return nil, ErrNoSubscription
	}

	sub := sess.Subscription
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.LatestInvoice == nil || sub.LatestInvoice.ID == "" {
		// The expanded object can omit items and the latest invoice;
		// re-fetch the full subscription.
		sub, err = cs.payments.GetSubscription(ctx, sess.Subscription.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load subscription: %w", err)
		}
	}

	plan, ok := planFromSubscription(sub, sess.Metadata)
	if !ok {
		return nil, ErrPlanNotFound
	}

	start, end := periodFromSubscription(sub)
	stored, err := cs.svc.UpsertSubscription(ctx, SubscriptionUpsert{
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
		return nil, err
	}

	summary := &SuccessSummary{
		PlanID:   plan.ID,
		PlanName: plan.Name,
		Status:   stored.Status,
	}

	// The first invoice id is the grant key shared with the webhook path,
	// so a delivery and this redirect can each arrive first without
	// double-paying. The session id only carries subscriptions the provider
	// reports without an invoice; the webhook path never grants those.
	refs := []string{sess.ID}
	if inv := sub.LatestInvoice; inv != nil && inv.ID != "" {
		refs = append(refs, inv.ID)
	}
	for _, ref := range refs {
		done, err := cs.svc.HasTransactionForRef(ctx, models.BillingProviderStripe, ref)
		if err != nil {
			return nil, err
		}
		if done {
			summary.AlreadyProcessed = true
			return summary, nil
		}
	}

	grantRef := refs[len(refs)-1]
	if err := cs.svc.GrantCredits(ctx, userID, plan.MonthlyCredits, sess.AmountTotal,
		models.CreditTransactionPurchase, models.BillingProviderStripe, grantRef, "", &stored.ID); err != nil {
		return nil, err
	}
	summary.CreditsGranted = plan.MonthlyCredits
	return summary, nil
}

// Cancel flags the user's subscription for cancellation at period end; the
// status itself is untouched until the provider's deletion event arrives.
func (cs *CheckoutService) Cancel(ctx context.Context, userID string) (*models.Subscription, error) {
	return cs.setCancelFlag(ctx, userID, true)
}

// Reactivate clears the cancel-at-period-end flag.
func (cs *CheckoutService) Reactivate(ctx context.Context, userID string) (*models.Subscription, error) {
	return cs.setCancelFlag(ctx, userID, false)
}

func (cs *CheckoutService) setCancelFlag(ctx context.Context, userID string, cancel bool) (*models.Subscription, error) {
	if cs.payments == nil || !cs.payments.Configured() {
		return nil, ErrNotConfigured
	}

	sub, err := cs.svc.CurrentSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.Status == models.SubscriptionStatusCanceled {
		return nil, errors.New("subscription is already canceled")
	}

	if _, err := cs.payments.SetCancelAtPeriodEnd(ctx, sub.ProviderSubscriptionID, cancel); err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	flag := cancel
	if err := cs.svc.SetStatus(ctx, sub.Provider, sub.ProviderSubscriptionID, sub.Status, &StatusUpdate{
		CancelAtPeriodEnd: &flag,
	}); err != nil {
		return nil, err
	}

	return cs.svc.CurrentSubscription(ctx, userID)
}

// planFromSubscription resolves the catalog plan for a provider subscription,
// preferring explicit plan metadata and falling back to the subscribed
// product/price identifiers.
func planFromSubscription(sub *stripe.Subscription, sessionMeta map[string]string) (plans.Plan, bool) {
	if sub.Metadata != nil {
		if p, ok := plans.ByID(sub.Metadata[metaPlanID]); ok {
			return p, true
		}
	}
	if sessionMeta != nil {
		if p, ok := plans.ByID(sessionMeta[metaPlanID]); ok {
			return p, true
		}
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.Price == nil {
				continue
			}
			if item.Price.Product != nil {
				if p, ok := plans.ByProductID(item.Price.Product.ID); ok {
					return p, true
				}
			}
			if p, ok := plans.ByPriceID(item.Price.ID); ok {
				return p, true
			}
		}
	}
	return plans.Plan{}, false
}

// periodFromSubscription extracts the current billing-period bounds. The
// period lives on the subscription items in current API versions.
func periodFromSubscription(sub *stripe.Subscription) (*time.Time, *time.Time) {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil, nil
	}
	item := sub.Items.Data[0]
	var start, end *time.Time
	if item.CurrentPeriodStart > 0 {
		t := time.Unix(item.CurrentPeriodStart, 0).UTC()
		start = &t
	}
	if item.CurrentPeriodEnd > 0 {
		t := time.Unix(item.CurrentPeriodEnd, 0).UTC()
		end = &t
	}
	return start, end
}
