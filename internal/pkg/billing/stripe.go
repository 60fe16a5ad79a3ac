package billing

import (
	"context"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/coachly/coachly/internal/pkg/env"
)

// Metadata keys attached to Stripe objects so webhook deliveries can be
// correlated back to the app user.
const (
	metaUserID   = "user_id"
	metaPlanID   = "plan_id"
	metaPlanName = "plan_name"
)

// StripeClient wraps the Stripe SDK calls this backend performs. A zero-key
// configuration yields an unconfigured client; callers must check Configured
// and degrade instead of crashing.
type StripeClient struct {
	client        *stripe.Client
	webhookSecret string
	successURL    string
	cancelURL     string
}

// NewStripeClient constructs the wrapper from explicit configuration.
func NewStripeClient(apiKey, webhookSecret, successURL, cancelURL string) *StripeClient {
	sc := &StripeClient{
		webhookSecret: strings.TrimSpace(webhookSecret),
		successURL:    successURL,
		cancelURL:     cancelURL,
	}
	if key := strings.TrimSpace(apiKey); key != "" {
		sc.client = stripe.NewClient(key)
	}
	return sc
}

// NewStripeClientFromEnv reads STRIPE_SECRET_KEY, STRIPE_WEBHOOK_SECRET and
// the public checkout redirect URLs.
func NewStripeClientFromEnv() *StripeClient {
	base := strings.TrimRight(env.GetEnv("APP_PUBLIC_URL", "http://localhost:4000"), "/")
	return NewStripeClient(
		env.GetEnv("STRIPE_SECRET_KEY", ""),
		env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		env.GetEnv("CHECKOUT_SUCCESS_URL", base+"/api/v1/checkout/success?session_id={CHECKOUT_SESSION_ID}"),
		env.GetEnv("CHECKOUT_CANCEL_URL", base+"/plans"),
	)
}

// Configured reports whether API calls can be made.
func (sc *StripeClient) Configured() bool {
	return sc != nil && sc.client != nil
}

// WebhookConfigured reports whether inbound events can be verified.
func (sc *StripeClient) WebhookConfigured() bool {
	return sc != nil && sc.webhookSecret != ""
}

// VerifyEvent checks the provider signature over the raw payload and parses
// the event. Verification failure means the delivery is rejected outright.
func (sc *StripeClient) VerifyEvent(payload []byte, signatureHeader string) (stripe.Event, error) {
	if !sc.WebhookConfigured() {
		return stripe.Event{}, ErrNotConfigured
	}
	return stripe.ConstructEvent(payload, signatureHeader, sc.webhookSecret)
}

// CreateCustomer creates the provider-side customer carrying the app user id
// as metadata for later webhook correlation.
func (sc *StripeClient) CreateCustomer(ctx context.Context, email, name, userID string) (*stripe.Customer, error) {
	if !sc.Configured() {
		return nil, ErrNotConfigured
	}
	params := &stripe.CustomerCreateParams{}
	if email != "" {
		params.Email = stripe.String(email)
	}
	if name != "" {
		params.Name = stripe.String(name)
	}
	params.AddMetadata(metaUserID, userID)
	return sc.client.V1Customers.Create(ctx, params)
}

// NewCheckoutSession starts a subscription-mode checkout for the given price,
// tagging both the session and the resulting subscription with the user id
// and plan as opaque metadata.
func (sc *StripeClient) NewCheckoutSession(ctx context.Context, customerID, priceID, userID, planID, planName string) (*stripe.CheckoutSession, error) {
	if !sc.Configured() {
		return nil, ErrNotConfigured
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(sc.successURL),
		CancelURL:         stripe.String(sc.cancelURL),
		Customer:          stripe.String(customerID),
		ClientReferenceID: stripe.String(userID),
	}
	params.AddMetadata(metaUserID, userID)
	params.AddMetadata(metaPlanID, planID)
	params.AddMetadata(metaPlanName, planName)

	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(metaUserID, userID)
	params.SubscriptionData.AddMetadata(metaPlanID, planID)

	return sc.client.V1CheckoutSessions.Create(ctx, params)
}

// GetCheckoutSession fetches a checkout session with its subscription
// expanded, for the success-redirect finalizer.
func (sc *StripeClient) GetCheckoutSession(ctx context.Context, sessionID string) (*stripe.CheckoutSession, error) {
	if !sc.Configured() {
		return nil, ErrNotConfigured
	}
	params := &stripe.CheckoutSessionRetrieveParams{}
	params.AddExpand("subscription")
	return sc.client.V1CheckoutSessions.Retrieve(ctx, sessionID, params)
}

// GetSubscription fetches the provider subscription.
func (sc *StripeClient) GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	if !sc.Configured() {
		return nil, ErrNotConfigured
	}
	return sc.client.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
}

// GetCustomer fetches the provider customer, used as a correlation fallback
// when a subscription carries no user metadata.
func (sc *StripeClient) GetCustomer(ctx context.Context, customerID string) (*stripe.Customer, error) {
	if !sc.Configured() {
		return nil, ErrNotConfigured
	}
	return sc.client.V1Customers.Retrieve(ctx, customerID, nil)
}

// GetInvoice fetches a provider invoice, used when a subscription payload
// carries only an unexpanded invoice reference.
func (sc *StripeClient) GetInvoice(ctx context.Context, invoiceID string) (*stripe.Invoice, error) {
	if !sc.Configured() {
		return nil, ErrNotConfigured
	}
	return sc.client.V1Invoices.Retrieve(ctx, invoiceID, nil)
}

// SetCancelAtPeriodEnd flips the provider-side cancellation flag. The local
// row is mirrored by the caller once the provider confirms.
func (sc *StripeClient) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*stripe.Subscription, error) {
	if !sc.Configured() {
		return nil, ErrNotConfigured
	}
	params := &stripe.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripe.Bool(cancel),
	}
	return sc.client.V1Subscriptions.Update(ctx, subscriptionID, params)
}
