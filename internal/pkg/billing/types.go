package billing

import (
	"errors"
	"time"
)

var (
	// ErrNotConfigured is returned when the payments provider keys are
	// absent; billing endpoints report it instead of failing hard.
	ErrNotConfigured = errors.New("billing is not configured")
	// ErrPlanNotFound marks a price/product id outside the catalog.
	// Permanent rejection, never retried.
	ErrPlanNotFound = errors.New("no such plan")
	// ErrAlreadySubscribed rejects checkout for users holding an active
	// subscription.
	ErrAlreadySubscribed = errors.New("already subscribed")
	// ErrNoSubscription is returned when an operation needs an existing
	// subscription row and none exists for the user.
	ErrNoSubscription = errors.New("no subscription")
	// ErrInvalidSignature rejects webhook deliveries whose provider
	// signature does not verify. Nothing is processed after it.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// SubscriptionUpsert is the normalized shape used when syncing external
// subscription state into the local row.
type SubscriptionUpsert struct {
	UserID                 string
	Provider               string
	ProviderSubscriptionID string
	PlanID                 string
	PlanName               string
	Status                 string
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	CancelAtPeriodEnd      bool
	CreditsAllocated       int64
}

// StatusUpdate carries the optional extra fields of a status transition.
type StatusUpdate struct {
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  *bool
	CreditsAllocated   *int64
}

// CheckoutResult is what a started checkout hands back to the client.
type CheckoutResult struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	PayloadJSON     string
	SignatureValid  bool
}
