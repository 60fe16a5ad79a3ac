package billing

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/coachly/coachly/app/models"
	"gorm.io/gorm"
)

// Service provides subscription record management and the credit ledger.
type Service struct {
	repo Repository
}

// NewService creates a billing service from an injected repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(NewRepository(db))
}

func normalizeStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case models.SubscriptionStatusActive:
		return models.SubscriptionStatusActive
	case models.SubscriptionStatusTrialing:
		return models.SubscriptionStatusTrialing
	case models.SubscriptionStatusPastDue:
		return models.SubscriptionStatusPastDue
	case models.SubscriptionStatusCanceled:
		return models.SubscriptionStatusCanceled
	default:
		return models.SubscriptionStatusIncomplete
	}
}

// validTransition encodes the status state machine:
// incomplete -> trialing|active, trialing -> active, active <-> past_due,
// any entitling state -> canceled. canceled is terminal. Re-applying the
// current status is always allowed since providers redeliver full state.
func validTransition(from, to string) bool {
	if from == to {
		return true
	}
	switch from {
	case models.SubscriptionStatusIncomplete:
		return to == models.SubscriptionStatusTrialing ||
			to == models.SubscriptionStatusActive ||
			to == models.SubscriptionStatusCanceled
	case models.SubscriptionStatusTrialing:
		return to == models.SubscriptionStatusActive ||
			to == models.SubscriptionStatusPastDue ||
			to == models.SubscriptionStatusCanceled
	case models.SubscriptionStatusActive:
		return to == models.SubscriptionStatusPastDue ||
			to == models.SubscriptionStatusCanceled
	case models.SubscriptionStatusPastDue:
		return to == models.SubscriptionStatusActive ||
			to == models.SubscriptionStatusCanceled
	case models.SubscriptionStatusCanceled:
		return false
	default:
		return true
	}
}

// UpsertSubscription writes the single canonical subscription row for a user.
// Transitions that violate the state machine are logged and still applied:
// the provider's view of the subscription is authoritative.
func (s *Service) UpsertSubscription(ctx context.Context, in SubscriptionUpsert) (*models.Subscription, error) {
	_ = ctx
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if in.UserID == "" || provider == "" || strings.TrimSpace(in.ProviderSubscriptionID) == "" {
		return nil, errors.New("user_id, provider and provider_subscription_id are required")
	}

	status := normalizeStatus(in.Status)
	if existing, err := s.repo.GetSubscriptionByUser(in.UserID); err == nil {
		if !validTransition(existing.Status, status) {
			log.Printf("billing: unexpected status transition %s -> %s for subscription %s (user %s)",
				existing.Status, status, in.ProviderSubscriptionID, in.UserID)
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	sub := &models.Subscription{
		UserID:                 in.UserID,
		Provider:               provider,
		ProviderSubscriptionID: strings.TrimSpace(in.ProviderSubscriptionID),
		PlanID:                 strings.TrimSpace(in.PlanID),
		PlanName:               strings.TrimSpace(in.PlanName),
		Status:                 status,
		CurrentPeriodStart:     in.CurrentPeriodStart,
		CurrentPeriodEnd:       in.CurrentPeriodEnd,
		CancelAtPeriodEnd:      in.CancelAtPeriodEnd,
		CreditsAllocated:       in.CreditsAllocated,
	}
	if err := s.repo.UpsertSubscription(sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// SetStatus transitions the status (and optional period/cancel fields) of the
// row identified by provider subscription id. Missing rows are logged and
// swallowed: webhook delivery order relative to checkout completion is not
// guaranteed, so a status event may legitimately arrive before the row.
func (s *Service) SetStatus(ctx context.Context, provider, providerSubscriptionID, status string, extra *StatusUpdate) error {
	_ = ctx
	provider = strings.ToLower(strings.TrimSpace(provider))
	subID := strings.TrimSpace(providerSubscriptionID)
	if provider == "" || subID == "" {
		return errors.New("provider and provider_subscription_id are required")
	}

	status = normalizeStatus(status)
	if existing, err := s.repo.GetSubscriptionByProviderID(provider, subID); err == nil {
		if !validTransition(existing.Status, status) {
			log.Printf("billing: unexpected status transition %s -> %s for subscription %s",
				existing.Status, status, subID)
		}
	}

	updates := map[string]interface{}{"status": status}
	if extra != nil {
		if extra.CurrentPeriodStart != nil {
			updates["current_period_start"] = extra.CurrentPeriodStart
		}
		if extra.CurrentPeriodEnd != nil {
			updates["current_period_end"] = extra.CurrentPeriodEnd
		}
		if extra.CancelAtPeriodEnd != nil {
			updates["cancel_at_period_end"] = *extra.CancelAtPeriodEnd
		}
		if extra.CreditsAllocated != nil {
			updates["credits_allocated"] = *extra.CreditsAllocated
		}
	}

	affected, err := s.repo.UpdateSubscriptionByProviderID(provider, subID, updates)
	if err != nil {
		return err
	}
	if affected == 0 {
		log.Printf("billing: status update %q for unknown subscription %s dropped", status, subID)
	}
	return nil
}

// MarkCanceled sets the terminal canceled status.
func (s *Service) MarkCanceled(ctx context.Context, provider, providerSubscriptionID string) error {
	return s.SetStatus(ctx, provider, providerSubscriptionID, models.SubscriptionStatusCanceled, nil)
}

// GrantCredits atomically increments the user's remaining balance and appends
// a ledger transaction. credits may be zero; payment failures are logged this
// way without touching the balance.
func (s *Service) GrantCredits(
	ctx context.Context,
	userID string,
	credits, amountPaid int64,
	txType, provider, providerRef, providerEventID string,
	subscriptionID *uint,
) error {
	_ = ctx
	if userID == "" {
		return errors.New("user_id is required")
	}

	if credits != 0 {
		affected, err := s.repo.IncrementCredits(userID, credits)
		if err != nil {
			return err
		}
		if affected == 0 {
			log.Printf("billing: credit grant of %d for user %s without subscription row", credits, userID)
		}
	}

	return s.repo.CreateTransaction(&models.CreditTransaction{
		UserID:          userID,
		SubscriptionID:  subscriptionID,
		Provider:        strings.ToLower(strings.TrimSpace(provider)),
		ProviderRef:     strings.TrimSpace(providerRef),
		ProviderEventID: strings.TrimSpace(providerEventID),
		Type:            txType,
		AmountPaid:      amountPaid,
		CreditsGranted:  credits,
	})
}

// Balance returns the user's remaining credits, clamped at zero. A stored
// negative balance (over-deduction by session usage) is never surfaced.
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	_ = ctx
	sub, err := s.repo.GetSubscriptionByUser(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	if sub.CreditsRemaining < 0 {
		return 0, nil
	}
	return sub.CreditsRemaining, nil
}

// CurrentSubscription returns the user's subscription row or ErrNoSubscription.
func (s *Service) CurrentSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	_ = ctx
	sub, err := s.repo.GetSubscriptionByUser(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoSubscription
		}
		return nil, err
	}
	return sub, nil
}

// SubscriptionByProviderID returns the row carrying the given provider
// subscription id, or ErrNoSubscription.
func (s *Service) SubscriptionByProviderID(ctx context.Context, provider, providerSubscriptionID string) (*models.Subscription, error) {
	_ = ctx
	sub, err := s.repo.GetSubscriptionByProviderID(strings.ToLower(strings.TrimSpace(provider)), strings.TrimSpace(providerSubscriptionID))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoSubscription
		}
		return nil, err
	}
	return sub, nil
}

// Transactions lists the user's credit history, newest first.
func (s *Service) Transactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	_ = ctx
	return s.repo.ListTransactionsByUser(userID, limit)
}

// EnsureBillingCustomer returns the user's billing-customer link, creating it
// via the provided factory on first use. The factory performs the external
// customer creation and returns the provider customer id.
func (s *Service) EnsureBillingCustomer(
	ctx context.Context,
	userID, email string,
	create func(context.Context) (string, error),
) (*models.BillingCustomer, error) {
	bc, err := s.repo.GetBillingCustomerByUser(userID)
	if err == nil {
		return bc, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	providerCustomerID, err := create(ctx)
	if err != nil {
		return nil, err
	}

	bc = &models.BillingCustomer{
		UserID:             userID,
		Provider:           models.BillingProviderStripe,
		ProviderCustomerID: providerCustomerID,
		Email:              strings.TrimSpace(email),
	}
	if err := s.repo.UpsertBillingCustomer(bc); err != nil {
		return nil, err
	}
	return bc, nil
}

// ResolveUserByCustomerID maps a provider customer id back to the app user.
func (s *Service) ResolveUserByCustomerID(ctx context.Context, provider, providerCustomerID string) (string, error) {
	_ = ctx
	bc, err := s.repo.GetBillingCustomerByProviderID(strings.ToLower(strings.TrimSpace(provider)), strings.TrimSpace(providerCustomerID))
	if err != nil {
		return "", err
	}
	return bc.UserID, nil
}

// RecordWebhookEvent persists webhook payloads idempotently. The returned
// bool is false when the event id was seen before.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.BillingWebhookEvent, error) {
	_ = ctx
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		return false, nil, errors.New("provider_event_id is required")
	}

	event := &models.BillingWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		PayloadJSON:     in.PayloadJSON,
		SignatureValid:  in.SignatureValid,
	}
	return s.repo.CreateWebhookEventIfNotExists(event)
}

// MarkWebhookProcessed marks an event as processed and stores an optional error.
func (s *Service) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr error) error {
	_ = ctx
	if webhookEventID == 0 {
		return errors.New("webhook_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkWebhookProcessed(webhookEventID, errMsg)
}

// HasTransactionForRef reports whether a grant keyed by the given provider
// reference (invoice or checkout session id) was already applied.
func (s *Service) HasTransactionForRef(ctx context.Context, provider, providerRef string) (bool, error) {
	_ = ctx
	return s.repo.HasTransactionForRef(strings.ToLower(strings.TrimSpace(provider)), strings.TrimSpace(providerRef))
}
