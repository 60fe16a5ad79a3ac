package billing

import (
	"context"
	"errors"
	"time"

	"github.com/stripe/stripe-go/v83"
	"gorm.io/gorm"

	"github.com/coachly/coachly/app/models"
)

// fakeRepo is an in-memory Repository mirroring the gorm implementation's
// semantics: upserts keyed by user id, relative credit increments, webhook
// insert-if-absent.
type fakeRepo struct {
	subs      map[string]*models.Subscription
	txs       []models.CreditTransaction
	customers map[string]*models.BillingCustomer
	events    map[string]*models.BillingWebhookEvent
	nextID    uint
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		subs:      make(map[string]*models.Subscription),
		customers: make(map[string]*models.BillingCustomer),
		events:    make(map[string]*models.BillingWebhookEvent),
	}
}

func (f *fakeRepo) UpsertSubscription(sub *models.Subscription) error {
	if existing, ok := f.subs[sub.UserID]; ok {
		sub.ID = existing.ID
		sub.CreditsRemaining = existing.CreditsRemaining
		sub.CreatedAt = existing.CreatedAt
	} else {
		f.nextID++
		sub.ID = f.nextID
		sub.CreatedAt = time.Now()
	}
	sub.UpdatedAt = time.Now()
	cp := *sub
	f.subs[sub.UserID] = &cp
	return nil
}

func (f *fakeRepo) GetSubscriptionByUser(userID string) (*models.Subscription, error) {
	if sub, ok := f.subs[userID]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepo) GetSubscriptionByProviderID(provider, providerSubscriptionID string) (*models.Subscription, error) {
	for _, sub := range f.subs {
		if sub.Provider == provider && sub.ProviderSubscriptionID == providerSubscriptionID {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepo) UpdateSubscriptionByProviderID(provider, providerSubscriptionID string, updates map[string]interface{}) (int64, error) {
	for _, sub := range f.subs {
		if sub.Provider != provider || sub.ProviderSubscriptionID != providerSubscriptionID {
			continue
		}
		if v, ok := updates["status"]; ok {
			sub.Status = v.(string)
		}
		if v, ok := updates["current_period_start"]; ok {
			sub.CurrentPeriodStart = v.(*time.Time)
		}
		if v, ok := updates["current_period_end"]; ok {
			sub.CurrentPeriodEnd = v.(*time.Time)
		}
		if v, ok := updates["cancel_at_period_end"]; ok {
			sub.CancelAtPeriodEnd = v.(bool)
		}
		if v, ok := updates["credits_allocated"]; ok {
			sub.CreditsAllocated = v.(int64)
		}
		sub.UpdatedAt = time.Now()
		return 1, nil
	}
	return 0, nil
}

func (f *fakeRepo) IncrementCredits(userID string, delta int64) (int64, error) {
	if sub, ok := f.subs[userID]; ok {
		sub.CreditsRemaining += delta
		return 1, nil
	}
	return 0, nil
}

func (f *fakeRepo) CreateTransaction(tx *models.CreditTransaction) error {
	f.nextID++
	tx.ID = f.nextID
	tx.CreatedAt = time.Now()
	f.txs = append(f.txs, *tx)
	return nil
}

func (f *fakeRepo) ListTransactionsByUser(userID string, limit int) ([]models.CreditTransaction, error) {
	var out []models.CreditTransaction
	for i := len(f.txs) - 1; i >= 0; i-- {
		if f.txs[i].UserID != userID {
			continue
		}
		out = append(out, f.txs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRepo) HasTransactionForRef(provider, providerRef string) (bool, error) {
	for _, tx := range f.txs {
		if tx.Provider == provider && tx.ProviderRef == providerRef {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRepo) UpsertBillingCustomer(bc *models.BillingCustomer) error {
	if existing, ok := f.customers[bc.UserID]; ok {
		bc.ID = existing.ID
	} else {
		f.nextID++
		bc.ID = f.nextID
	}
	cp := *bc
	f.customers[bc.UserID] = &cp
	return nil
}

func (f *fakeRepo) GetBillingCustomerByUser(userID string) (*models.BillingCustomer, error) {
	if bc, ok := f.customers[userID]; ok {
		cp := *bc
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepo) GetBillingCustomerByProviderID(provider, providerCustomerID string) (*models.BillingCustomer, error) {
	for _, bc := range f.customers {
		if bc.Provider == provider && bc.ProviderCustomerID == providerCustomerID {
			cp := *bc
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepo) CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	key := event.Provider + "|" + event.ProviderEventID
	if existing, ok := f.events[key]; ok {
		cp := *existing
		return false, &cp, nil
	}
	f.nextID++
	event.ID = f.nextID
	event.CreatedAt = time.Now()
	cp := *event
	f.events[key] = &cp
	stored := cp
	return true, &stored, nil
}

func (f *fakeRepo) MarkWebhookProcessed(id uint, processingError string) error {
	for _, event := range f.events {
		if event.ID == id {
			now := time.Now()
			event.ProcessedAt = &now
			event.ProcessingError = processingError
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (f *fakeRepo) transactionsOfType(txType string) []models.CreditTransaction {
	var out []models.CreditTransaction
	for _, tx := range f.txs {
		if tx.Type == txType {
			out = append(out, tx)
		}
	}
	return out
}

// fakePayments stands in for the Stripe wrapper.
type fakePayments struct {
	configured bool

	customersCreated int
	sessionsCreated  int
	cancelCalls      []bool

	session         *stripe.CheckoutSession
	subs            map[string]*stripe.Subscription
	invoices        map[string]*stripe.Invoice
	stripeCustomers map[string]*stripe.Customer
}

func newFakePayments() *fakePayments {
	return &fakePayments{
		configured:      true,
		subs:            make(map[string]*stripe.Subscription),
		invoices:        make(map[string]*stripe.Invoice),
		stripeCustomers: make(map[string]*stripe.Customer),
	}
}

func (f *fakePayments) Configured() bool { return f.configured }

func (f *fakePayments) CreateCustomer(ctx context.Context, email, name, userID string) (*stripe.Customer, error) {
	if !f.configured {
		return nil, ErrNotConfigured
	}
	f.customersCreated++
	cust := &stripe.Customer{ID: "cus_fake_" + userID, Email: email, Metadata: map[string]string{"user_id": userID}}
	f.stripeCustomers[cust.ID] = cust
	return cust, nil
}

func (f *fakePayments) NewCheckoutSession(ctx context.Context, customerID, priceID, userID, planID, planName string) (*stripe.CheckoutSession, error) {
	if !f.configured {
		return nil, ErrNotConfigured
	}
	f.sessionsCreated++
	return &stripe.CheckoutSession{ID: "cs_fake_1", URL: "https://checkout.test/cs_fake_1"}, nil
}

func (f *fakePayments) GetCheckoutSession(ctx context.Context, sessionID string) (*stripe.CheckoutSession, error) {
	if f.session == nil || f.session.ID != sessionID {
		return nil, errors.New("no such session")
	}
	return f.session, nil
}

func (f *fakePayments) GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	if sub, ok := f.subs[subscriptionID]; ok {
		return sub, nil
	}
	return nil, errors.New("no such subscription")
}

func (f *fakePayments) GetCustomer(ctx context.Context, customerID string) (*stripe.Customer, error) {
	if cust, ok := f.stripeCustomers[customerID]; ok {
		return cust, nil
	}
	return nil, errors.New("no such customer")
}

func (f *fakePayments) GetInvoice(ctx context.Context, invoiceID string) (*stripe.Invoice, error) {
	if inv, ok := f.invoices[invoiceID]; ok {
		return inv, nil
	}
	return nil, errors.New("no such invoice")
}

func (f *fakePayments) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*stripe.Subscription, error) {
	if !f.configured {
		return nil, ErrNotConfigured
	}
	f.cancelCalls = append(f.cancelCalls, cancel)
	return &stripe.Subscription{ID: subscriptionID, CancelAtPeriodEnd: cancel}, nil
}

// fakeVerifier returns a preloaded event instead of checking a signature.
type fakeVerifier struct {
	configured bool
	event      stripe.Event
	err        error
}

func (f *fakeVerifier) WebhookConfigured() bool { return f.configured }

func (f *fakeVerifier) VerifyEvent(payload []byte, signatureHeader string) (stripe.Event, error) {
	if f.err != nil {
		return stripe.Event{}, f.err
	}
	return f.event, nil
}
