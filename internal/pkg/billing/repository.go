package billing

import (
	"time"

	"github.com/coachly/coachly/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by the billing service.
type Repository interface {
	UpsertSubscription(sub *models.Subscription) error
	GetSubscriptionByUser(userID string) (*models.Subscription, error)
	GetSubscriptionByProviderID(provider, providerSubscriptionID string) (*models.Subscription, error)
	UpdateSubscriptionByProviderID(provider, providerSubscriptionID string, updates map[string]interface{}) (int64, error)
	IncrementCredits(userID string, delta int64) (int64, error)
	CreateTransaction(tx *models.CreditTransaction) error
	ListTransactionsByUser(userID string, limit int) ([]models.CreditTransaction, error)
	HasTransactionForRef(provider, providerRef string) (bool, error)
	UpsertBillingCustomer(bc *models.BillingCustomer) error
	GetBillingCustomerByUser(userID string) (*models.BillingCustomer, error)
	GetBillingCustomerByProviderID(provider, providerCustomerID string) (*models.BillingCustomer, error)
	CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	MarkWebhookProcessed(id uint, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

// UpsertSubscription inserts or replaces the subscription row keyed by user
// id. The provider subscription id stays reachable through its own unique
// index, so webhook routes addressing either key write to the same row.
func (r *gormRepository) UpsertSubscription(sub *models.Subscription) error {
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "user_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"provider",
			"provider_subscription_id",
			"plan_id",
			"plan_name",
			"status",
			"current_period_start",
			"current_period_end",
			"cancel_at_period_end",
			"credits_allocated",
			"updated_at",
		}),
	}).Create(sub).Error; err != nil {
		return err
	}

	// Ensure ID and credit fields are populated after upsert.
	return r.db.Where("user_id = ?", sub.UserID).First(sub).Error
}

func (r *gormRepository) GetSubscriptionByUser(userID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("user_id = ?", userID).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) GetSubscriptionByProviderID(provider, providerSubscriptionID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("provider = ? AND provider_subscription_id = ?", provider, providerSubscriptionID).
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) UpdateSubscriptionByProviderID(provider, providerSubscriptionID string, updates map[string]interface{}) (int64, error) {
	tx := r.db.Model(&models.Subscription{}).
		Where("provider = ? AND provider_subscription_id = ?", provider, providerSubscriptionID).
		Updates(updates)
	return tx.RowsAffected, tx.Error
}

// IncrementCredits applies an atomic relative update to the user's remaining
// balance. No read-modify-write: concurrent deliveries cannot lose an
// increment.
func (r *gormRepository) IncrementCredits(userID string, delta int64) (int64, error) {
	tx := r.db.Model(&models.Subscription{}).
		Where("user_id = ?", userID).
		UpdateColumn("credits_remaining", gorm.Expr("credits_remaining + ?", delta))
	return tx.RowsAffected, tx.Error
}

func (r *gormRepository) CreateTransaction(tx *models.CreditTransaction) error {
	return r.db.Create(tx).Error
}

func (r *gormRepository) ListTransactionsByUser(userID string, limit int) ([]models.CreditTransaction, error) {
	var txs []models.CreditTransaction
	q := r.db.Where("user_id = ?", userID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&txs).Error
	return txs, err
}

func (r *gormRepository) HasTransactionForRef(provider, providerRef string) (bool, error) {
	var count int64
	err := r.db.Model(&models.CreditTransaction{}).
		Where("provider = ? AND provider_ref = ?", provider, providerRef).
		Count(&count).Error
	return count > 0, err
}

func (r *gormRepository) UpsertBillingCustomer(bc *models.BillingCustomer) error {
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "user_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"provider",
			"provider_customer_id",
			"email",
			"updated_at",
		}),
	}).Create(bc).Error; err != nil {
		return err
	}

	return r.db.Where("user_id = ?", bc.UserID).First(bc).Error
}

func (r *gormRepository) GetBillingCustomerByUser(userID string) (*models.BillingCustomer, error) {
	var bc models.BillingCustomer
	err := r.db.Where("user_id = ?", userID).First(&bc).Error
	if err != nil {
		return nil, err
	}
	return &bc, nil
}

func (r *gormRepository) GetBillingCustomerByProviderID(provider, providerCustomerID string) (*models.BillingCustomer, error) {
	var bc models.BillingCustomer
	err := r.db.Where("provider = ? AND provider_customer_id = ?", provider, providerCustomerID).
		First(&bc).Error
	if err != nil {
		return nil, err
	}
	return &bc, nil
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.BillingWebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
