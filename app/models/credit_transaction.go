package models

import "time"

const (
	CreditTransactionPurchase      = "purchase"
	CreditTransactionRenewal       = "renewal"
	CreditTransactionPaymentFailed = "payment_failed"
)

// CreditTransaction is an append-only log entry for every credit-affecting
// billing event. ProviderRef holds the external invoice or checkout session id
// and is the deduplication key for idempotent grants.
type CreditTransaction struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	UserID          string    `gorm:"type:varchar(36);not null;index" json:"user_id"`
	SubscriptionID  *uint     `gorm:"index" json:"subscription_id,omitempty"`
	Provider        string    `gorm:"type:varchar(20);not null;default:''" json:"provider"`
	ProviderRef     string    `gorm:"type:varchar(191);not null;default:'';index" json:"provider_ref"`
	ProviderEventID string    `gorm:"type:varchar(191);not null;default:''" json:"provider_event_id"`
	Type            string    `gorm:"type:varchar(32);not null;index" json:"type"`
	AmountPaid      int64     `gorm:"not null;default:0" json:"amount_paid"`
	CreditsGranted  int64     `gorm:"not null;default:0" json:"credits_granted"`
	CreatedAt       time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
