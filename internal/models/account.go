package models

import "time"

// Auto-reload defaults applied when an account row leaves them unset (cents)
const (
	DefaultAutoReloadAmount    int64 = 2500
	DefaultAutoReloadThreshold int64 = 500
)

// Account is the prepaid wallet of a client or the earnings wallet of a provider.
// Balance is in the smallest currency unit and is never written negative.
type Account struct {
	ID                  string    `db:"id" json:"id"`
	Balance             int64     `db:"balance" json:"balance"`
	AutoReloadEnabled   bool      `db:"auto_reload_enabled" json:"auto_reload_enabled"`
	AutoReloadAmount    int64     `db:"auto_reload_amount" json:"auto_reload_amount"`
	AutoReloadThreshold int64     `db:"auto_reload_threshold" json:"auto_reload_threshold"`
	PaymentCustomerID   string    `db:"payment_customer_id" json:"payment_customer_id,omitempty"`
	PaymentMethodID     string    `db:"payment_method_id" json:"payment_method_id,omitempty"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time `db:"updated_at" json:"updated_at"`
}

// ApplyDefaults fills in auto-reload settings left at zero
func (a *Account) ApplyDefaults() {
	if a.AutoReloadAmount <= 0 {
		a.AutoReloadAmount = DefaultAutoReloadAmount
	}
	if a.AutoReloadThreshold <= 0 {
		a.AutoReloadThreshold = DefaultAutoReloadThreshold
	}
}

// BelowReloadThreshold reports whether the given balance should trigger an auto-reload
func (a *Account) BelowReloadThreshold(balance int64) bool {
	return a.AutoReloadEnabled && balance <= a.AutoReloadThreshold
}
