package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// BillingConfig is the operational billing policy. It is hot-reloadable so
// operators can tune retry cadence or approval thresholds without a restart.
type BillingConfig struct {
	// RetryBackoffDays is the wait, in days, before each payment retry.
	// Index 0 applies after the first failure. A retry count beyond the
	// schedule reuses the last entry.
	RetryBackoffDays []int `mapstructure:"retryBackoffDays"`

	// MaxRetryAttempts caps failed billing attempts before cancellation.
	MaxRetryAttempts int `mapstructure:"maxRetryAttempts"`

	// InvoiceDueDays is the payment term applied at issue time.
	InvoiceDueDays int `mapstructure:"invoiceDueDays"`

	// RateFreshnessHours is the window beyond which a matched exchange
	// rate is logged as stale.
	RateFreshnessHours int `mapstructure:"rateFreshnessHours"`

	// RefundApprovalThreshold is the net loss, in base currency, above
	// which a refund is held for manual approval.
	RefundApprovalThreshold float64 `mapstructure:"refundApprovalThreshold"`

	// PendingReconcileMinutes is how long a transaction may stay Pending
	// before the reconciliation sweep re-queries it.
	PendingReconcileMinutes int `mapstructure:"pendingReconcileMinutes"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		RetryBackoffDays:        []int{1, 3, 7},
		MaxRetryAttempts:        3,
		InvoiceDueDays:          14,
		RateFreshnessHours:      24,
		RefundApprovalThreshold: 50,
		PendingReconcileMinutes: 30,
	}
}

// Backoff returns the wait before the next attempt given the number of
// failures so far.
func (c BillingConfig) Backoff(retryCount int) time.Duration {
	if len(c.RetryBackoffDays) == 0 {
		return 24 * time.Hour
	}
	idx := retryCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(c.RetryBackoffDays) {
		idx = len(c.RetryBackoffDays) - 1
	}
	return time.Duration(c.RetryBackoffDays[idx]) * 24 * time.Hour
}

// ApprovalThreshold returns the refund approval threshold as a decimal.
func (c BillingConfig) ApprovalThreshold() decimal.Decimal {
	return decimal.NewFromFloat(c.RefundApprovalThreshold)
}

// RateFreshness returns the stale-rate window.
func (c BillingConfig) RateFreshness() time.Duration {
	return time.Duration(c.RateFreshnessHours) * time.Hour
}

// PendingReconcileAfter returns the stale-pending window.
func (c BillingConfig) PendingReconcileAfter() time.Duration {
	return time.Duration(c.PendingReconcileMinutes) * time.Minute
}

// BillingConfigHolder exposes the current BillingConfig and swaps it
// atomically on file change.
type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/revara/config")
	v.AddConfigPath("/etc/revara")
	v.AddConfigPath(".")

	v.SetEnvPrefix("REVARA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	v.SetDefault("billing.retryBackoffDays", defaults.RetryBackoffDays)
	v.SetDefault("billing.maxRetryAttempts", defaults.MaxRetryAttempts)
	v.SetDefault("billing.invoiceDueDays", defaults.InvoiceDueDays)
	v.SetDefault("billing.rateFreshnessHours", defaults.RateFreshnessHours)
	v.SetDefault("billing.refundApprovalThreshold", defaults.RefundApprovalThreshold)
	v.SetDefault("billing.pendingReconcileMinutes", defaults.PendingReconcileMinutes)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticBillingConfigHolder wraps a fixed config, used by tests.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

// Current returns the active billing configuration.
func (h *BillingConfigHolder) Current() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.MaxRetryAttempts < 1 {
		return errors.New("billing: maxRetryAttempts must be >= 1")
	}
	if cfg.InvoiceDueDays < 0 {
		return errors.New("billing: invoiceDueDays must be >= 0")
	}
	for _, days := range cfg.RetryBackoffDays {
		if days < 1 {
			return errors.New("billing: retryBackoffDays entries must be >= 1")
		}
	}
	if cfg.RefundApprovalThreshold < 0 {
		return errors.New("billing: refundApprovalThreshold must be >= 0")
	}
	return nil
}
