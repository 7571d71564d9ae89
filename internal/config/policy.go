package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PolicyDefaults are the collection rules applied to tenants that have no
// row of their own in billing_policies.
type PolicyDefaults struct {
	FinePercent          float64 `mapstructure:"finePercent"`
	DailyInterestPercent float64 `mapstructure:"dailyInterestPercent"`
	DelinquencyThreshold int     `mapstructure:"delinquencyThreshold"`
	ReminderLeadDays     int     `mapstructure:"reminderLeadDays"`
	RemindersEnabled     bool    `mapstructure:"remindersEnabled"`
}

func DefaultPolicy() PolicyDefaults {
	return PolicyDefaults{
		FinePercent:          2.0,
		DailyInterestPercent: 0.033,
		DelinquencyThreshold: 2,
		ReminderLeadDays:     3,
		RemindersEnabled:     true,
	}
}

// PolicyHolder exposes the current policy defaults and keeps them fresh
// when the backing YAML file changes on disk.
type PolicyHolder struct {
	current atomic.Value // holds PolicyDefaults
}

func NewPolicyHolder() (*PolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("policy")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/billing/config")
	v.AddConfigPath("/etc/billing")
	v.AddConfigPath(".")

	v.SetEnvPrefix("BILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPolicy()
	v.SetDefault("policy.finePercent", defaults.FinePercent)
	v.SetDefault("policy.dailyInterestPercent", defaults.DailyInterestPercent)
	v.SetDefault("policy.delinquencyThreshold", defaults.DelinquencyThreshold)
	v.SetDefault("policy.reminderLeadDays", defaults.ReminderLeadDays)
	v.SetDefault("policy.remindersEnabled", defaults.RemindersEnabled)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg PolicyDefaults
	if err := v.UnmarshalKey("policy", &cfg); err != nil {
		return nil, err
	}
	if err := validatePolicy(cfg); err != nil {
		return nil, err
	}

	holder := &PolicyHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PolicyDefaults
		if err := v.UnmarshalKey("policy", &updated); err != nil {
			log.Printf("[policy-config] reload failed: %v", err)
			return
		}
		if err := validatePolicy(updated); err != nil {
			log.Printf("[policy-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[policy-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PolicyHolder) Get() PolicyDefaults {
	return h.current.Load().(PolicyDefaults)
}

func validatePolicy(cfg PolicyDefaults) error {
	if cfg.FinePercent < 0 || cfg.DailyInterestPercent < 0 {
		return errors.New("policy percentages cannot be negative")
	}
	if cfg.DelinquencyThreshold < 1 {
		return errors.New("policy.delinquencyThreshold must be at least 1")
	}
	if cfg.ReminderLeadDays < 0 {
		return errors.New("policy.reminderLeadDays cannot be negative")
	}
	return nil
}
