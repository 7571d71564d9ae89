package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/tatamipay/billing/internal/config"
	policydomain "github.com/tatamipay/billing/internal/policy/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Defaults *config.PolicyHolder
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	defaults *config.PolicyHolder
}

func NewService(p Params) policydomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("policy.service"),
		genID:    p.GenID,
		defaults: p.Defaults,
	}
}

// ForTenant returns the tenant's stored policy, or the file-configured
// defaults when the tenant has never overridden them.
func (s *Service) ForTenant(ctx context.Context, tenantID snowflake.ID) (policydomain.Policy, error) {
	if tenantID == 0 {
		return policydomain.Policy{}, policydomain.ErrInvalidTenant
	}

	var stored policydomain.Policy
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		First(&stored).Error
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return policydomain.Policy{}, err
	}

	// Defaults are re-read on every call so a config reload takes effect
	// on the next scheduler pass without a restart.
	d := s.defaults.Get()
	return policydomain.Policy{
		TenantID:             tenantID,
		FinePercent:          d.FinePercent,
		DailyInterestPercent: d.DailyInterestPercent,
		DelinquencyThreshold: d.DelinquencyThreshold,
		ReminderLeadDays:     d.ReminderLeadDays,
		RemindersEnabled:     d.RemindersEnabled,
	}, nil
}

func (s *Service) Upsert(ctx context.Context, policy policydomain.Policy) (policydomain.Policy, error) {
	if policy.TenantID == 0 {
		return policydomain.Policy{}, policydomain.ErrInvalidTenant
	}
	if policy.FinePercent < 0 || policy.DailyInterestPercent < 0 {
		return policydomain.Policy{}, policydomain.ErrInvalidPolicy
	}
	if policy.DelinquencyThreshold < 1 || policy.ReminderLeadDays < 0 {
		return policydomain.Policy{}, policydomain.ErrInvalidPolicy
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing policydomain.Policy
		err := tx.Where("tenant_id = ?", policy.TenantID).First(&existing).Error
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			policy.ID = s.genID.Generate()
			return tx.Create(&policy).Error
		}

		policy.ID = existing.ID
		policy.CreatedAt = existing.CreatedAt
		return tx.Save(&policy).Error
	})
	if err != nil {
		return policydomain.Policy{}, err
	}
	return policy, nil
}
