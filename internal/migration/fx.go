package migration

import (
	"github.com/tatamipay/billing/internal/config"
	invoicedomain "github.com/tatamipay/billing/internal/invoice/domain"
	policydomain "github.com/tatamipay/billing/internal/policy/domain"
	reconcilerdomain "github.com/tatamipay/billing/internal/reconciler/domain"
	subscriptiondomain "github.com/tatamipay/billing/internal/subscription/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		// Versioned SQL migrations target postgres. Other dialects are for
		// development only and get their schema from the models directly.
		if cfg.DBType != "postgres" {
			return conn.AutoMigrate(
				&invoicedomain.Invoice{},
				&invoicedomain.Transaction{},
				&subscriptiondomain.Subscription{},
				&policydomain.Policy{},
				&reconcilerdomain.EventRecord{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
