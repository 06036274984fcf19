package migration

import (
	accountdomain "github.com/jobtrail/jobtrail/internal/account/domain"
	billingeventdomain "github.com/jobtrail/jobtrail/internal/billingevent/domain"
	"github.com/jobtrail/jobtrail/internal/config"
	creditdomain "github.com/jobtrail/jobtrail/internal/credit/domain"
	quotadomain "github.com/jobtrail/jobtrail/internal/quota/domain"
	subscriptiondomain "github.com/jobtrail/jobtrail/internal/subscription/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// sqlite deployments (local scratch) lack the SQL migration
			// driver, so build the schema from the models instead.
			return conn.AutoMigrate(
				&accountdomain.Account{},
				&creditdomain.Balance{},
				&creditdomain.Reservation{},
				&creditdomain.Transaction{},
				&quotadomain.DailyUsageCounter{},
				&billingeventdomain.ProcessedEvent{},
				&subscriptiondomain.Subscription{},
			)
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
