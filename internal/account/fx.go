package account

import (
	"github.com/jobtrail/jobtrail/internal/account/service"
	"go.uber.org/fx"
)

var Module = fx.Module("account.service",
	fx.Provide(service.NewService),
)
