package subscription

import (
	"github.com/jobtrail/jobtrail/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(service.NewService),
)
