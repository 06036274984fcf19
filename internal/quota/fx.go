package quota

import (
	"github.com/jobtrail/jobtrail/internal/quota/service"
	"go.uber.org/fx"
)

var Module = fx.Module("quota.service",
	fx.Provide(service.NewService),
)
