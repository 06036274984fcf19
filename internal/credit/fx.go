package credit

import (
	"github.com/jobtrail/jobtrail/internal/credit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credit.service",
	fx.Provide(service.NewService),
)
