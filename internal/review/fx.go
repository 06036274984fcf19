package review

import (
	"github.com/jobtrail/jobtrail/internal/review/service"
	"go.uber.org/fx"
)

var Module = fx.Module("review.service",
	fx.Provide(service.NewService),
)
