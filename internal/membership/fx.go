package membership

import (
	"github.com/habitloop/habitloop/internal/membership/service"
	"go.uber.org/fx"
)

var Module = fx.Module("membership.service",
	fx.Provide(service.NewService),
)
