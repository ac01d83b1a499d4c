package audit

import (
	"github.com/habitloop/habitloop/internal/audit/repository"
	"github.com/habitloop/habitloop/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
