package escalation

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/carebill/internal/escalation/repository"
	"github.com/smallbiznis/carebill/internal/escalation/service"
)

var Module = fx.Module("escalation.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
