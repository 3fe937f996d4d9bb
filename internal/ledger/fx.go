package ledger

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/carebill/internal/ledger/repository"
	"github.com/smallbiznis/carebill/internal/ledger/service"
)

var Module = fx.Module("ledger.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
