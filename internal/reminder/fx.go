package reminder

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/carebill/internal/reminder/notifier"
	"github.com/smallbiznis/carebill/internal/reminder/repository"
	"github.com/smallbiznis/carebill/internal/reminder/service"
)

var Module = fx.Module("reminder.service",
	notifier.Module,
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
