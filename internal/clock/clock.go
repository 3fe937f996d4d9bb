package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock supplies the current time. Billing code never calls time.Now directly
// so due-date arithmetic stays deterministic under test.
type Clock interface {
	Now() time.Time
}

var Module = fx.Module("clock",
	fx.Provide(func() Clock { return SystemClock{} }),
)

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
