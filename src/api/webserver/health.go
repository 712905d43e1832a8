package webserver

import (
	"context"
	"errors"
	"time"

	"github.com/heptiolabs/healthcheck"
)

const pingTimeout = 2 * time.Second

func newHealth(deps Deps) healthcheck.Handler {
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(5000))

	if deps.Ping != nil {
		health.AddReadinessCheck("database", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
			defer cancel()
			return deps.Ping(ctx)
		})
	}
	if deps.Ready != nil {
		health.AddReadinessCheck("recovery", func() error {
			if !deps.Ready() {
				return errors.New("recovery has not finished")
			}
			return nil
		})
	}
	return health
}
