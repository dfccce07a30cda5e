package scheduler

import (
	"context"

	"go.uber.org/fx"
)

// Module wires the scheduler and starts its run loop with the app.
var Module = fx.Module("scheduler",
	fx.Provide(NewScheduler),
	fx.Invoke(registerRunLoop),
)

func registerRunLoop(lc fx.Lifecycle, s *Scheduler) {
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				defer close(done)
				s.RunForever(loopCtx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
			}
			return nil
		},
	})
}
