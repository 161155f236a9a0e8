package monitor

import (
	"context"

	"github.com/smallbiznis/sessionbill/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("monitor",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(StartMonitor),
)

// StartMonitor runs the sweep loop for the lifetime of the app unless disabled.
func StartMonitor(lc fx.Lifecycle, cfg config.Config, m *Monitor, log *zap.Logger) {
	if !cfg.Monitor.Enabled {
		log.Info("session monitor disabled")
		return
	}

	var (
		cancel context.CancelFunc
		done   = make(chan struct{})
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go func() {
				defer close(done)
				m.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
