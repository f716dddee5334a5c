package app

import (
	"context"
	"time"

	"github.com/publicqi/ra-multiplex/src/lspmux/entity"
	"github.com/publicqi/ra-multiplex/src/lspmux/gateway"
	"github.com/publicqi/ra-multiplex/src/lspmux/handler"
	"github.com/publicqi/ra-multiplex/src/lspmux/internal/clock"
	"github.com/publicqi/ra-multiplex/src/lspmux/internal/core"
	"github.com/publicqi/ra-multiplex/src/lspmux/internal/executor"
	"github.com/publicqi/ra-multiplex/src/lspmux/internal/jsonrpcfx"
	"github.com/publicqi/ra-multiplex/src/lspmux/internal/serverinfofile"
	tally "github.com/uber-go/tally/v4"
	"go.uber.org/fx"
)

// Module defines the lspmux daemon application module.
var Module = fx.Options(
	gateway.Module, // outbounds
	handler.Module, // inbounds
	jsonrpcfx.Module,
	executor.Module,
	clock.Module,
	serverinfofile.Module,
	core.ConfigModule,
	core.LoggerModule,
	fx.Provide(func(lc fx.Lifecycle) tally.Scope {
		rs, closer := tally.NewRootScope(tally.ScopeOptions{
			Tags: map[string]string{
				"service": "lspmux-daemon",
			},
		}, 1*time.Second)

		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return closer.Close()
			},
		})

		return rs
	}),
	fx.Invoke(writeVersionInfo),
)

// writeVersionInfo records the daemon's protocol version alongside its
// connection info, so clients can check compatibility before dialing.
func writeVersionInfo(info serverinfofile.ServerInfoFile) error {
	return info.UpdateField("version", entity.ProxyVersion)
}
