package gateway

import (
	editorclient "github.com/publicqi/ra-multiplex/src/lspmux/gateway/editor-client"
	"go.uber.org/fx"
)

// Module provides the daemon's outbound gateways.
var Module = fx.Options(
	fx.Provide(editorclient.New),
)
