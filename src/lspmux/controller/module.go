package controller

import (
	lspmux "github.com/publicqi/ra-multiplex/src/lspmux/controller/lspmux"
	"go.uber.org/fx"
)

// Module provides the multiplexing controller into an Fx application.
var Module = fx.Options(
	fx.Provide(lspmux.New),
)
