package handler

import (
	controller "github.com/publicqi/ra-multiplex/src/lspmux/controller"
	lspmuxctrl "github.com/publicqi/ra-multiplex/src/lspmux/controller/lspmux"
	handler "github.com/publicqi/ra-multiplex/src/lspmux/handler/lspmux"
	"github.com/publicqi/ra-multiplex/src/lspmux/repository/registry"
	"go.uber.org/fx"
)

// Module provides the lspmux daemon's inbound handling into an Fx application.
var Module = fx.Options(
	controller.Module,
	fx.Provide(registry.New),
	fx.Provide(handler.New),
	fx.Invoke(func(h handler.Handler) {}),
	fx.Invoke(func(c lspmuxctrl.Controller) {}),
)
