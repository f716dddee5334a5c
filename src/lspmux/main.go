package main

import (
	"github.com/publicqi/ra-multiplex/src/lspmux/app"
	"go.uber.org/fx"
)

func opts() fx.Option {
	return fx.Options(
		app.Module,
	)
}

func main() {
	fx.New(opts()).Run()
}
