// Package lspmux wires editor connections into the multiplexing controller.
package lspmux

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid"
	controller "github.com/publicqi/ra-multiplex/src/lspmux/controller/lspmux"
	"github.com/publicqi/ra-multiplex/src/lspmux/entity"
	editorclient "github.com/publicqi/ra-multiplex/src/lspmux/gateway/editor-client"
	"github.com/publicqi/ra-multiplex/src/lspmux/internal/jsonrpcfx"
	tally "github.com/uber-go/tally/v4"
	"go.lsp.dev/jsonrpc2"
)

// Handler owns the daemon's inbound connection management.
type Handler interface {
	ConnectionManager() jsonrpcfx.ConnectionManager
}

type handler struct {
	connectionManager jsonrpcfx.ConnectionManager
}

// New constructs a new Handler and registers its connection manager with the
// JSON-RPC inbound.
func New(ctrl controller.Controller, jsonrpcmod jsonrpcfx.JSONRPCModule, editors editorclient.Gateway, stats tally.Scope) (Handler, error) {
	c := muxConnectionManager{
		ctrl:    ctrl,
		editors: editors,
		stats:   stats.SubScope("json_rpc"),
	}
	if err := jsonrpcmod.RegisterConnectionManager(&c); err != nil {
		return nil, err
	}

	return &handler{connectionManager: &c}, nil
}

func (h *handler) ConnectionManager() jsonrpcfx.ConnectionManager {
	return h.connectionManager
}

type muxConnectionManager struct {
	ctrl    controller.Controller
	editors editorclient.Gateway
	stats   tally.Scope
}

// NewConnection assigns the connection a UUID, registers its outbound queue,
// and returns a router carrying that identity.
func (c *muxConnectionManager) NewConnection(ctx context.Context, stream jsonrpc2.Stream) (jsonrpcfx.Router, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("error while creating new connection: %w", err)
	}
	if err := c.editors.RegisterClient(ctx, id, stream); err != nil {
		return nil, fmt.Errorf("error while creating new connection: %w", err)
	}

	r := muxRouter{
		ctrl:    c.ctrl,
		editors: c.editors,
		uuid:    id,
		stats:   c.stats,
	}

	return &r, nil
}

// RemoveConnection cleans up a closed connection.
func (c *muxConnectionManager) RemoveConnection(ctx context.Context, id uuid.UUID) {
	ctx = context.WithValue(ctx, entity.ClientContextKey, id)
	c.ctrl.EndClient(ctx, id)
	c.editors.DeregisterClient(ctx, id)
}
