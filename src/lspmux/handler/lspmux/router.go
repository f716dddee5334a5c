package lspmux

import (
	"context"

	"github.com/gofrs/uuid"
	controller "github.com/publicqi/ra-multiplex/src/lspmux/controller/lspmux"
	"github.com/publicqi/ra-multiplex/src/lspmux/entity"
	editorclient "github.com/publicqi/ra-multiplex/src/lspmux/gateway/editor-client"
	"github.com/publicqi/ra-multiplex/src/lspmux/internal/errors"
	tally "github.com/uber-go/tally/v4"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
)

// MethodStatus reports the daemon's live instances and attached clients.
const MethodStatus = "lspMux/status"

type muxRouter struct {
	ctrl    controller.Controller
	editors editorclient.Gateway
	uuid    uuid.UUID
	stats   tally.Scope
}

// HandleMessage handles routing for a single decoded message from one editor.
// The multiplexer relays traffic rather than serving it, so responses and
// notifications from the editor are routed alongside its requests.
func (r *muxRouter) HandleMessage(ctx context.Context, msg jsonrpc2.Message) error {
	ctx = context.WithValue(ctx, entity.ClientContextKey, r.uuid)

	switch msg := msg.(type) {
	case *jsonrpc2.Call:
		return r.handleCall(ctx, msg)

	case *jsonrpc2.Notification:
		if msg.Method() == protocol.MethodExit {
			// The shared server outlives individual editors; exit ends
			// only this connection.
			return errors.ErrClientExit
		}
		return r.ctrl.ForwardNotification(ctx, msg)

	case *jsonrpc2.Response:
		// An answer to a server-initiated request; the id is the server's
		// own and passes through verbatim.
		return r.ctrl.ForwardResponse(ctx, msg)
	}

	return nil
}

func (r *muxRouter) handleCall(ctx context.Context, call *jsonrpc2.Call) error {
	switch call.Method() {
	case protocol.MethodInitialize:
		return r.ctrl.Initialize(ctx, call)

	case protocol.MethodShutdown:
		// Acknowledged locally: other editors may still be using the server.
		return r.editors.Reply(ctx, r.uuid, call.ID(), nil, nil)

	case MethodStatus:
		report, err := r.ctrl.Status(ctx)
		if err != nil {
			return r.editors.Reply(ctx, r.uuid, call.ID(), nil,
				jsonrpc2.NewError(jsonrpc2.InternalError, err.Error()))
		}
		return r.editors.Reply(ctx, r.uuid, call.ID(), report, nil)

	default:
		return r.ctrl.ForwardCall(ctx, call)
	}
}

func (r *muxRouter) UUID() uuid.UUID {
	return r.uuid
}
