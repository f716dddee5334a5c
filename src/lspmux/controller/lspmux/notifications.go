package lspmux

import (
	"context"

	"github.com/gofrs/uuid"
	"github.com/publicqi/ra-multiplex/src/lspmux/mapper"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"
)

// $/cancelRequest is handled at the base-protocol layer, so go.lsp.dev/protocol
// has no constant for it.
const _methodCancelRequest = "$/cancelRequest"

// forwardNotification classifies a client notification and relays it upstream.
//
// Routing classes:
//   - $/cancelRequest carries a client-scoped id that must be rewritten into
//     the server-wide id space; if the request already completed the cancel is
//     dropped silently, an expected race.
//   - "initialized" is forwarded once per instance; the server has already
//     been initialized for clients attaching off the handshake cache.
//   - everything else (document sync and the like) passes through untouched.
func (i *instance) forwardNotification(ctx context.Context, client uuid.UUID, note *jsonrpc2.Notification) error {
	switch note.Method() {
	case _methodCancelRequest:
		return i.forwardCancel(ctx, client, note)

	case protocol.MethodInitialized:
		i.mu.Lock()
		defer i.mu.Unlock()
		if i.initializedSent {
			return nil
		}
		i.initializedSent = true
		return i.writeServerLocked(ctx, note)

	default:
		i.mu.Lock()
		defer i.mu.Unlock()
		return i.writeServerLocked(ctx, note)
	}
}

func (i *instance) forwardCancel(ctx context.Context, client uuid.UUID, note *jsonrpc2.Notification) error {
	clientID, ok := mapper.ParamsToCancelID(note.Params())
	if !ok {
		i.logger.Debugw("cancel without id, dropping", zap.Stringer("client", client))
		return nil
	}

	i.mu.Lock()
	serverID, live := i.reverseLookupLocked(client, clientID)
	i.mu.Unlock()
	if !live {
		// The request already completed; nothing to cancel.
		i.stats.Counter("cancels_dropped").Inc(1)
		return nil
	}

	params, err := mapper.CancelParamsWithID(note.Params(), serverID)
	if err != nil {
		return err
	}
	out, err := jsonrpc2.NewNotification(note.Method(), params)
	if err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	return i.writeServerLocked(ctx, out)
}
