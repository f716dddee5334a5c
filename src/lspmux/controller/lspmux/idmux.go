package lspmux

import (
	"github.com/gofrs/uuid"
	"go.lsp.dev/jsonrpc2"
)

// origin records where a server-facing request came from, so the matching
// response can be routed back. LSP request ids are only unique per
// client-server pair; two editors routinely both pick id=1, so merged traffic
// needs a server-wide id space.
type origin struct {
	client uuid.UUID
	id     jsonrpc2.ID
	method string
}

// allocIDLocked returns a fresh server-facing id. The counter is monotonic for
// the life of the instance, so an id is never reused while a request is live.
func (i *instance) allocIDLocked() jsonrpc2.ID {
	i.nextID++
	return jsonrpc2.NewNumberID(int32(i.nextID))
}

// translateOutboundLocked allocates a server-facing id for a client request
// and records the pending correlation.
func (i *instance) translateOutboundLocked(client uuid.UUID, clientID jsonrpc2.ID, method string) jsonrpc2.ID {
	serverID := i.allocIDLocked()
	i.pending[serverID] = origin{client: client, id: clientID, method: method}
	return serverID
}

// translateInboundLocked resolves and removes the pending correlation for a
// server response id. A miss is not fatal: a crashed or non-conformant server
// can produce stray responses.
func (i *instance) translateInboundLocked(serverID jsonrpc2.ID) (origin, bool) {
	org, ok := i.pending[serverID]
	if !ok {
		return origin{}, false
	}
	delete(i.pending, serverID)
	return org, true
}

// reverseLookupLocked finds the live server-facing id for a client's own
// request id, used to rewrite cancel notifications.
func (i *instance) reverseLookupLocked(client uuid.UUID, clientID jsonrpc2.ID) (jsonrpc2.ID, bool) {
	for serverID, org := range i.pending {
		if org.client == client && org.id == clientID {
			return serverID, true
		}
	}
	return jsonrpc2.ID{}, false
}

// purgeClientLocked drops every pending correlation owned by a disconnected
// client. No response will be delivered and none is expected.
func (i *instance) purgeClientLocked(client uuid.UUID) {
	for serverID, org := range i.pending {
		if org.client == client {
			delete(i.pending, serverID)
		}
	}
}

// takePendingLocked empties the correlation table, returning the entries so
// their owners can be failed locally.
func (i *instance) takePendingLocked() []origin {
	taken := make([]origin, 0, len(i.pending))
	for _, org := range i.pending {
		taken = append(taken, org)
	}
	i.pending = make(map[jsonrpc2.ID]origin)
	return taken
}
