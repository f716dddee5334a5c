package lspmux

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/publicqi/ra-multiplex/src/lspmux/entity"
	editorclient "github.com/publicqi/ra-multiplex/src/lspmux/gateway/editor-client"
	"github.com/publicqi/ra-multiplex/src/lspmux/internal/clock"
	"github.com/publicqi/ra-multiplex/src/lspmux/internal/errors"
	"github.com/publicqi/ra-multiplex/src/lspmux/internal/executor"
	"github.com/publicqi/ra-multiplex/src/lspmux/model"
	tally "github.com/uber-go/tally/v4"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"
)

// instance owns one spawned language server: its process, its transport, the
// set of attached clients, and the request correlation table. All of that
// state is mutated only under the instance's single mutex, so a client
// disconnecting concurrently with an inbound server response can never corrupt
// the table.
type instance struct {
	key     entity.ServerKey
	logger  *zap.SugaredLogger
	stats   tally.Scope
	editors editorclient.Gateway
	clk     clock.Clock

	idleTimeout time.Duration
	gracePeriod time.Duration

	proc   executor.Process
	stream jsonrpc2.Stream

	// remove detaches this instance from the registry. Safe to call twice.
	remove func(i *instance)

	mu      sync.Mutex
	state   entity.InstanceState
	clients []uuid.UUID // attach order; index 0 answers server-initiated requests
	pending map[jsonrpc2.ID]origin
	nextID  int64

	initSent        bool
	initializedSent bool
	initServerID    jsonrpc2.ID
	initWaiters     map[uuid.UUID]jsonrpc2.ID
	initResult      json.RawMessage

	idleTimer clock.Timer
	exited    chan struct{}
}

// Key implements registry.Instance.
func (i *instance) Key() entity.ServerKey {
	return i.key
}

// Reusable implements registry.Instance.
func (i *instance) Reusable() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state == entity.StateSpawning || i.state == entity.StateInitializing || i.state == entity.StateReady
}

// start begins the server read loop and the process waiter. Called once,
// right after a successful spawn.
func (i *instance) start() {
	go i.readLoop()
	go i.waitLoop()
}

func (i *instance) waitLoop() {
	err := i.proc.Wait()
	close(i.exited)
	i.enterDraining(fmt.Errorf("process exited: %w", err))
}

// readLoop consumes everything the server produces. It ends when the server's
// stream does, at which point the instance drains.
func (i *instance) readLoop() {
	ctx := context.Background()
	for {
		msg, _, err := i.stream.Read(ctx)
		if err != nil {
			if errors.IsMalformedMessage(err) {
				// The full body was consumed before decoding failed, so
				// the stream is still in sync. Only this message is lost.
				i.logger.Warnw("malformed message from server, dropping",
					zap.Stringer("server", i.key), zap.Error(err))
				i.stats.Counter("malformed_messages").Inc(1)
				continue
			}
			i.enterDraining(err)
			return
		}

		switch msg := msg.(type) {
		case *jsonrpc2.Response:
			i.routeServerResponse(ctx, msg)
		case *jsonrpc2.Call:
			i.routeServerCall(ctx, msg)
		case *jsonrpc2.Notification:
			i.broadcast(ctx, msg)
		}
	}
}

// attach adds a client to the instance. Depending on lifecycle state the
// client either triggers the server handshake, queues for its completion, or
// is answered immediately from the handshake cache.
func (i *instance) attach(ctx context.Context, client uuid.UUID, reqID jsonrpc2.ID, strippedParams json.RawMessage) error {
	i.mu.Lock()

	switch i.state {
	case entity.StateDraining, entity.StateTerminated:
		i.mu.Unlock()
		return &errors.ServerGoneError{Server: i.key.Server}

	case entity.StateReady:
		i.clients = append(i.clients, client)
		i.stopIdleTimerLocked()
		result := i.initResult
		i.mu.Unlock()
		// Later clients never re-initialize the shared server.
		return i.editors.Reply(ctx, client, reqID, result, nil)

	default: // Spawning or Initializing
		i.clients = append(i.clients, client)
		i.initWaiters[client] = reqID
		if i.initSent {
			i.mu.Unlock()
			return nil
		}
		i.initSent = true
		i.state = entity.StateInitializing
		i.initServerID = i.allocIDLocked()
		call, err := jsonrpc2.NewCall(i.initServerID, protocol.MethodInitialize, strippedParams)
		if err == nil {
			err = i.writeServerLocked(ctx, call)
		}
		i.mu.Unlock()
		if err != nil {
			i.enterDraining(err)
			return &errors.ServerGoneError{Server: i.key.Server}
		}
		return nil
	}
}

// detach removes a client. Its pending requests are purged; when the last
// client leaves a Ready instance, the idle-shutdown timer is armed.
func (i *instance) detach(ctx context.Context, client uuid.UUID) {
	i.mu.Lock()
	defer i.mu.Unlock()

	for n, c := range i.clients {
		if c == client {
			i.clients = append(i.clients[:n], i.clients[n+1:]...)
			break
		}
	}
	delete(i.initWaiters, client)
	i.purgeClientLocked(client)

	if len(i.clients) == 0 && i.state == entity.StateReady {
		i.armIdleTimerLocked()
	}
}

// forwardCall rewrites a client request into the server-wide id space and
// sends it upstream.
func (i *instance) forwardCall(ctx context.Context, client uuid.UUID, call *jsonrpc2.Call) error {
	i.mu.Lock()
	if i.state != entity.StateReady && i.state != entity.StateInitializing {
		i.mu.Unlock()
		return i.replyServerGone(ctx, client, call.ID())
	}

	serverID := i.translateOutboundLocked(client, call.ID(), call.Method())
	out, err := jsonrpc2.NewCall(serverID, call.Method(), call.Params())
	if err == nil {
		err = i.writeServerLocked(ctx, out)
	}
	if err != nil {
		delete(i.pending, serverID)
		i.mu.Unlock()
		i.enterDraining(err)
		return i.replyServerGone(ctx, client, call.ID())
	}
	i.mu.Unlock()

	i.stats.Counter("requests_forwarded").Inc(1)
	return nil
}

// forwardResponse relays a client's answer to a server-initiated request. The
// id is the server's own choice and is never multiplexed.
func (i *instance) forwardResponse(ctx context.Context, resp *jsonrpc2.Response) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == entity.StateDraining || i.state == entity.StateTerminated {
		return nil
	}
	return i.writeServerLocked(ctx, resp)
}

// routeServerResponse delivers a server response to the client whose request
// produced it, restoring the client's original id.
func (i *instance) routeServerResponse(ctx context.Context, resp *jsonrpc2.Response) {
	i.mu.Lock()
	if i.state == entity.StateInitializing && resp.ID() == i.initServerID {
		i.finishInitializeLocked(ctx, resp)
		return
	}
	org, ok := i.translateInboundLocked(resp.ID())
	i.mu.Unlock()

	if !ok {
		// Stray response. Tolerated: the owning client may have
		// disconnected, or the server may be misbehaving.
		i.logger.Warnw("response with no pending request, discarding",
			zap.Stringer("server", i.key), zap.Any("id", resp.ID()))
		i.stats.Counter("unknown_response_id").Inc(1)
		return
	}
	if org.client == uuid.Nil {
		// Internal request (graceful shutdown); nobody to route to.
		return
	}

	out, err := jsonrpc2.NewResponse(org.id, json.RawMessage(resp.Result()), resp.Err())
	if err != nil {
		i.logger.Errorw("rebuilding response", zap.Error(err))
		return
	}
	if err := i.editors.Send(ctx, org.client, out); err != nil {
		i.logger.Debugw("delivering response", zap.Stringer("client", org.client), zap.Error(err))
	}
	i.stats.Counter("responses_routed").Inc(1)
}

// routeServerCall delivers a server-initiated request (configuration pulls,
// apply-edit and the like) to the oldest attached client. The server expects
// exactly one answer, so broadcasting is not an option.
func (i *instance) routeServerCall(ctx context.Context, call *jsonrpc2.Call) {
	i.mu.Lock()
	var primary uuid.UUID
	attached := len(i.clients) > 0
	if attached {
		primary = i.clients[0]
	}
	i.mu.Unlock()

	if !attached {
		resp, err := jsonrpc2.NewResponse(call.ID(), nil, jsonrpc2.NewError(jsonrpc2.InternalError, "no editor attached"))
		if err == nil {
			i.mu.Lock()
			i.writeServerLocked(ctx, resp)
			i.mu.Unlock()
		}
		return
	}
	if err := i.editors.Send(ctx, primary, call); err != nil {
		i.logger.Debugw("delivering server call", zap.Stringer("client", primary), zap.Error(err))
	}
}

// broadcast delivers a server notification to every attached client.
func (i *instance) broadcast(ctx context.Context, note *jsonrpc2.Notification) {
	i.mu.Lock()
	targets := make([]uuid.UUID, len(i.clients))
	copy(targets, i.clients)
	i.mu.Unlock()

	for _, client := range targets {
		if err := i.editors.Send(ctx, client, note); err != nil {
			i.logger.Debugw("broadcasting notification",
				zap.String("method", note.Method()), zap.Stringer("client", client), zap.Error(err))
		}
	}
}

// finishInitializeLocked completes the handshake: the result is cached and
// every waiter is answered against its own request id. Called with i.mu held;
// releases it.
func (i *instance) finishInitializeLocked(ctx context.Context, resp *jsonrpc2.Response) {
	waiters := i.initWaiters
	i.initWaiters = make(map[uuid.UUID]jsonrpc2.ID)

	if resp.Err() != nil {
		i.mu.Unlock()
		i.logger.Errorw("server initialize failed", zap.Stringer("server", i.key), zap.Error(resp.Err()))
		for client, reqID := range waiters {
			i.editors.Reply(ctx, client, reqID, nil, resp.Err())
		}
		i.enterDraining(fmt.Errorf("initialize failed: %w", resp.Err()))
		return
	}

	i.initResult = json.RawMessage(resp.Result())
	i.state = entity.StateReady
	if len(i.clients) == 0 {
		i.armIdleTimerLocked()
	}
	result := i.initResult
	i.mu.Unlock()

	i.logger.Infow("server ready", zap.Stringer("server", i.key))
	for client, reqID := range waiters {
		if err := i.editors.Reply(ctx, client, reqID, result, nil); err != nil {
			i.logger.Debugw("answering initialize", zap.Stringer("client", client), zap.Error(err))
		}
	}
}

// enterDraining fails every outstanding request locally, removes the instance
// from the registry so new clients get a fresh process, and releases the
// process. Safe to call from any state and more than once.
func (i *instance) enterDraining(cause error) {
	ctx := context.Background()

	i.mu.Lock()
	if i.state == entity.StateDraining || i.state == entity.StateTerminated {
		i.mu.Unlock()
		return
	}
	i.state = entity.StateDraining
	i.stopIdleTimerLocked()
	pend := i.takePendingLocked()
	waiters := i.initWaiters
	i.initWaiters = make(map[uuid.UUID]jsonrpc2.ID)
	i.mu.Unlock()

	i.logger.Warnw("instance draining", zap.Stringer("server", i.key), zap.Error(cause))
	gone := jsonrpc2.NewError(jsonrpc2.InternalError, (&errors.ServerGoneError{Server: i.key.Server}).Error())
	for _, org := range pend {
		if org.client == uuid.Nil {
			continue
		}
		i.editors.Reply(ctx, org.client, org.id, nil, gone)
	}
	for client, reqID := range waiters {
		i.editors.Reply(ctx, client, reqID, nil, gone)
	}

	i.remove(i)
	i.stream.Close()
	select {
	case <-i.exited:
	default:
		i.proc.Kill()
	}

	i.mu.Lock()
	i.state = entity.StateTerminated
	i.mu.Unlock()
}

// shutdown asks the server to exit gracefully and kills it after the grace
// period. Used by idle shutdown and by daemon teardown. With onlyIfIdle set,
// the shutdown is abandoned when a client managed to attach in the meantime.
func (i *instance) shutdown(ctx context.Context, onlyIfIdle bool) {
	i.mu.Lock()
	if i.state == entity.StateDraining || i.state == entity.StateTerminated {
		i.mu.Unlock()
		return
	}
	if onlyIfIdle && (i.state != entity.StateReady || len(i.clients) != 0) {
		i.mu.Unlock()
		return
	}
	i.state = entity.StateDraining
	i.stopIdleTimerLocked()
	pend := i.takePendingLocked()
	waiters := i.initWaiters
	i.initWaiters = make(map[uuid.UUID]jsonrpc2.ID)

	// Internal shutdown request; its response has no client to reach.
	serverID := i.allocIDLocked()
	i.pending[serverID] = origin{client: uuid.Nil, method: protocol.MethodShutdown}
	if call, err := jsonrpc2.NewCall(serverID, protocol.MethodShutdown, nil); err == nil {
		i.writeServerLocked(ctx, call)
	}
	if note, err := jsonrpc2.NewNotification(protocol.MethodExit, nil); err == nil {
		i.writeServerLocked(ctx, note)
	}
	i.mu.Unlock()

	// The server will not answer anything already in flight; fail those
	// requests locally against their owners' ids.
	gone := jsonrpc2.NewError(jsonrpc2.InternalError, (&errors.ServerGoneError{Server: i.key.Server}).Error())
	for _, org := range pend {
		if org.client == uuid.Nil {
			continue
		}
		i.editors.Reply(ctx, org.client, org.id, nil, gone)
	}
	for client, reqID := range waiters {
		i.editors.Reply(ctx, client, reqID, nil, gone)
	}

	i.remove(i)

	i.clk.Sleep(i.gracePeriod)
	select {
	case <-i.exited:
	default:
		i.logger.Warnw("server ignored shutdown, killing", zap.Stringer("server", i.key))
		i.proc.Kill()
	}
	i.stream.Close()

	i.mu.Lock()
	i.state = entity.StateTerminated
	i.mu.Unlock()
}

// idleShutdown fires when the instance has had no attached clients for the
// configured idle period.
func (i *instance) idleShutdown() {
	i.logger.Infow("idle timeout reached, shutting down server", zap.Stringer("server", i.key))
	i.shutdown(context.Background(), true)
}

func (i *instance) armIdleTimerLocked() {
	i.stopIdleTimerLocked()
	i.idleTimer = i.clk.AfterFunc(i.idleTimeout, i.idleShutdown)
}

func (i *instance) stopIdleTimerLocked() {
	if i.idleTimer != nil {
		i.idleTimer.Stop()
		i.idleTimer = nil
	}
}

// writeServerLocked is the only path that writes to the server transport;
// callers hold i.mu, which serializes the stream.
func (i *instance) writeServerLocked(ctx context.Context, msg jsonrpc2.Message) error {
	_, err := i.stream.Write(ctx, msg)
	return err
}

func (i *instance) replyServerGone(ctx context.Context, client uuid.UUID, reqID jsonrpc2.ID) error {
	gone := jsonrpc2.NewError(jsonrpc2.InternalError, (&errors.ServerGoneError{Server: i.key.Server}).Error())
	return i.editors.Reply(ctx, client, reqID, nil, gone)
}

// snapshot reports the instance's current state for lspMux/status.
func (i *instance) snapshot() model.InstanceSnapshot {
	i.mu.Lock()
	defer i.mu.Unlock()

	clients := make([]string, len(i.clients))
	for n, c := range i.clients {
		clients[n] = c.String()
	}
	return model.InstanceSnapshot{
		Server:          i.key.Server,
		Args:            i.key.Args,
		WorkspaceRoot:   i.key.WorkspaceRoot,
		State:           i.state.String(),
		PID:             i.proc.PID(),
		Clients:         clients,
		PendingRequests: len(i.pending),
	}
}
