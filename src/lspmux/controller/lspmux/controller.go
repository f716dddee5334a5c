// Package lspmux implements the multiplexing core: it correlates request ids
// from many editors into a single server-facing id space, routes responses
// back to their origin, and manages the lifecycle of shared language server
// processes.
package lspmux

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/publicqi/ra-multiplex/src/lspmux/entity"
	editorclient "github.com/publicqi/ra-multiplex/src/lspmux/gateway/editor-client"
	"github.com/publicqi/ra-multiplex/src/lspmux/internal/clock"
	"github.com/publicqi/ra-multiplex/src/lspmux/internal/errors"
	"github.com/publicqi/ra-multiplex/src/lspmux/internal/executor"
	"github.com/publicqi/ra-multiplex/src/lspmux/mapper"
	"github.com/publicqi/ra-multiplex/src/lspmux/model"
	"github.com/publicqi/ra-multiplex/src/lspmux/repository/registry"
	tally "github.com/uber-go/tally/v4"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// Configuration keys
	_idleTimeoutSecondsKey = "lspmux.idleTimeoutSeconds"
	_gracePeriodSecondsKey = "lspmux.gracePeriodSeconds"

	_defaultIdleTimeout = 300 * time.Second
	_defaultGracePeriod = 10 * time.Second
)

// Controller orchestrates the multiplexing logic for each client connection.
// The client connection UUID is carried in the context.
type Controller interface {
	// Initialize handles a client's initialize request: version check,
	// instance resolution (spawning the server when needed), and attachment.
	// The reply travels through the editor gateway, never as a return value.
	Initialize(ctx context.Context, call *jsonrpc2.Call) error
	// ForwardCall rewrites and relays a client request to the shared server.
	ForwardCall(ctx context.Context, call *jsonrpc2.Call) error
	// ForwardResponse relays a client's answer to a server-initiated request
	// verbatim; such ids are chosen by the server and never multiplexed.
	ForwardResponse(ctx context.Context, resp *jsonrpc2.Response) error
	// ForwardNotification classifies and relays a client notification.
	ForwardNotification(ctx context.Context, note *jsonrpc2.Notification) error
	// EndClient detaches a disconnected client and purges its bookkeeping.
	EndClient(ctx context.Context, id uuid.UUID) error
	// Status reports every live instance, for the lspMux/status request.
	Status(ctx context.Context) (*model.StatusReport, error)
	// DrainAll gracefully terminates every instance. Called at daemon shutdown.
	DrainAll(ctx context.Context) error
}

// Params are inbound parameters to initialize a new controller.
type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Registry  registry.Repository
	Editors   editorclient.Gateway
	Executor  executor.Executor
	Clock     clock.Clock
	Logger    *zap.SugaredLogger
	Config    config.Provider
	Stats     tally.Scope
}

type controller struct {
	registry registry.Repository
	editors  editorclient.Gateway
	executor executor.Executor
	clk      clock.Clock
	logger   *zap.SugaredLogger
	stats    tally.Scope

	idleTimeout time.Duration
	gracePeriod time.Duration

	mu       sync.Mutex
	bindings map[uuid.UUID]*instance
}

// New constructs the top-level controller for the daemon.
func New(p Params) (Controller, error) {
	idleTimeout := _defaultIdleTimeout
	gracePeriod := _defaultGracePeriod

	var seconds int64
	if err := p.Config.Get(_idleTimeoutSecondsKey).Populate(&seconds); err != nil {
		return nil, fmt.Errorf("unable to get idle timeout from config: %w", err)
	} else if seconds > 0 {
		idleTimeout = time.Duration(seconds) * time.Second
	}
	seconds = 0
	if err := p.Config.Get(_gracePeriodSecondsKey).Populate(&seconds); err != nil {
		return nil, fmt.Errorf("unable to get grace period from config: %w", err)
	} else if seconds > 0 {
		gracePeriod = time.Duration(seconds) * time.Second
	}

	c := &controller{
		registry: p.Registry,
		editors:  p.Editors,
		executor: p.Executor,
		clk:      p.Clock,
		logger:   p.Logger,
		stats:    p.Stats.SubScope("lspmux"),

		idleTimeout: idleTimeout,
		gracePeriod: gracePeriod,

		bindings: make(map[uuid.UUID]*instance),
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: c.DrainAll,
	})

	return c, nil
}

func (c *controller) Initialize(ctx context.Context, call *jsonrpc2.Call) error {
	client, err := mapper.ContextToClientUUID(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	prev, bound := c.bindings[client]
	c.mu.Unlock()
	if bound {
		if prev.Reusable() {
			return c.editors.Reply(ctx, client, call.ID(), nil,
				jsonrpc2.NewError(jsonrpc2.InvalidRequest, errors.ErrAlreadyInitialized.Error()))
		}
		// The bound server died while this client stayed connected. Release
		// the stale binding so this initialize attaches a fresh instance.
		c.unbind(ctx, client, prev)
	}

	opts, err := mapper.ParamsToMuxOptions(call.Params())
	if err != nil {
		return c.editors.Reply(ctx, client, call.ID(), nil,
			jsonrpc2.NewError(jsonrpc2.InvalidParams, err.Error()))
	}

	if opts.Version != entity.ProxyVersion {
		// Refused explicitly, never silently ignored. Only this client is affected.
		vmErr := &errors.VersionMismatchError{Client: client, Got: opts.Version, Want: entity.ProxyVersion}
		c.logger.Warnw("refusing client", zap.Stringer("client", client), zap.Error(vmErr))
		return c.editors.Reply(ctx, client, call.ID(), nil,
			jsonrpc2.NewError(jsonrpc2.InvalidParams, vmErr.Error()))
	}

	stripped, err := mapper.StripMuxOptions(call.Params())
	if err != nil {
		return c.editors.Reply(ctx, client, call.ID(), nil,
			jsonrpc2.NewError(jsonrpc2.InvalidParams, err.Error()))
	}

	key := entity.ServerKey{
		Server:        opts.Server,
		Args:          opts.Args,
		WorkspaceRoot: mapper.ParamsToWorkspaceRoot(call.Params()),
	}

	// An instance can start draining between resolution and attachment; one
	// retry gets a fresh process in that case.
	for attempt := 0; attempt < 2; attempt++ {
		inst, err := c.resolveInstance(ctx, key)
		if err != nil {
			c.logger.Errorw("spawning server", zap.Stringer("key", key), zap.Error(err))
			return c.editors.Reply(ctx, client, call.ID(), nil,
				jsonrpc2.NewError(jsonrpc2.InternalError, err.Error()))
		}

		if err := inst.attach(ctx, client, call.ID(), stripped); err != nil {
			continue
		}
		c.mu.Lock()
		c.bindings[client] = inst
		c.mu.Unlock()
		return nil
	}

	return c.editors.Reply(ctx, client, call.ID(), nil,
		jsonrpc2.NewError(jsonrpc2.InternalError, (&errors.ServerGoneError{Server: key.Server}).Error()))
}

func (c *controller) resolveInstance(ctx context.Context, key entity.ServerKey) (*instance, error) {
	resolved, err := c.registry.Resolve(ctx, key, func(ctx context.Context) (registry.Instance, error) {
		return c.newInstance(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return resolved.(*instance), nil
}

// newInstance spawns the language server process for key and starts its loops.
func (c *controller) newInstance(ctx context.Context, key entity.ServerKey) (registry.Instance, error) {
	proc, err := c.executor.Launch(ctx, key.Server, key.Args, key.WorkspaceRoot)
	if err != nil {
		return nil, &errors.SpawnFailureError{Server: key.Server, Err: err}
	}

	i := &instance{
		key:     key,
		logger:  c.logger,
		stats:   c.stats,
		editors: c.editors,
		clk:     c.clk,

		idleTimeout: c.idleTimeout,
		gracePeriod: c.gracePeriod,

		proc:   proc,
		stream: jsonrpc2.NewStream(proc.Stdio()),
		remove: func(i *instance) {
			c.registry.Remove(context.Background(), i.key, i)
		},

		state:       entity.StateSpawning,
		pending:     make(map[jsonrpc2.ID]origin),
		initWaiters: make(map[uuid.UUID]jsonrpc2.ID),
		exited:      make(chan struct{}),
	}
	i.start()

	c.logger.Infow("spawned language server", zap.Stringer("key", key), zap.Int("pid", proc.PID()))
	return i, nil
}

func (c *controller) ForwardCall(ctx context.Context, call *jsonrpc2.Call) error {
	client, inst, err := c.boundInstance(ctx)
	if err != nil {
		return err
	}
	if inst == nil {
		return c.editors.Reply(ctx, client, call.ID(), nil,
			jsonrpc2.NewError(jsonrpc2.InvalidRequest, errors.ErrNotInitialized.Error()))
	}
	if !inst.Reusable() {
		c.unbind(ctx, client, inst)
		return inst.replyServerGone(ctx, client, call.ID())
	}
	return inst.forwardCall(ctx, client, call)
}

func (c *controller) ForwardResponse(ctx context.Context, resp *jsonrpc2.Response) error {
	client, inst, err := c.boundInstance(ctx)
	if err != nil || inst == nil {
		return err
	}
	if !inst.Reusable() {
		c.unbind(ctx, client, inst)
		return nil
	}
	return inst.forwardResponse(ctx, resp)
}

func (c *controller) ForwardNotification(ctx context.Context, note *jsonrpc2.Notification) error {
	client, inst, err := c.boundInstance(ctx)
	if err != nil || inst == nil {
		// Notifications from uninitialized clients have nowhere to go.
		return err
	}
	if !inst.Reusable() {
		c.unbind(ctx, client, inst)
		return nil
	}
	return inst.forwardNotification(ctx, client, note)
}

func (c *controller) EndClient(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	inst, ok := c.bindings[id]
	delete(c.bindings, id)
	c.mu.Unlock()

	if !ok {
		// Disconnected before a successful initialize; nothing to clean up.
		return nil
	}
	inst.detach(ctx, id)
	return nil
}

func (c *controller) Status(ctx context.Context) (*model.StatusReport, error) {
	instances := c.registry.All(ctx)
	report := &model.StatusReport{
		Version:   entity.ProxyVersion,
		Instances: make([]model.InstanceSnapshot, 0, len(instances)),
	}
	for _, resolved := range instances {
		if inst, ok := resolved.(*instance); ok {
			report.Instances = append(report.Instances, inst.snapshot())
		}
	}
	return report, nil
}

func (c *controller) DrainAll(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, resolved := range c.registry.All(ctx) {
		inst, ok := resolved.(*instance)
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst.shutdown(ctx, false)
		}()
	}
	wg.Wait()

	var err error
	if count, countErr := c.registry.Count(ctx); countErr != nil {
		err = multierr.Append(err, countErr)
	} else if count != 0 {
		err = multierr.Append(err, fmt.Errorf("%d instances still registered after drain", count))
	}
	return err
}

// unbind drops a client's binding to a dead instance so its next initialize
// can attach a fresh one. The binding is only removed when it still points at
// inst; a concurrent re-initialize may already have replaced it.
func (c *controller) unbind(ctx context.Context, client uuid.UUID, inst *instance) {
	c.mu.Lock()
	if c.bindings[client] == inst {
		delete(c.bindings, client)
	}
	c.mu.Unlock()
	inst.detach(ctx, client)
}

// boundInstance resolves the calling client and its attached instance.
func (c *controller) boundInstance(ctx context.Context) (uuid.UUID, *instance, error) {
	client, err := mapper.ContextToClientUUID(ctx)
	if err != nil {
		return uuid.Nil, nil, err
	}
	c.mu.Lock()
	inst := c.bindings[client]
	c.mu.Unlock()
	return client, inst, nil
}
