// Package editorclient delivers outbound JSON-RPC messages to connected editors.
package editorclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/publicqi/ra-multiplex/src/lspmux/internal/errors"
	tally "github.com/uber-go/tally/v4"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	_configKeyQueueSize = "lspmux.clientQueueSize"
	_defaultQueueSize   = 64

	// How long a full queue may stay full before the overflow counts as
	// persistent and the client is disconnected.
	_overflowGrace = 100 * time.Millisecond

	_errSendToClient = "sending message to editor: %w"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// Gateway fans messages out to editor connections. Delivery to each client is
// ordered through a bounded queue owned by a single writer goroutine; a client
// that stops draining its queue is disconnected without blocking delivery to
// other clients or to the server.
type Gateway interface {
	// RegisterClient starts outbound delivery for a new editor connection.
	RegisterClient(ctx context.Context, id uuid.UUID, stream jsonrpc2.Stream) error
	// DeregisterClient stops delivery and releases the client's queue.
	DeregisterClient(ctx context.Context, id uuid.UUID) error
	// Send enqueues one message for the client. A queue that stays full
	// beyond a short grace closes the client's connection and returns an
	// error.
	Send(ctx context.Context, id uuid.UUID, msg jsonrpc2.Message) error
	// Reply enqueues a response to the client's own request id.
	Reply(ctx context.Context, id uuid.UUID, reqID jsonrpc2.ID, result interface{}, replyErr error) error
}

// Params define values to be used by the gateway.
type Params struct {
	fx.In

	Config config.Provider
	Logger *zap.SugaredLogger
	Stats  tally.Scope
}

type gateway struct {
	clients   map[uuid.UUID]*client
	clientsMu sync.Mutex
	queueSize int
	logger    *zap.SugaredLogger
	stats     tally.Scope
}

type client struct {
	stream jsonrpc2.Stream
	queue  chan jsonrpc2.Message
	done   chan struct{}
	once   sync.Once
}

// New returns a Gateway for sending messages to editors.
func New(p Params) (Gateway, error) {
	queueSize := _defaultQueueSize
	if err := p.Config.Get(_configKeyQueueSize).Populate(&queueSize); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyQueueSize, err)
	}

	return &gateway{
		clients:   make(map[uuid.UUID]*client),
		queueSize: queueSize,
		logger:    p.Logger,
		stats:     p.Stats.SubScope("editor_gateway"),
	}, nil
}

func (g *gateway) RegisterClient(ctx context.Context, id uuid.UUID, stream jsonrpc2.Stream) error {
	c := &client{
		stream: stream,
		queue:  make(chan jsonrpc2.Message, g.queueSize),
		done:   make(chan struct{}),
	}

	g.clientsMu.Lock()
	g.clients[id] = c
	g.stats.Gauge("active_clients").Update(float64(len(g.clients)))
	g.clientsMu.Unlock()

	go g.writeLoop(id, c)
	return nil
}

func (g *gateway) DeregisterClient(ctx context.Context, id uuid.UUID) error {
	g.clientsMu.Lock()
	c, ok := g.clients[id]
	delete(g.clients, id)
	g.stats.Gauge("active_clients").Update(float64(len(g.clients)))
	g.clientsMu.Unlock()

	if !ok {
		return &errors.UUIDNotFoundError{UUID: id}
	}
	c.close()
	return nil
}

func (g *gateway) Send(ctx context.Context, id uuid.UUID, msg jsonrpc2.Message) error {
	g.clientsMu.Lock()
	c, ok := g.clients[id]
	g.clientsMu.Unlock()
	if !ok {
		return fmt.Errorf(_errSendToClient, &errors.UUIDNotFoundError{UUID: id})
	}

	select {
	case c.queue <- msg:
		return nil
	case <-c.done:
		return fmt.Errorf(_errSendToClient, &errors.UUIDNotFoundError{UUID: id})
	default:
	}

	// Full queue. Give the writer a short grace to drain it; only a queue
	// that stays full disconnects the client, and a client that stopped
	// reading must not hold up anyone else for longer than the grace.
	wait := time.NewTimer(_overflowGrace)
	defer wait.Stop()
	select {
	case c.queue <- msg:
		return nil
	case <-c.done:
		return fmt.Errorf(_errSendToClient, &errors.UUIDNotFoundError{UUID: id})
	case <-wait.C:
		g.logger.Warnw("client queue overflow, disconnecting", zap.Stringer("uuid", id))
		g.stats.Counter("clients_overflowed").Inc(1)
		c.close()
		return fmt.Errorf("client %q queue overflow", id)
	}
}

func (g *gateway) Reply(ctx context.Context, id uuid.UUID, reqID jsonrpc2.ID, result interface{}, replyErr error) error {
	resp, err := jsonrpc2.NewResponse(reqID, result, replyErr)
	if err != nil {
		return fmt.Errorf(_errSendToClient, err)
	}
	return g.Send(ctx, id, resp)
}

// writeLoop is the single writer for one client's connection.
func (g *gateway) writeLoop(id uuid.UUID, c *client) {
	for {
		select {
		case msg := <-c.queue:
			if _, err := c.stream.Write(context.Background(), msg); err != nil {
				g.logger.Debugw("write to editor failed", zap.Stringer("uuid", id), zap.Error(err))
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		// Closing the stream ends the connection's read loop as well.
		c.stream.Close()
	})
}
