// Package jsonrpcfx accepts editor connections and feeds each one's decoded
// JSON-RPC messages to a registered connection manager.
//
// Unlike a typical server, the daemon relays messages between editors and a
// shared language server, so connections are handled as raw message streams
// rather than request/reply pairs: responses and notifications from the editor
// must pass through untouched.
package jsonrpcfx

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/gofrs/uuid"
	lspmuxerrors "github.com/publicqi/ra-multiplex/src/lspmux/internal/errors"
	"github.com/publicqi/ra-multiplex/src/lspmux/internal/serverinfofile"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	_configKeyAddress = "jsonrpc.address"
	_outputKey        = "lsp-address"
)

// Module is an fx module to handle JSON-RPC connections.
var Module = fx.Provide(New)

// JSONRPCModule represents a module to manage inbound JSON-RPC connections.
type JSONRPCModule interface {
	OnStart(ctx context.Context) error
	ServeStream(ctx context.Context, stream jsonrpc2.Stream) error
	RegisterConnectionManager(connectionManager ConnectionManager) error
}

// Router serves as the interface through which handling of decoded messages will be implemented.
type Router interface {
	HandleMessage(ctx context.Context, msg jsonrpc2.Message) error
	UUID() uuid.UUID
}

// ConnectionManager will manage each active connection and its corresponding
// Router throughout the lifecycle of a connection.
type ConnectionManager interface {
	NewConnection(ctx context.Context, stream jsonrpc2.Stream) (router Router, err error)
	RemoveConnection(ctx context.Context, id uuid.UUID)
}

type module struct {
	Address string `json:"address"`

	connectionMgr  ConnectionManager
	ln             *net.TCPListener
	logger         *zap.SugaredLogger
	serverInfoFile serverinfofile.ServerInfoFile
}

// Params define values to be used by the JSON-RPC module.
type Params struct {
	fx.In

	Config         config.Provider
	Lifecycle      fx.Lifecycle
	Logger         *zap.SugaredLogger
	ServerInfoFile serverinfofile.ServerInfoFile
}

// New creates a new server to handle JSON-RPC connections on the configured address.
func New(p Params) (JSONRPCModule, error) {
	if p.Lifecycle == nil || p.Config == nil {
		return nil, errors.New("required parameters are missing")
	}

	m := module{
		logger:         p.Logger,
		serverInfoFile: p.ServerInfoFile,
	}

	if err := m.processConfig(p.Config); err != nil {
		return nil, err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: m.OnStart,
		OnStop: func(ctx context.Context) error {
			if m.ln != nil {
				return m.ln.Close()
			}
			return nil
		},
	})

	return &m, nil
}

// OnStart will bind the listener and then begin handling incoming connections.
func (m *module) OnStart(ctx context.Context) error {
	if err := m.setup(); err != nil {
		return err
	}

	go m.start()
	return nil
}

// ServeStream is called once per connection. Messages decoded from the stream
// are routed to the handler until the stream ends.
func (m *module) ServeStream(ctx context.Context, stream jsonrpc2.Stream) error {
	if m.connectionMgr == nil {
		m.logger.Errorf("cannot serve connection, no connection manager set")
		return errors.New("cannot serve connection, no connection manager set")
	}

	handler, err := m.connectionMgr.NewConnection(ctx, stream)
	if err != nil {
		stream.Close()
		return err
	}
	m.logger.Infow("client connected", zap.Stringer("uuid", handler.UUID()))

	var readErr error
	for {
		msg, _, err := stream.Read(ctx)
		if err != nil {
			if lspmuxerrors.IsMalformedMessage(err) {
				// Framing survives a bad payload; drop the message and
				// keep the connection.
				m.logger.Warnw("malformed message from editor, dropping",
					zap.Stringer("uuid", handler.UUID()), zap.Error(err))
				continue
			}
			readErr = err
			break
		}
		if err := handler.HandleMessage(ctx, msg); err != nil {
			// A handler error ends only this connection.
			readErr = err
			break
		}
	}

	stream.Close()
	m.connectionMgr.RemoveConnection(ctx, handler.UUID())
	m.logger.Infow("client disconnected", zap.Stringer("uuid", handler.UUID()), zap.Error(readErr))

	return readErr
}

// RegisterConnectionManager sets the connection manager, which keeps track of
// current active connections and provides a Router implementation.
func (m *module) RegisterConnectionManager(connectionMgr ConnectionManager) error {
	if m.connectionMgr != nil {
		return errors.New("cannot register a duplicate connection manager")
	}
	m.connectionMgr = connectionMgr
	return nil
}

// setup should be called after creation of a new handler to set initial values.
func (m *module) setup() error {
	if m.Address == "" {
		return errors.New("setup called before address is set")
	}

	addr, err := net.ResolveTCPAddr("tcp", m.Address)
	if err != nil {
		return err
	}

	m.ln, err = net.ListenTCP("tcp", addr)
	return err
}

// start accepts connections until the listener is closed.
func (m *module) start() {
	if err := m.serverInfoFile.UpdateField(_outputKey, m.Address); err != nil {
		m.logger.Errorw("writing server info", zap.Error(err))
	}

	m.logger.Infow("started JSON-RPC inbound", zap.String("address", m.Address))
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.logger.Errorw("accepting connection", zap.Error(err))
			continue
		}
		go m.ServeStream(context.Background(), jsonrpc2.NewStream(conn))
	}
}

// processConfig will parse the configuration for any values required by this module.
func (m *module) processConfig(cfg config.Provider) error {
	val := cfg.Get(_configKeyAddress)
	if err := val.Populate(&m.Address); err != nil {
		// incorrectly formatted config
		return fmt.Errorf("getting config field %q: %w", _configKeyAddress, err)
	}

	if m.Address == "" {
		// yaml is missing either the key or value
		return fmt.Errorf("missing field %q in config", _configKeyAddress)
	}

	return nil
}
