// Package executor launches and supervises language server child processes.
package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
)

// Module provides an Executor to inject using fx.
var Module = fx.Options(
	fx.Provide(func(logger *zap.SugaredLogger) Executor {
		return NewExecutor(WithLogger(logger))
	}),
)

// Executor wraps the launch of language server processes to allow adding
// logs to each launch and to make spawning easy to fake in tests.
type Executor interface {
	// Launch resolves the executable against the daemon's own PATH, starts it
	// in dir with its stdin/stdout piped, and returns a handle to the process.
	Launch(ctx context.Context, command string, args []string, dir string) (Process, error)
}

// Process is a handle to one running language server.
type Process interface {
	// Stdio is the process's stdin/stdout pair as a single read-write stream.
	Stdio() io.ReadWriteCloser
	// Wait blocks until the process exits. It must be called exactly once.
	Wait() error
	// Kill forcibly terminates the process.
	Kill() error
	// PID returns the operating system process id.
	PID() int
}

type executorImp struct {
	Logger *zap.SugaredLogger
	// StartFunc may be overridden to fake process launch in tests.
	StartFunc func(cmd *exec.Cmd) error
}

// Option defines options to customize the executor's behavior.
type Option func(*executorImp)

// WithLogger overrides the default noop logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(executor *executorImp) {
		executor.Logger = logger
	}
}

// WithStartFunc provides customized process start behavior.
func WithStartFunc(startFunc func(cmd *exec.Cmd) error) Option {
	return func(executor *executorImp) {
		executor.StartFunc = startFunc
	}
}

// NewExecutor creates a new Executor with the given options applied.
func NewExecutor(opts ...Option) Executor {
	executor := &executorImp{
		Logger:    zap.NewNop().Sugar(),
		StartFunc: func(cmd *exec.Cmd) error { return cmd.Start() },
	}
	for _, opt := range opts {
		opt(executor)
	}
	return executor
}

// Launch starts the given command with piped stdio and stderr forwarded to the log.
func (l *executorImp) Launch(ctx context.Context, command string, args []string, dir string) (Process, error) {
	path, err := exec.LookPath(command)
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", command, err)
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	cmd.Stderr = &zapio.Writer{Log: l.Logger.Desugar().Named("server"), Level: zap.DebugLevel}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	l.Logger.Infow("launching language server",
		"path", path,
		"args", args,
		"dir", dir,
	)

	if err := l.StartFunc(cmd); err != nil {
		return nil, err
	}

	return &process{
		cmd:   cmd,
		stdio: stdioPipe{WriteCloser: stdin, ReadCloser: stdout},
	}, nil
}

type process struct {
	cmd   *exec.Cmd
	stdio io.ReadWriteCloser
}

func (p *process) Stdio() io.ReadWriteCloser {
	return p.stdio
}

func (p *process) Wait() error {
	return p.cmd.Wait()
}

func (p *process) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// stdioPipe joins a process's stdin writer and stdout reader into one stream.
type stdioPipe struct {
	io.WriteCloser
	io.ReadCloser
}

func (s stdioPipe) Close() error {
	return multierr.Append(s.WriteCloser.Close(), s.ReadCloser.Close())
}
