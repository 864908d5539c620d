package stdioplugin

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"sync"

	"github.com/blang/semver/v4"

	"github.com/wagiedev/stdioplugin-go/internal/protocol"
	"github.com/wagiedev/stdioplugin-go/internal/subprocess"
	"github.com/wagiedev/stdioplugin-go/internal/transport"
)

// Plugin is a connected plugin channel: a Connection plus, on the host side,
// the child process it talks to.
//
// Lifecycle: a Plugin is returned connected and is single-use. Close tears the
// connection down and kills the process. The connection closes itself when
// its inbound stream faults, and the Plugin closes when the process exits.
//
// Example usage:
//
//	plugin, err := stdioplugin.Launch(ctx, "/path/to/plugin",
//	    stdioplugin.WithLogger(slog.Default()),
//	    stdioplugin.WithHandshakeTimeout(15*time.Second),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer plugin.Close()
//
//	claims, err := stdioplugin.Call[ClaimsResponse](ctx, plugin.Connection(),
//	    stdioplugin.MethodGetOperationClaims, req, stdioplugin.RequestOptions{})
type Plugin struct {
	log     *slog.Logger
	conn    *protocol.Connection
	process *subprocess.Process

	closeOnce sync.Once
	closeErr  error
}

// Launch starts the plugin executable at path with "-plugin", connects to
// its stdin and stdout, and performs the handshake.
//
// Returns *ConnectionError if the process cannot be started, and the errors
// of Connection.Connect if the handshake fails. On any failure the process is
// killed before Launch returns.
func Launch(ctx context.Context, path string, opts ...Option) (*Plugin, error) {
	s := applyOptions(opts)
	if s.err != nil {
		return nil, s.err
	}

	log := s.logger()

	resolved, err := s.options.Resolve()
	if err != nil {
		return nil, err
	}

	process := subprocess.NewProcess(log, path, resolved)
	if err := process.Start(ctx); err != nil {
		return nil, err
	}

	conn, err := newConnection(log, process.Stdout(), process.Stdin(), s)
	if err != nil {
		_ = process.Close()

		return nil, err
	}

	p := &Plugin{log: log.With("component", "plugin"), conn: conn, process: process}

	go p.watchProcess()

	if err := p.connect(ctx); err != nil {
		return nil, err
	}

	return p, nil
}

// Serve connects over the current process's stdin and stdout and performs
// the handshake. It is the plugin end of Launch.
//
// Nothing else may write to stdout while the connection is open.
func Serve(ctx context.Context, opts ...Option) (*Plugin, error) {
	stdin, stdout := subprocess.Stdio()

	return ServeStreams(ctx, stdin, stdout, opts...)
}

// ServeStreams connects over r and w and performs the handshake.
func ServeStreams(ctx context.Context, r io.ReadCloser, w io.WriteCloser, opts ...Option) (*Plugin, error) {
	s := applyOptions(opts)
	if s.err != nil {
		return nil, s.err
	}

	log := s.logger()

	conn, err := newConnection(log, r, w, s)
	if err != nil {
		return nil, err
	}

	p := &Plugin{log: log.With("component", "plugin"), conn: conn}

	if err := p.connect(ctx); err != nil {
		return nil, err
	}

	return p, nil
}

// NewConnection builds an unconnected Connection that reads from r and
// writes to w. Call Connect to start it.
func NewConnection(r io.ReadCloser, w io.WriteCloser, opts ...Option) (*Connection, error) {
	s := applyOptions(opts)
	if s.err != nil {
		return nil, s.err
	}

	return newConnection(s.logger(), r, w, s)
}

func newConnection(log *slog.Logger, r io.ReadCloser, w io.WriteCloser, s *settings) (*protocol.Connection, error) {
	return protocol.NewConnection(
		log,
		transport.NewSender(log, w),
		transport.NewReceiver(log, r),
		s.requestHandlers(),
		s.options,
	)
}

// connect runs the handshake and closes everything when it fails.
func (p *Plugin) connect(ctx context.Context) error {
	if err := p.conn.Connect(ctx); err != nil {
		if closeErr := p.Close(); closeErr != nil {
			p.log.Debug("Close after failed connect", "error", closeErr)
		}

		return err
	}

	return nil
}

// watchProcess closes the connection when the process exits first.
func (p *Plugin) watchProcess() {
	select {
	case <-p.process.Done():
		if err := p.process.Err(); err != nil {
			p.log.Warn("Plugin process exited unexpectedly", "error", err)
		}

		if err := p.conn.Close(); err != nil {
			p.log.Debug("Close after process exit", "error", err)
		}
	case <-p.conn.Done():
	}
}

// Connection returns the underlying connection.
func (p *Plugin) Connection() *Connection {
	return p.conn
}

// ProtocolVersion returns the negotiated protocol version.
func (p *Plugin) ProtocolVersion() *semver.Version {
	return p.conn.ProtocolVersion()
}

// Handlers returns the registry consulted for inbound requests.
func (p *Plugin) Handlers() *RequestHandlers {
	return p.conn.Handlers()
}

// Pid returns the plugin process id, or 0 when serving over the current
// process's stdio.
func (p *Plugin) Pid() int {
	if p.process == nil {
		return 0
	}

	return p.process.Pid()
}

// Done is closed once the connection has closed.
func (p *Plugin) Done() <-chan struct{} {
	return p.conn.Done()
}

// Wait blocks until the connection closes or ctx ends.
func (p *Plugin) Wait(ctx context.Context) error {
	select {
	case <-p.conn.Done():
		if p.process != nil {
			return p.process.Err()
		}

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the connection and kills the plugin process.
// Safe to call multiple times.
func (p *Plugin) Close() error {
	p.closeOnce.Do(func() {
		var errs []error

		if err := p.conn.Close(); err != nil {
			errs = append(errs, err)
		}

		if p.process != nil {
			if err := p.process.Close(); err != nil {
				errs = append(errs, err)
			}
		}

		p.closeErr = stderrors.Join(errs...)
	})

	return p.closeErr
}

// PluginArg is the first argument a launched plugin receives. A plugin
// executable that finds it in os.Args should call Serve.
const PluginArg = subprocess.PluginArg
