package stdioplugin

import (
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/blang/semver/v4"

	"github.com/wagiedev/stdioplugin-go/internal/config"
	"github.com/wagiedev/stdioplugin-go/internal/protocol"
)

// Option configures a connection using the functional options pattern.
// Options apply in order; later options override earlier ones.
type Option func(*settings)

// settings collects everything the options can set.
type settings struct {
	options  *config.Options
	handlers map[Method]RequestHandler
	err      error
}

// applyOptions applies functional options to a fresh settings value.
func applyOptions(opts []Option) *settings {
	s := &settings{
		options:  &config.Options{},
		handlers: make(map[Method]RequestHandler),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// logger returns the configured logger, or a silent one.
func (s *settings) logger() *slog.Logger {
	if s.options.Logger == nil {
		return NopLogger()
	}

	return s.options.Logger
}

// requestHandlers builds the registry from the registered handlers.
func (s *settings) requestHandlers() *protocol.RequestHandlers {
	handlers := protocol.NewRequestHandlers()

	for method, handler := range s.handlers {
		handlers.AddOrUpdate(method, handler)
	}

	return handlers
}

// ===== Basic Configuration =====

// WithLogger sets the logger for debug output.
// If not set, logging is disabled (silent operation).
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		s.options.Logger = logger
	}
}

// WithOptions replaces every connection setting with a copy of options.
// Handlers registered with WithRequestHandler are kept.
func WithOptions(options *Options) Option {
	return func(s *settings) {
		if options == nil {
			return
		}

		clone := *options
		clone.PluginArgs = append([]string(nil), options.PluginArgs...)
		clone.Env = maps.Clone(options.Env)
		s.options = &clone
	}
}

// WithConfigFile loads settings from a TOML file. Keys present in the file
// override earlier options; absent keys leave them untouched. A load failure
// is reported by the function the options are passed to.
func WithConfigFile(path string) Option {
	return func(s *settings) {
		loaded, err := config.LoadFile(path)
		if err != nil {
			s.err = fmt.Errorf("load config file: %w", err)

			return
		}

		if !isZeroVersion(loaded.ProtocolVersion) {
			s.options.ProtocolVersion = loaded.ProtocolVersion
		}

		if !isZeroVersion(loaded.MinimumProtocolVersion) {
			s.options.MinimumProtocolVersion = loaded.MinimumProtocolVersion
		}

		if loaded.HandshakeTimeout != 0 {
			s.options.HandshakeTimeout = loaded.HandshakeTimeout
		}

		if len(loaded.PluginArgs) > 0 {
			s.options.PluginArgs = loaded.PluginArgs
		}

		for key, value := range loaded.Env {
			if s.options.Env == nil {
				s.options.Env = make(map[string]string, len(loaded.Env))
			}

			s.options.Env[key] = value
		}
	}
}

// ===== Protocol =====

// WithProtocolVersion sets the highest protocol version this side speaks.
// Defaults to 1.0.0.
func WithProtocolVersion(version semver.Version) Option {
	return func(s *settings) {
		s.options.ProtocolVersion = version
	}
}

// WithMinimumProtocolVersion sets the lowest protocol version this side
// accepts. Defaults to 1.0.0.
func WithMinimumProtocolVersion(version semver.Version) Option {
	return func(s *settings) {
		s.options.MinimumProtocolVersion = version
	}
}

// WithHandshakeTimeout bounds the handshake and each inbound request handler.
// Defaults to the STDIOPLUGIN_HANDSHAKE_TIMEOUT environment variable, or 10s.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(s *settings) {
		s.options.HandshakeTimeout = timeout
	}
}

// WithRequestHandler registers handler for inbound requests of method.
// A later registration for the same method replaces the earlier one.
func WithRequestHandler(method Method, handler RequestHandler) Option {
	return func(s *settings) {
		s.handlers[method] = handler
	}
}

// ===== Plugin Process =====

// WithStderr sets a callback invoked with each line the plugin process
// writes to stderr.
func WithStderr(callback func(string)) Option {
	return func(s *settings) {
		s.options.Stderr = callback
	}
}

// WithPluginArgs sets extra arguments passed after "-plugin".
func WithPluginArgs(args ...string) Option {
	return func(s *settings) {
		s.options.PluginArgs = append([]string(nil), args...)
	}
}

// WithEnv adds environment variables for the plugin process. Repeated calls
// merge, later values winning.
func WithEnv(env map[string]string) Option {
	return func(s *settings) {
		if s.options.Env == nil {
			s.options.Env = make(map[string]string, len(env))
		}

		maps.Copy(s.options.Env, env)
	}
}

func isZeroVersion(v semver.Version) bool {
	return v.Equals(semver.Version{})
}
