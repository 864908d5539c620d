package config

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/blang/semver/v4"

	"github.com/wagiedev/stdioplugin-go/internal/errors"
)

// HandshakeTimeoutEnv overrides the default handshake timeout, in seconds or
// as a Go duration string ("15s").
const HandshakeTimeoutEnv = "STDIOPLUGIN_HANDSHAKE_TIMEOUT"

// DefaultHandshakeTimeout bounds the handshake and every inbound handler.
const DefaultHandshakeTimeout = 10 * time.Second

// maxTimeout is the largest timeout a peer can represent in milliseconds.
const maxTimeout = time.Duration(math.MaxInt32) * time.Millisecond

var (
	// DefaultProtocolVersion is the highest protocol version spoken by default.
	DefaultProtocolVersion = semver.MustParse("1.0.0")

	// DefaultMinimumProtocolVersion is the lowest protocol version accepted by default.
	DefaultMinimumProtocolVersion = semver.MustParse("1.0.0")
)

// Options configures a plugin connection.
type Options struct {
	// Logger is the slog logger for debug output.
	// If nil, logging is disabled (silent operation).
	Logger *slog.Logger

	// ProtocolVersion is the highest protocol version this side speaks.
	// The zero version selects DefaultProtocolVersion.
	ProtocolVersion semver.Version

	// MinimumProtocolVersion is the lowest protocol version this side accepts.
	// The zero version selects DefaultMinimumProtocolVersion.
	MinimumProtocolVersion semver.Version

	// HandshakeTimeout bounds the handshake and each inbound request handler.
	// Zero selects the environment override or DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// Stderr receives each line the plugin process writes to stderr.
	Stderr func(string)

	// PluginArgs are extra arguments passed after "-plugin" when launching.
	PluginArgs []string

	// Env holds additional environment variables for the plugin process.
	Env map[string]string
}

// Default returns options populated with the built-in defaults.
func Default() *Options {
	return &Options{
		ProtocolVersion:        DefaultProtocolVersion,
		MinimumProtocolVersion: DefaultMinimumProtocolVersion,
		HandshakeTimeout:       DefaultHandshakeTimeout,
	}
}

// Resolve returns a copy of o with defaults and environment overrides
// applied, validated. A nil receiver resolves to the defaults.
func (o *Options) Resolve() (*Options, error) {
	resolved := Default()

	if o != nil {
		*resolved = *o
	}

	if isZero(resolved.ProtocolVersion) {
		resolved.ProtocolVersion = DefaultProtocolVersion
	}

	if isZero(resolved.MinimumProtocolVersion) {
		resolved.MinimumProtocolVersion = DefaultMinimumProtocolVersion
	}

	if resolved.HandshakeTimeout == 0 {
		timeout, ok, err := timeoutFromEnv()
		if err != nil {
			return nil, err
		}

		if ok {
			resolved.HandshakeTimeout = timeout
		} else {
			resolved.HandshakeTimeout = DefaultHandshakeTimeout
		}
	}

	if err := resolved.Validate(); err != nil {
		return nil, err
	}

	return resolved, nil
}

// Validate checks the version range and the handshake timeout.
func (o *Options) Validate() error {
	if o.MinimumProtocolVersion.GT(o.ProtocolVersion) {
		return fmt.Errorf("%w: minimum protocol version %s exceeds protocol version %s",
			errors.ErrInvalidOptions, o.MinimumProtocolVersion, o.ProtocolVersion)
	}

	if !ValidTimeout(o.HandshakeTimeout) {
		return fmt.Errorf("%w: handshake timeout %s must be positive and at most %s",
			errors.ErrInvalidOptions, o.HandshakeTimeout, maxTimeout)
	}

	return nil
}

// ValidTimeout reports whether d is positive and representable as a 32-bit
// millisecond count.
func ValidTimeout(d time.Duration) bool {
	return d > 0 && d <= maxTimeout
}

func isZero(v semver.Version) bool {
	return v.Major == 0 && v.Minor == 0 && v.Patch == 0 && len(v.Pre) == 0 && len(v.Build) == 0
}

func timeoutFromEnv() (time.Duration, bool, error) {
	raw := strings.TrimSpace(os.Getenv(HandshakeTimeoutEnv))
	if raw == "" {
		return 0, false, nil
	}

	timeout, err := parseTimeout(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s: %w", errors.ErrInvalidOptions, HandshakeTimeoutEnv, err)
	}

	return timeout, true, nil
}

// parseTimeout accepts whole seconds ("15") or a Go duration ("1m30s").
func parseTimeout(raw string) (time.Duration, error) {
	if seconds, err := strconv.Atoi(raw); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}

	return time.ParseDuration(raw)
}
