package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/blang/semver/v4"

	"github.com/wagiedev/stdioplugin-go/internal/errors"
)

// fileOptions is the TOML shape of the connection options.
type fileOptions struct {
	ProtocolVersion        string            `toml:"protocol_version"`
	MinimumProtocolVersion string            `toml:"minimum_protocol_version"`
	HandshakeTimeout       string            `toml:"handshake_timeout"`
	PluginArgs             []string          `toml:"plugin_args"`
	Env                    map[string]string `toml:"env"`
}

// LoadFile reads connection options from a TOML file. Keys absent from the
// file keep their zero value so Resolve can fill them in.
func LoadFile(path string) (*Options, error) {
	var raw fileOptions

	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %w", errors.ErrInvalidOptions, path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: %s: unknown key %q", errors.ErrInvalidOptions, path, undecoded[0].String())
	}

	opts := &Options{
		PluginArgs: raw.PluginArgs,
		Env:        raw.Env,
	}

	if raw.ProtocolVersion != "" {
		if opts.ProtocolVersion, err = semver.Parse(raw.ProtocolVersion); err != nil {
			return nil, fmt.Errorf("%w: protocol_version: %w", errors.ErrInvalidOptions, err)
		}
	}

	if raw.MinimumProtocolVersion != "" {
		if opts.MinimumProtocolVersion, err = semver.Parse(raw.MinimumProtocolVersion); err != nil {
			return nil, fmt.Errorf("%w: minimum_protocol_version: %w", errors.ErrInvalidOptions, err)
		}
	}

	if raw.HandshakeTimeout != "" {
		if opts.HandshakeTimeout, err = parseTimeout(raw.HandshakeTimeout); err != nil {
			return nil, fmt.Errorf("%w: handshake_timeout: %w", errors.ErrInvalidOptions, err)
		}
	}

	return opts, nil
}
