package stdioplugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blang/semver/v4"
	"github.com/stretchr/testify/require"
)

func TestApplyOptions(t *testing.T) {
	var stderrLines []string

	handler := HandlerFunc(func(context.Context, *Message) (any, error) { return nil, nil })

	s := applyOptions([]Option{
		WithLogger(NopLogger()),
		WithProtocolVersion(semver.MustParse("2.0.0")),
		WithMinimumProtocolVersion(semver.MustParse("1.5.0")),
		WithHandshakeTimeout(3 * time.Second),
		WithStderr(func(line string) { stderrLines = append(stderrLines, line) }),
		WithPluginArgs("--feed", "local"),
		WithEnv(map[string]string{"A": "1"}),
		WithEnv(map[string]string{"B": "2", "A": "3"}),
		WithRequestHandler(MethodGetPackageHash, handler),
	})

	require.NoError(t, s.err)
	require.NotNil(t, s.options.Logger)
	require.Equal(t, "2.0.0", s.options.ProtocolVersion.String())
	require.Equal(t, "1.5.0", s.options.MinimumProtocolVersion.String())
	require.Equal(t, 3*time.Second, s.options.HandshakeTimeout)
	require.Equal(t, []string{"--feed", "local"}, s.options.PluginArgs)
	require.Equal(t, map[string]string{"A": "3", "B": "2"}, s.options.Env)

	s.options.Stderr("line")
	require.Equal(t, []string{"line"}, stderrLines)

	handlers := s.requestHandlers()
	require.Equal(t, []Method{MethodGetPackageHash}, handlers.Methods())
}

func TestApplyOptions_DefaultsToSilentLogger(t *testing.T) {
	s := applyOptions(nil)

	require.NotNil(t, s.logger())
	require.Empty(t, s.requestHandlers().Methods())
}

func TestWithOptions_CopiesInput(t *testing.T) {
	input := &Options{
		HandshakeTimeout: time.Second,
		PluginArgs:       []string{"a"},
		Env:              map[string]string{"K": "V"},
	}

	s := applyOptions([]Option{WithOptions(input), WithPluginArgs("b")})

	require.Equal(t, time.Second, s.options.HandshakeTimeout)
	require.Equal(t, []string{"b"}, s.options.PluginArgs)
	require.Equal(t, []string{"a"}, input.PluginArgs)

	s.options.Env["K"] = "changed"
	require.Equal(t, "V", input.Env["K"])
}

func TestWithConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugin.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
protocol_version = "2.0.0"
handshake_timeout = "15s"

[env]
NUGET_PLUGIN_LOG = "1"
`), 0o600))

	s := applyOptions([]Option{
		WithMinimumProtocolVersion(semver.MustParse("1.0.0")),
		WithHandshakeTimeout(time.Second),
		WithConfigFile(path),
	})

	require.NoError(t, s.err)
	require.Equal(t, "2.0.0", s.options.ProtocolVersion.String())
	require.Equal(t, "1.0.0", s.options.MinimumProtocolVersion.String())
	require.Equal(t, 15*time.Second, s.options.HandshakeTimeout)
	require.Equal(t, map[string]string{"NUGET_PLUGIN_LOG": "1"}, s.options.Env)

	// Options after the file override it.
	s = applyOptions([]Option{WithConfigFile(path), WithHandshakeTimeout(time.Second)})
	require.Equal(t, time.Second, s.options.HandshakeTimeout)
}

func TestWithConfigFile_Missing(t *testing.T) {
	s := applyOptions([]Option{WithConfigFile(filepath.Join(t.TempDir(), "missing.toml"))})

	require.ErrorIs(t, s.err, ErrInvalidOptions)

	_, err := NewConnection(nil, nil, WithConfigFile(filepath.Join(t.TempDir(), "missing.toml")))
	require.ErrorIs(t, err, ErrInvalidOptions)
}
