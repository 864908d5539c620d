package stdioplugin

import (
	"context"
	"fmt"
)

// WithPlugin manages plugin lifecycle with automatic cleanup.
//
// This helper launches the plugin at path, performs the handshake, executes
// the callback, and ensures the plugin is closed when done.
//
// If the callback returns an error, it is returned to the caller.
// If Close fails, a warning is logged but does not override the callback's error.
//
// Example usage:
//
//	err := stdioplugin.WithPlugin(ctx, pluginPath, func(p *stdioplugin.Plugin) error {
//	    _, err := stdioplugin.Call[InitializeResponse](ctx, p.Connection(),
//	        stdioplugin.MethodInitialize, req, stdioplugin.RequestOptions{})
//	    return err
//	},
//	    stdioplugin.WithLogger(log),
//	)
func WithPlugin(ctx context.Context, path string, fn func(*Plugin) error, opts ...Option) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	log := applyOptions(opts).logger()

	plugin, err := Launch(ctx, path, opts...)
	if err != nil {
		return fmt.Errorf("failed to launch plugin: %w", err)
	}

	defer func() {
		if closeErr := plugin.Close(); closeErr != nil {
			log.Warn("failed to close plugin", "error", closeErr)
		}
	}()

	return fn(plugin)
}
