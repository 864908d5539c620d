// Package stdioplugin implements a duplex plugin protocol over standard input
// and output.
//
// A host launches a plugin executable with the -plugin argument and the two
// processes exchange newline-terminated JSON messages over the child's stdin
// and stdout. Either side may send requests; every request is answered by
// exactly one Response, Fault or Cancel, optionally preceded by Progress.
// Before any other traffic both sides run a symmetric handshake that agrees
// on a protocol version both support.
//
// # Host Side
//
// Launch starts the plugin and returns once the handshake has completed:
//
//	ctx := context.Background()
//	plugin, err := stdioplugin.Launch(ctx, "/path/to/plugin",
//	    stdioplugin.WithLogger(slog.Default()),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer plugin.Close()
//
//	resp, err := stdioplugin.Call[GetPackageHashResponse](ctx, plugin.Connection(),
//	    stdioplugin.MethodGetPackageHash, req,
//	    stdioplugin.RequestOptions{Timeout: 30 * time.Second})
//
// For scoped use, WithPlugin launches, runs a callback and closes:
//
//	err := stdioplugin.WithPlugin(ctx, path, func(p *stdioplugin.Plugin) error {
//	    // use p.Connection()...
//	    return nil
//	})
//
// # Plugin Side
//
// A plugin registers handlers and serves over its own stdio:
//
//	plugin, err := stdioplugin.Serve(ctx,
//	    stdioplugin.WithLogger(stdioplugin.StderrLogger(slog.LevelInfo)),
//	    stdioplugin.WithRequestHandler(stdioplugin.MethodGetPackageHash,
//	        stdioplugin.HandlerFunc(func(ctx context.Context, req *stdioplugin.Message) (any, error) {
//	            return &GetPackageHashResponse{Hash: "..."}, nil
//	        })),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer plugin.Close()
//
//	_ = plugin.Wait(ctx)
//
// A handler that needs more time reports progress through its Responder,
// which restarts the timeout window on both sides when the caller asked for
// keep-alive.
//
// # Configuration
//
// The protocol version range and handshake timeout default to 1.0.0, 1.0.0
// and 10 seconds. They can be set with options, loaded from a TOML file with
// WithConfigFile, and the timeout can be overridden with the
// STDIOPLUGIN_HANDSHAKE_TIMEOUT environment variable.
//
// # Error Handling
//
// Errors are returned as typed values that can be inspected with errors.Is
// and errors.As:
//
//	_, err := stdioplugin.Call[Resp](ctx, conn, method, req, opts)
//	if errors.Is(err, stdioplugin.ErrRequestTimeout) {
//	    // the peer did not answer in time
//	}
//
//	var fault *stdioplugin.FaultError
//	if errors.As(err, &fault) {
//	    // the peer answered with a Fault
//	}
package stdioplugin
