package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	stdioplugin "github.com/wagiedev/stdioplugin-go"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run as an echo plugin over stdin and stdout",
	Long: `Run as a plugin over this process's stdin and stdout.

Every request except Handshake and Close is answered with its own payload.
A Close request is acknowledged and then shuts the plugin down. Logs go to
stderr.`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		opts, err := connectionOptions()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runEchoPlugin(ctx, opts)
	},
}

func runEchoPlugin(ctx context.Context, opts []stdioplugin.Option) error {
	closer := &closeHandler{requested: make(chan struct{})}

	for _, method := range stdioplugin.Methods() {
		switch method {
		case stdioplugin.MethodHandshake, stdioplugin.MethodNone:
			continue
		case stdioplugin.MethodClose:
			opts = append(opts, stdioplugin.WithRequestHandler(method, closer))
		default:
			opts = append(opts, stdioplugin.WithRequestHandler(method, echoHandler()))
		}
	}

	plugin, err := stdioplugin.Serve(ctx, opts...)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	defer plugin.Close()

	select {
	case <-plugin.Done():
	case <-closer.requested:
	case <-ctx.Done():
	}

	return nil
}

// echoHandler answers a request with its own payload.
func echoHandler() stdioplugin.HandlerFunc {
	return func(_ context.Context, req *stdioplugin.Message) (any, error) {
		return req.Payload(), nil
	}
}

// closeHandler acknowledges a Close request, then signals shutdown.
type closeHandler struct {
	once      sync.Once
	requested chan struct{}
}

func (h *closeHandler) HandleRequest(ctx context.Context, _ *stdioplugin.Message, responder stdioplugin.Responder) error {
	defer h.once.Do(func() { close(h.requested) })

	return responder.SendResponse(ctx, nil)
}
