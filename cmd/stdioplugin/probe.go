package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"

	stdioplugin "github.com/wagiedev/stdioplugin-go"
)

type probeFlags struct {
	Method  string
	Payload string
	Timeout time.Duration
}

var probeOpts probeFlags

var probeCmd = &cobra.Command{
	Use:   "probe <plugin-path> [-- plugin-args...]",
	Short: "Launch a plugin, handshake, and optionally send one request",
	Long: `Launch the plugin at <plugin-path> with -plugin and any extra
arguments, run the handshake and print the negotiated protocol version.

With --method, one request is sent and the response payload is printed
as JSON.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := connectionOptions()
		if err != nil {
			return err
		}

		opts = append(opts, stdioplugin.WithPluginArgs(args[1:]...))

		return runProbe(cmd.Context(), cmd.OutOrStdout(), args[0], probeOpts, opts)
	},
}

func init() {
	probeCmd.Flags().StringVar(&probeOpts.Method, "method", "", "request method to send after the handshake")
	probeCmd.Flags().StringVar(&probeOpts.Payload, "payload", "", "JSON request payload")
	probeCmd.Flags().DurationVar(&probeOpts.Timeout, "timeout", 30*time.Second, "request timeout")
}

func runProbe(
	ctx context.Context,
	out io.Writer,
	path string,
	flags probeFlags,
	opts []stdioplugin.Option,
) error {
	var (
		method  stdioplugin.Method
		payload json.RawMessage
	)

	if flags.Method != "" {
		method = stdioplugin.Method(flags.Method)
		if !slices.Contains(stdioplugin.Methods(), method) || method == stdioplugin.MethodNone {
			return fmt.Errorf("unknown method %q", flags.Method)
		}

		if method == stdioplugin.MethodHandshake {
			return fmt.Errorf("method %s is reserved for the connection handshake", method)
		}
	}

	if flags.Payload != "" {
		if !json.Valid([]byte(flags.Payload)) {
			return fmt.Errorf("--payload is not valid JSON")
		}

		payload = json.RawMessage(flags.Payload)
	}

	if ctx == nil {
		ctx = context.Background()
	}

	plugin, err := stdioplugin.Launch(ctx, path, opts...)
	if err != nil {
		return fmt.Errorf("launch %s: %w", path, err)
	}
	defer plugin.Close()

	fmt.Fprintf(out, "pid: %d\n", plugin.Pid())
	fmt.Fprintf(out, "protocol version: %s\n", plugin.ProtocolVersion())

	if method == "" {
		return nil
	}

	var request any
	if payload != nil {
		request = payload
	}

	resp, err := stdioplugin.Call[json.RawMessage](ctx, plugin.Connection(), method, request,
		stdioplugin.RequestOptions{Timeout: flags.Timeout, KeepAlive: true})
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	if resp == nil || len(*resp) == 0 {
		fmt.Fprintln(out, "response: null")

		return nil
	}

	fmt.Fprintf(out, "response: %s\n", *resp)

	return nil
}
