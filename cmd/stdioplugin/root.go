package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/blang/semver/v4"
	"github.com/spf13/cobra"

	stdioplugin "github.com/wagiedev/stdioplugin-go"
)

// GlobalFlags holds the flags shared by every command.
type GlobalFlags struct {
	ConfigFile             string
	LogLevel               string
	ProtocolVersion        string
	MinimumProtocolVersion string
	HandshakeTimeout       time.Duration
}

var globalFlags GlobalFlags

var rootCmd = &cobra.Command{
	Use:   "stdioplugin",
	Short: "Plugin protocol over standard input and output",
	Long: `stdioplugin speaks the line-oriented JSON plugin protocol.

Launched with -plugin as its first argument it acts as an echo plugin,
the same as "stdioplugin serve". The probe command launches a plugin,
runs the handshake and optionally sends one request.`,
	SilenceUsage: true,
}

// Execute runs the root command with args.
func Execute(args []string) {
	rootCmd.SetArgs(args)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalFlags.ConfigFile, "config", "", "TOML file with connection options")
	rootCmd.PersistentFlags().StringVar(&globalFlags.LogLevel, "log-level", "warn", "log level: debug|info|warn|error")
	rootCmd.PersistentFlags().StringVar(&globalFlags.ProtocolVersion, "protocol-version", "", "highest protocol version to speak")
	rootCmd.PersistentFlags().StringVar(&globalFlags.MinimumProtocolVersion, "minimum-protocol-version", "",
		"lowest protocol version to accept")
	rootCmd.PersistentFlags().DurationVar(&globalFlags.HandshakeTimeout, "handshake-timeout", 0,
		"handshake and handler timeout (default from config, environment, or 10s)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(probeCmd)
}

// connectionOptions turns the global flags into library options. The config
// file applies first so explicit flags override it.
func connectionOptions() ([]stdioplugin.Option, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(globalFlags.LogLevel)); err != nil {
		return nil, fmt.Errorf("parse --log-level: %w", err)
	}

	opts := []stdioplugin.Option{
		stdioplugin.WithLogger(stdioplugin.StderrLogger(level)),
	}

	if globalFlags.ConfigFile != "" {
		opts = append(opts, stdioplugin.WithConfigFile(globalFlags.ConfigFile))
	}

	if globalFlags.ProtocolVersion != "" {
		version, err := semver.Parse(globalFlags.ProtocolVersion)
		if err != nil {
			return nil, fmt.Errorf("parse --protocol-version: %w", err)
		}

		opts = append(opts, stdioplugin.WithProtocolVersion(version))
	}

	if globalFlags.MinimumProtocolVersion != "" {
		version, err := semver.Parse(globalFlags.MinimumProtocolVersion)
		if err != nil {
			return nil, fmt.Errorf("parse --minimum-protocol-version: %w", err)
		}

		opts = append(opts, stdioplugin.WithMinimumProtocolVersion(version))
	}

	if globalFlags.HandshakeTimeout != 0 {
		opts = append(opts, stdioplugin.WithHandshakeTimeout(globalFlags.HandshakeTimeout))
	}

	return opts, nil
}
