// Package config holds the validated connection options shared by the
// protocol engine, the plugin launcher and the public API.
//
// Options come from three sources, applied in order: built-in defaults,
// an optional TOML file (LoadFile), and the STDIOPLUGIN_HANDSHAKE_TIMEOUT
// environment variable, which only applies when no timeout was set
// explicitly.
package config
