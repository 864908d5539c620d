// Command stdioplugin is an echo plugin and a plugin probe for the stdio
// plugin protocol.
//
// Usage:
//
//	stdioplugin -plugin                       # run as a plugin (echo handlers)
//	stdioplugin serve                         # same, explicit
//	stdioplugin probe ./my-plugin             # launch, handshake, print the version
//	stdioplugin probe ./my-plugin --method GetPackageHash --payload '{"PackageId":"a"}'
package main

import (
	"os"

	stdioplugin "github.com/wagiedev/stdioplugin-go"
)

func main() {
	args := os.Args[1:]

	// Hosts launch plugins as "<path> -plugin [args...]".
	if len(args) > 0 && args[0] == stdioplugin.PluginArg {
		args = append([]string{serveCmd.Name()}, args[1:]...)
	}

	Execute(args)
}
