// Package subprocess provides the process side of a plugin connection.
//
// Process launches a plugin executable with the -plugin argument and exposes
// its standard input and output as the streams a connection writes to and
// reads from. Its standard error is scanned line by line and forwarded to an
// optional callback. Stdio returns the current process's own streams for the
// plugin end of the channel.
package subprocess
