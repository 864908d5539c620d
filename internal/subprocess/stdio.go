package subprocess

import (
	"io"
	"os"
)

// Stdio returns the current process's standard input and output, for the
// plugin end of a connection. Nothing else may write to os.Stdout while the
// connection is open; logs belong on stderr.
func Stdio() (stdin io.ReadCloser, stdout io.WriteCloser) {
	return os.Stdin, os.Stdout
}
