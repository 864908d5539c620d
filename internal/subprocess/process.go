package subprocess

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/wagiedev/stdioplugin-go/internal/config"
	"github.com/wagiedev/stdioplugin-go/internal/errors"
)

const (
	// PluginArg is the first argument every plugin executable receives.
	PluginArg = "-plugin"

	// maxStderrBufferSize caps the stderr kept for error reporting. The
	// callback still receives every line.
	maxStderrBufferSize = 1024 * 1024 // 1MB

	// exitWaitTimeout bounds how long Close waits for a killed process.
	exitWaitTimeout = 5 * time.Second
)

// Process is a running plugin executable.
type Process struct {
	log            *slog.Logger
	path           string
	args           []string
	env            []string
	stderrCallback func(string)

	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	stderr *stderrBuffer

	mu      sync.Mutex
	closing bool

	exited  chan struct{}
	exitErr error
}

// NewProcess prepares a plugin process for path. Nothing runs until Start.
//
// The process receives "-plugin" followed by options.PluginArgs, and the
// current environment extended with options.Env.
func NewProcess(log *slog.Logger, path string, options *config.Options) *Process {
	if options == nil {
		options = config.Default()
	}

	return &Process{
		log:            log.With("component", "plugin_process"),
		path:           path,
		args:           append([]string{PluginArg}, options.PluginArgs...),
		env:            buildEnvironment(options.Env),
		stderrCallback: options.Stderr,
		stderr:         &stderrBuffer{limit: maxStderrBufferSize},
		exited:         make(chan struct{}),
	}
}

// Start resolves the executable and spawns it.
//
// Returns *errors.ConnectionError if the executable cannot be found or the
// process fails to start. ctx only bounds startup; the process lives until
// Close or until it exits on its own.
func (p *Process) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Cancelled(context.Cause(ctx))
	}

	path, err := resolvePath(p.path)
	if err != nil {
		p.log.Error("Plugin executable not found", "path", p.path, "error", err)

		return &errors.ConnectionError{Err: err}
	}

	p.log.Info("Starting plugin process", "path", path, "args", p.args)

	// The pipes are created by hand so that Wait never closes the ends the
	// connection is still reading from.
	stdinReader, stdinWriter, err := os.Pipe()
	if err != nil {
		return &errors.ConnectionError{Err: fmt.Errorf("stdin pipe: %w", err)}
	}

	stdoutReader, stdoutWriter, err := os.Pipe()
	if err != nil {
		closeAll(stdinReader, stdinWriter)

		return &errors.ConnectionError{Err: fmt.Errorf("stdout pipe: %w", err)}
	}

	//nolint:gosec // G204: launching a caller-chosen plugin is the purpose of this package
	cmd := exec.Command(path, p.args...)
	cmd.Env = p.env
	cmd.Stdin = stdinReader
	cmd.Stdout = stdoutWriter

	stderr, err := cmd.StderrPipe()
	if err != nil {
		closeAll(stdinReader, stdinWriter, stdoutReader, stdoutWriter)

		return &errors.ConnectionError{Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		closeAll(stdinReader, stdinWriter, stdoutReader, stdoutWriter)
		p.log.Error("Failed to start plugin process", "error", err)

		return &errors.ConnectionError{Err: fmt.Errorf("start process: %w", err)}
	}

	// The child holds its own copies now.
	closeAll(stdinReader, stdoutWriter)

	p.mu.Lock()
	p.cmd = cmd
	p.stdin = stdinWriter
	p.stdout = stdoutReader
	p.mu.Unlock()

	p.log.Info("Plugin process started", "pid", cmd.Process.Pid)

	go p.wait(stderr)

	return nil
}

// Stdin is the stream the connection writes requests to.
func (p *Process) Stdin() io.WriteCloser {
	return p.stdin
}

// Stdout is the stream the connection reads replies from.
func (p *Process) Stdout() io.ReadCloser {
	return p.stdout
}

// Pid returns the process id, or 0 before Start.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}

	return p.cmd.Process.Pid
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.exited
}

// Err returns the exit error after Done is closed. It is nil for a clean exit
// and for an exit caused by Close, and *errors.ProcessError otherwise.
func (p *Process) Err() error {
	select {
	case <-p.exited:
		return p.exitErr
	default:
		return nil
	}
}

// Stderr returns the buffered stderr output so far.
func (p *Process) Stderr() string {
	return p.stderr.String()
}

// wait streams stderr, then reaps the process.
func (p *Process) wait(stderr io.Reader) {
	defer close(p.exited)

	// All reads from the stderr pipe must finish before Wait.
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()

		p.stderr.WriteLine(line)

		if p.stderrCallback != nil {
			p.stderrCallback(line)
		}
	}

	if err := scanner.Err(); err != nil {
		p.log.Debug("Stderr scanner error", "error", err)
	}

	err := p.cmd.Wait()

	p.mu.Lock()
	closing := p.closing
	p.mu.Unlock()

	switch {
	case closing:
		p.log.Debug("Plugin process terminated during shutdown")
	case err != nil:
		exitCode := -1
		if exitErr, ok := stderrors.AsType[*exec.ExitError](err); ok {
			exitCode = exitErr.ExitCode()
		}

		stderrOutput := p.stderr.String()

		p.log.Error("Plugin process exited with error", "exit_code", exitCode, "stderr", stderrOutput)

		p.exitErr = &errors.ProcessError{ExitCode: exitCode, Stderr: stderrOutput, Err: err}
	default:
		p.log.Info("Plugin process exited")
	}
}

// Close closes stdin, kills the process and waits for it to be reaped.
// It is safe to call more than once and before Start.
func (p *Process) Close() error {
	p.mu.Lock()

	if p.closing {
		p.mu.Unlock()

		return nil
	}

	p.closing = true
	cmd := p.cmd
	stdin := p.stdin

	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if stdin != nil {
		if err := stdin.Close(); err != nil && !stderrors.Is(err, os.ErrClosed) {
			p.log.Debug("Failed to close plugin stdin", "error", err)
		}
	}

	p.log.Debug("Killing plugin process", "pid", cmd.Process.Pid)

	if err := cmd.Process.Kill(); err != nil && !stderrors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill plugin process (pid %d): %w", cmd.Process.Pid, err)
	}

	select {
	case <-p.exited:
	case <-time.After(exitWaitTimeout):
		p.log.Warn("Plugin process was not reaped after kill, potential leak", "pid", cmd.Process.Pid)
	}

	return nil
}

// resolvePath returns path unchanged when it names a file, and otherwise
// looks a bare name up in PATH.
func resolvePath(path string) (string, error) {
	if path == "" {
		return "", stderrors.New("plugin path is empty")
	}

	if strings.ContainsRune(path, os.PathSeparator) {
		info, err := os.Stat(path)
		if err != nil {
			return "", fmt.Errorf("stat plugin: %w", err)
		}

		if info.IsDir() {
			return "", fmt.Errorf("plugin path %s is a directory", path)
		}

		return path, nil
	}

	found, err := exec.LookPath(path)
	if err != nil {
		return "", fmt.Errorf("look up plugin: %w", err)
	}

	return found, nil
}

// buildEnvironment appends extra to the current environment in key order.
func buildEnvironment(extra map[string]string) []string {
	env := os.Environ()

	for _, key := range slices.Sorted(maps.Keys(extra)) {
		env = append(env, key+"="+extra[key])
	}

	return env
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// stderrBuffer keeps stderr lines up to a byte limit.
type stderrBuffer struct {
	mu    sync.Mutex
	buf   strings.Builder
	limit int
}

// WriteLine appends line unless the limit has been reached.
func (b *stderrBuffer) WriteLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.buf.Len() >= b.limit {
		return
	}

	if b.buf.Len() > 0 {
		b.buf.WriteByte('\n')
	}

	b.buf.WriteString(line)
}

func (b *stderrBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return strings.TrimSpace(b.buf.String())
}
