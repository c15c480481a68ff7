// Package process runs connector processes and exchanges newline-delimited
// JSON messages with them.
//
// A Process is the runnable unit (a local executable, a container image, or a
// Go function served in-process). A Channel owns one Process and layers the
// message protocol on top of its standard input and output.
package process

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
)

// Host aliases under which a connector reaches services bound on the host.
const (
	HostLocal     = "localhost"
	HostContainer = "host.docker.internal"
)

// DefaultStopGrace is how long a process gets to exit on its own after its
// input is closed before it is killed.
const DefaultStopGrace = 5 * time.Second

// Process is a connector that can be started and stopped repeatedly.
type Process interface {
	// Name identifies the connector in logs.
	Name() string
	// Init resolves the runnable unit. It is idempotent.
	Init(ctx context.Context) error
	// Start launches the process with env added to its environment and returns
	// its input and output streams. The output stream reaches EOF once the
	// process exits.
	Start(ctx context.Context, env map[string]string) (io.WriteCloser, io.ReadCloser, error)
	// Running reports whether the process has been started and not yet exited.
	Running() bool
	// Stop terminates the process. Stopping an exited process is not an error.
	Stop(ctx context.Context) error
	// Close stops the process and releases everything Init acquired.
	Close(ctx context.Context) error
	// HostAlias is the host name the process uses to reach the host machine.
	HostAlias() string
}

// runner supervises one exec.Cmd at a time. It is shared by Subprocess and
// Container.
type runner struct {
	name  string
	log   *zap.Logger
	grace time.Duration

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan struct{}
}

func newRunner(name string, log *zap.Logger) *runner {
	return &runner{
		name:  name,
		log:   log,
		grace: DefaultStopGrace,
	}
}

// start launches cmd. Standard output goes through an OS pipe owned by the
// caller so that reading it is never raced by exec.Cmd.Wait.
func (r *runner) start(cmd *exec.Cmd) (io.WriteCloser, io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cmd != nil && !closed(r.done) {
		return nil, nil, errors.Newf(errors.ErrorTypeInternal, "connector %s is already running", r.name)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to open connector stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to open connector stdout")
	}
	cmd.Stderr = newLineLogger(r.log.With(zap.String("stream", "stderr")))

	if err := cmd.Start(); err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to start connector "+r.name)
	}

	// exec.Cmd.Wait closes stdout, so the output is copied into a pipe that
	// stays readable until the process has exited and everything is drained.
	pr, pw := io.Pipe()
	copied := make(chan struct{})
	go func() {
		_, err := io.Copy(pw, stdout)
		pw.CloseWithError(err)
		close(copied)
	}()

	done := make(chan struct{})
	go func() {
		<-copied
		err := cmd.Wait()
		if err != nil {
			r.log.Debug("connector process exited", zap.Error(err))
		} else {
			r.log.Debug("connector process exited")
		}
		close(done)
	}()

	r.cmd = cmd
	r.stdin = stdin
	r.done = done
	r.log.Debug("connector process started", zap.Int("pid", cmd.Process.Pid))
	return stdin, pr, nil
}

func (r *runner) running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cmd != nil && !closed(r.done)
}

// stop closes the process input, waits for it to exit and kills it after the
// grace period.
func (r *runner) stop(ctx context.Context) error {
	r.mu.Lock()
	cmd, stdin, done := r.cmd, r.stdin, r.done
	r.mu.Unlock()

	if cmd == nil || closed(done) {
		return nil
	}

	var firstErr error
	if err := stdin.Close(); err != nil {
		firstErr = err
	}

	timer := time.NewTimer(r.grace)
	defer timer.Stop()

	select {
	case <-done:
		return firstErr
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := cmd.Process.Kill(); err != nil && firstErr == nil {
		firstErr = err
	}
	<-done
	return firstErr
}

func closed(ch chan struct{}) bool {
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// lineLogger is an io.Writer that logs every complete line it receives.
type lineLogger struct {
	log *zap.Logger
	mu  sync.Mutex
	buf []byte
}

func newLineLogger(log *zap.Logger) *lineLogger {
	return &lineLogger{log: log}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(l.buf[:i]); len(line) > 0 {
			l.log.Info(string(line))
		}
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}
