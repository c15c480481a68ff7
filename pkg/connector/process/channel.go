package process

import (
	"bufio"
	"context"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/syncmaven/syncmaven-sub000/pkg/connector/protocol"
	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/logger"
)

// Result is returned by a one-shot Handler for every message it sees.
type Result int

const (
	// Pass hands the message on to the persistent listener.
	Pass Result = iota
	// Done consumes the message and retires the one-shot handler.
	Done
)

// Handler is a one-shot handler registered with Dispatch or Call.
type Handler func(protocol.Message) Result

// Listener receives every message no one-shot handler consumed.
type Listener func(protocol.Message)

type handlerState int

const (
	noHandler handlerState = iota
	oneShotActive
	persistentOnly
)

func (s handlerState) String() string {
	switch s {
	case oneShotActive:
		return "one_shot_active"
	case persistentOnly:
		return "persistent_only"
	default:
		return "no_handler"
	}
}

type waiter struct {
	handle Handler
	done   chan struct{}
}

// Channel exchanges protocol messages with one Process.
//
// Inbound lines are routed by a small state machine. While a one-shot handler
// is active it sees every message first; a message it does not consume falls
// through to the persistent listener exactly once. Without either, messages
// are logged.
//
// Callers must not dispatch overlapping requests on one Channel.
type Channel struct {
	proc Process
	log  *zap.Logger

	initOnce sync.Once
	initErr  error

	mu         sync.Mutex
	env        map[string]string
	state      handlerState
	oneShot    *waiter
	persistent Listener
	stdin      io.WriteCloser
	exited     chan struct{}
	readerDone chan struct{}

	writeMu sync.Mutex
}

// NewChannel returns a Channel for proc. Nothing is started until Start.
func NewChannel(proc Process) *Channel {
	return &Channel{
		proc: proc,
		log: logger.With(
			zap.String("component", "process_channel"),
			zap.String("connector", proc.Name()),
		),
		env: map[string]string{},
	}
}

// Process returns the underlying process.
func (c *Channel) Process() Process { return c.proc }

// SetEnv adds an environment variable for the next Start.
func (c *Channel) SetEnv(key, value string) {
	c.mu.Lock()
	c.env[key] = value
	c.mu.Unlock()
}

// Init resolves the process. Only the first call does any work.
func (c *Channel) Init(ctx context.Context) error {
	c.initOnce.Do(func() {
		c.initErr = c.proc.Init(ctx)
	})
	return c.initErr
}

// Start makes sure the process is running and registers persistent as the
// default recipient of inbound messages. Starting a running channel only
// replaces the listener.
func (c *Channel) Start(ctx context.Context, persistent Listener) error {
	if err := c.Init(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.persistent = persistent
	if c.state == noHandler && persistent != nil {
		c.state = persistentOnly
	}
	if c.stdin != nil && c.proc.Running() {
		c.mu.Unlock()
		c.log.Debug("connector already running")
		return nil
	}
	env := make(map[string]string, len(c.env))
	for k, v := range c.env {
		env[k] = v
	}
	c.mu.Unlock()

	stdin, stdout, err := c.proc.Start(ctx, env)
	if err != nil {
		return err
	}

	exited := make(chan struct{})
	readerDone := make(chan struct{})
	c.mu.Lock()
	c.stdin = stdin
	c.exited = exited
	c.readerDone = readerDone
	c.mu.Unlock()

	go c.read(stdout, exited, readerDone)
	return nil
}

// Running reports whether the process is alive.
func (c *Channel) Running() bool {
	return c.proc.Running()
}

// Exited is closed once the current process's output reaches EOF.
func (c *Channel) Exited() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exited
}

// Dispatch writes msg as one line. When oneShot is not nil it takes priority
// over the persistent listener until it returns Done.
func (c *Channel) Dispatch(msg protocol.Message, oneShot Handler) error {
	_, err := c.dispatch(msg, oneShot)
	return err
}

func (c *Channel) dispatch(msg protocol.Message, oneShot Handler) (*waiter, error) {
	c.mu.Lock()
	stdin := c.stdin
	if stdin == nil {
		c.mu.Unlock()
		return nil, errors.Newf(errors.ErrorTypeProtocol, "cannot send %s: connector is not running", msg.Type())
	}
	var w *waiter
	if oneShot != nil {
		w = &waiter{handle: oneShot, done: make(chan struct{})}
		c.oneShot = w
		c.state = oneShotActive
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	err := protocol.Write(stdin, msg)
	c.writeMu.Unlock()
	if err != nil {
		if w != nil {
			c.retire(w)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "failed to send "+string(msg.Type())+" to connector")
	}
	return w, nil
}

// Call dispatches msg and blocks until oneShot returns Done. It fails when
// the connector exits first or ctx is done.
func (c *Channel) Call(ctx context.Context, msg protocol.Message, oneShot Handler) error {
	exited := c.Exited()
	w, err := c.dispatch(msg, oneShot)
	if err != nil {
		return err
	}

	select {
	case <-w.done:
		return nil
	case <-exited:
		// The reply may have been the last line before EOF.
		select {
		case <-w.done:
			return nil
		default:
		}
		c.retire(w)
		return errors.Newf(errors.ErrorTypeProtocol, "connector exited while awaiting reply to %s", msg.Type())
	case <-ctx.Done():
		c.retire(w)
		return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "timed out awaiting reply to "+string(msg.Type()))
	}
}

// Await dispatches msg and returns the first reply whose type is one of
// want. Other messages go to the persistent listener.
func (c *Channel) Await(ctx context.Context, msg protocol.Message, want ...protocol.Type) (protocol.Message, error) {
	var reply protocol.Message
	err := c.Call(ctx, msg, func(m protocol.Message) Result {
		for _, t := range want {
			if m.Type() == t {
				reply = m
				return Done
			}
		}
		return Pass
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// retire removes w if it is still the active one-shot handler.
func (c *Channel) retire(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.oneShot != w {
		return
	}
	c.oneShot = nil
	if c.persistent != nil {
		c.state = persistentOnly
	} else {
		c.state = noHandler
	}
}

func (c *Channel) read(stdout io.ReadCloser, exited, readerDone chan struct{}) {
	defer close(readerDone)
	defer close(exited)
	defer stdout.Close()

	reader := bufio.NewReaderSize(stdout, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if msg := protocol.ParseLine(line); msg != nil {
			c.route(msg)
		}
		if err != nil {
			if err != io.EOF {
				c.log.Debug("connector output closed", zap.Error(err))
			}
			return
		}
	}
}

func (c *Channel) route(msg protocol.Message) {
	c.mu.Lock()
	state, w, persistent := c.state, c.oneShot, c.persistent
	c.mu.Unlock()

	if state == oneShotActive && w != nil {
		if w.handle(msg) == Done {
			c.retire(w)
			close(w.done)
			return
		}
	}
	if persistent != nil {
		persistent(msg)
		return
	}
	c.unhandled(msg)
}

func (c *Channel) unhandled(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Log:
		c.log.Log(logger.ParseLevel(m.Level), m.Message)
	default:
		c.log.Debug("ignoring unsolicited message", zap.String("type", string(msg.Type())))
	}
}

// Stop terminates the process. Failures are logged and never returned.
func (c *Channel) Stop(ctx context.Context) {
	c.mu.Lock()
	stdin, readerDone := c.stdin, c.readerDone
	c.stdin = nil
	c.mu.Unlock()

	if stdin == nil && !c.proc.Running() {
		return
	}
	if err := c.proc.Stop(ctx); err != nil {
		c.log.Debug("failed to stop connector", zap.Error(err))
	}
	if readerDone != nil {
		select {
		case <-readerDone:
		case <-ctx.Done():
			c.log.Debug("connector output still open after stop")
		}
	}
}

// Close stops the process and releases it. Failures are logged.
func (c *Channel) Close(ctx context.Context) {
	c.Stop(ctx)
	if err := c.proc.Close(ctx); err != nil {
		c.log.Debug("failed to release connector", zap.Error(err))
	}
}
