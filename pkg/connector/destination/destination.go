// Package destination drives a destination connector through the connector
// protocol: describe, describe-streams, and any number of
// start-stream / row / end-stream windows.
//
// Metadata phases start the process, await one reply and stop it again. Row
// delivery keeps the process running from start-stream until the
// stream-result that answers end-stream.
package destination

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/syncmaven/syncmaven-sub000/pkg/connector/process"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/protocol"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/rpc"
	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/logger"
	"github.com/syncmaven/syncmaven-sub000/pkg/metrics"
	"github.com/syncmaven/syncmaven-sub000/pkg/observability"
)

const stopTimeout = 30 * time.Second

// Channel is a destination connector session. It is not safe for
// overlapping calls.
type Channel struct {
	name   string
	proc   *process.Channel
	bridge *rpc.Bridge
	log    *zap.Logger

	mu   sync.Mutex
	halt *protocol.Halt
	// halted is closed when the current stream receives its first halt.
	halted    chan struct{}
	streaming bool
	bridgeUp  bool
	closed    bool
}

// New creates a session for proc. The process and the bridge start lazily.
func New(proc process.Process) *Channel {
	return &Channel{
		name:   proc.Name(),
		proc:   process.NewChannel(proc),
		bridge: rpc.NewBridge(),
		log: logger.With(
			zap.String("component", "destination"),
			zap.String("connector", proc.Name()),
		),
	}
}

// Name identifies the connector.
func (d *Channel) Name() string { return d.name }

// SetEnv adds a variable to the connector environment. It applies from the
// next process start.
func (d *Channel) SetEnv(key, value string) { d.proc.SetEnv(key, value) }

// Describe asks the connector for its spec.
func (d *Channel) Describe(ctx context.Context) (*protocol.Spec, error) {
	ctx, span := observability.StartSpan(ctx, "destination.describe", attribute.String("connector", d.name))
	defer span.End()

	reply, err := d.request(ctx, "describe", &protocol.Describe{}, protocol.TypeSpec)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	return reply.(*protocol.Spec), nil
}

// Streams asks the connector which streams it accepts for the credentials in msg.
func (d *Channel) Streams(ctx context.Context, msg *protocol.DescribeStreams) (*protocol.StreamSpec, error) {
	ctx, span := observability.StartSpan(ctx, "destination.streams", attribute.String("connector", d.name))
	defer span.End()

	reply, err := d.request(ctx, "streams", msg, protocol.TypeStreamSpec)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	spec := reply.(*protocol.StreamSpec)
	if len(spec.Streams) == 0 {
		return nil, errors.New(errors.ErrorTypeProtocol, "connector declared no streams")
	}
	return spec, nil
}

// request runs one metadata phase on a freshly started process.
func (d *Channel) request(ctx context.Context, phase string, msg protocol.Message, want protocol.Type) (protocol.Message, error) {
	if err := d.open(ctx); err != nil {
		return nil, err
	}
	defer d.stopProcess()

	timer := metrics.NewTimer()
	reply, err := d.proc.Await(ctx, msg, want, protocol.TypeHalt)
	metrics.ObserveDispatch(phase, timer.Stop())
	if err != nil {
		return nil, err
	}
	if halt, ok := reply.(*protocol.Halt); ok {
		return nil, haltError(halt)
	}
	if err := d.bridge.Err(); err != nil {
		return nil, err
	}
	return reply, nil
}

// Err returns the protocol violation the connector committed against the
// state bridge, if any.
func (d *Channel) Err() error {
	return d.bridge.Err()
}

// StartStream binds ec to the bridge, starts the process and opens a
// stream. It does not wait for a reply.
func (d *Channel) StartStream(ctx context.Context, msg *protocol.StartStream, ec *rpc.ExecutionContext) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New(errors.ErrorTypeInternal, "destination channel is closed")
	}
	d.halt = nil
	d.halted = make(chan struct{})
	d.mu.Unlock()

	if err := d.ensureBridge(); err != nil {
		return err
	}
	d.bridge.Bind(ec)
	if err := d.proc.Start(ctx, d.listen); err != nil {
		d.bridge.Unbind()
		return err
	}
	if err := d.proc.Dispatch(msg, nil); err != nil {
		return err
	}

	d.mu.Lock()
	d.streaming = true
	d.mu.Unlock()
	d.log.Debug("stream started", zap.String("stream", msg.Stream), zap.String("stream_id", msg.StreamID))
	return nil
}

// Row sends one row without waiting for acknowledgement.
func (d *Channel) Row(row map[string]interface{}) error {
	return d.proc.Dispatch(&protocol.Row{Row: row}, nil)
}

// Halted returns the halt the connector sent during the current stream, if any.
func (d *Channel) Halted() *protocol.Halt {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.halt
}

// StopStream ends the current stream and returns the connector's counters.
//
// When the connector halted during the stream no end-stream is sent; the
// process is stopped and the result is nil. A halt with error status is
// returned as an error.
func (d *Channel) StopStream(ctx context.Context) (*protocol.StreamResult, error) {
	d.mu.Lock()
	streaming, halt, halted := d.streaming, d.halt, d.halted
	d.streaming = false
	d.mu.Unlock()

	if !streaming {
		return nil, errors.New(errors.ErrorTypeInternal, "no stream is open")
	}
	defer func() {
		d.stopProcess()
		d.bridge.Unbind()
	}()

	if halt != nil {
		return haltResult(halt)
	}

	// A halt can race end-stream; connectors do not answer end-stream
	// once they halted, so the halt also ends the wait.
	awaitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-halted:
			cancel()
		case <-awaitCtx.Done():
		}
	}()

	timer := metrics.NewTimer()
	reply, err := d.proc.Await(awaitCtx, &protocol.EndStream{}, protocol.TypeStreamResult, protocol.TypeHalt)
	metrics.ObserveDispatch("stop_stream", timer.Stop())
	if err != nil {
		if h := d.Halted(); h != nil {
			return haltResult(h)
		}
		return nil, err
	}

	switch m := reply.(type) {
	case *protocol.StreamResult:
		d.log.Debug("stream finished",
			zap.Int64("received", m.Received),
			zap.Int64("skipped", m.Skipped),
			zap.Int64("success", m.Success),
			zap.Int64("failed", m.Failed))
		if err := d.bridge.Err(); err != nil {
			return m, err
		}
		return m, nil
	case *protocol.Halt:
		d.setHalt(m)
		return haltResult(m)
	default:
		return nil, errors.Newf(errors.ErrorTypeProtocol, "unexpected %s reply to end-stream", reply.Type())
	}
}

// Close stops the process and the bridge. It is safe to call repeatedly.
func (d *Channel) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.streaming = false
	d.mu.Unlock()

	d.proc.Close(ctx)
	if err := d.bridge.Stop(ctx); err != nil {
		return err
	}
	return d.bridge.Err()
}

// listen handles messages no request is waiting for.
func (d *Channel) listen(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Log:
		d.log.Log(logger.ParseLevel(m.Level), m.Message, zap.String("source", "connector"))
	case *protocol.Halt:
		d.setHalt(m)
		d.log.Warn("connector halted", zap.String("status", m.Status), zap.String("message", m.Message))
	default:
		d.log.Debug("unexpected connector message", zap.String("type", string(msg.Type())))
	}
}

func (d *Channel) setHalt(h *protocol.Halt) {
	d.mu.Lock()
	defer d.mu.Unlock()
	first := d.halt == nil
	if first || h.IsError() {
		d.halt = h
	}
	if first && d.halted != nil {
		close(d.halted)
	}
}

func (d *Channel) open(ctx context.Context) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return errors.New(errors.ErrorTypeInternal, "destination channel is closed")
	}
	if err := d.ensureBridge(); err != nil {
		return err
	}
	return d.proc.Start(ctx, d.listen)
}

// ensureBridge starts the bridge before the first process start so that its
// URL is part of the process environment.
func (d *Channel) ensureBridge() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bridgeUp {
		return nil
	}

	alias := d.proc.Process().HostAlias()
	host := "127.0.0.1"
	if alias != process.HostLocal {
		host = "0.0.0.0"
	}
	if err := d.bridge.Start(host); err != nil {
		return err
	}
	d.proc.SetEnv(rpc.EnvURL, d.bridge.URL(alias))
	d.proc.SetEnv(rpc.EnvToken, d.bridge.Token())
	d.bridgeUp = true
	return nil
}

func (d *Channel) stopProcess() {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	d.proc.Stop(ctx)
}

// haltResult ends a stream the connector halted: soft halts are not errors.
func haltResult(h *protocol.Halt) (*protocol.StreamResult, error) {
	if h.IsError() {
		return nil, haltError(h)
	}
	return nil, nil
}

func haltError(h *protocol.Halt) error {
	msg := h.Message
	if msg == "" {
		msg = "connector halted with status " + h.Status
	}
	return errors.New(errors.ErrorTypeHalt, msg).WithDetail("status", h.Status)
}
