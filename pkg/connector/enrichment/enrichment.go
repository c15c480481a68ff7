// Package enrichment drives an enrichment connector: one enrichment-connect
// per run, then one enrichment-request / enrichment-response round trip per
// row. The process stays up from Connect until Close.
//
// enrichment-connect has no reply of its own. Connect follows it with a
// describe; connectors answer in order, so a halt rejecting the connect
// arrives before the spec.
package enrichment

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/syncmaven/syncmaven-sub000/pkg/connector/process"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/protocol"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/rpc"
	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/logger"
	"github.com/syncmaven/syncmaven-sub000/pkg/metrics"
)

// Channel is an enrichment connector session.
type Channel struct {
	name   string
	proc   *process.Channel
	bridge *rpc.Bridge
	log    *zap.Logger

	mu        sync.Mutex
	halt      *protocol.Halt
	bridgeUp  bool
	connected bool
	closed    bool
}

// New creates a session for proc.
func New(proc process.Process) *Channel {
	return &Channel{
		name:   proc.Name(),
		proc:   process.NewChannel(proc),
		bridge: rpc.NewBridge(),
		log: logger.With(
			zap.String("component", "enrichment"),
			zap.String("connector", proc.Name()),
		),
	}
}

// Name identifies the connector.
func (e *Channel) Name() string { return e.name }

// SetEnv adds a variable to the connector environment. It applies from the
// next process start.
func (e *Channel) SetEnv(key, value string) { e.proc.SetEnv(key, value) }

// Describe asks the connector for its spec. The process is stopped afterwards.
func (e *Channel) Describe(ctx context.Context) (*protocol.Spec, error) {
	if err := e.start(ctx); err != nil {
		return nil, err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		e.proc.Stop(stopCtx)
	}()

	timer := metrics.NewTimer()
	reply, err := e.proc.Await(ctx, &protocol.Describe{}, protocol.TypeSpec, protocol.TypeHalt)
	metrics.ObserveDispatch("describe", timer.Stop())
	if err != nil {
		return nil, err
	}
	if halt, ok := reply.(*protocol.Halt); ok {
		return nil, haltError(halt)
	}
	if err := e.bridge.Err(); err != nil {
		return nil, err
	}
	return reply.(*protocol.Spec), nil
}

// Connect binds ec, starts the process and configures it.
func (e *Channel) Connect(ctx context.Context, msg *protocol.EnrichmentConnect, ec *rpc.ExecutionContext) error {
	if err := e.ensureBridge(); err != nil {
		return err
	}
	e.bridge.Bind(ec)
	if err := e.start(ctx); err != nil {
		return err
	}
	if err := e.proc.Dispatch(msg, nil); err != nil {
		return err
	}

	timer := metrics.NewTimer()
	reply, err := e.proc.Await(ctx, &protocol.Describe{}, protocol.TypeSpec, protocol.TypeHalt)
	metrics.ObserveDispatch("connect", timer.Stop())
	if err != nil {
		return err
	}
	if halt, ok := reply.(*protocol.Halt); ok {
		e.setHalt(halt)
		return haltError(halt)
	}
	if err := e.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()
	return nil
}

// Err returns the first failure the connector reported outside of a reply:
// a halt, or a state call made while no run was bound.
func (e *Channel) Err() error {
	if err := e.bridge.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	h := e.halt
	e.mu.Unlock()
	if h != nil {
		return haltError(h)
	}
	return nil
}

// Enrich sends row and returns the rows the connector produced for it. A
// connector-reported failure is returned as a validation error; a halt is
// returned as a halt error.
func (e *Channel) Enrich(ctx context.Context, row map[string]interface{}) ([]map[string]interface{}, error) {
	e.mu.Lock()
	connected := e.connected
	e.mu.Unlock()
	if !connected {
		return nil, errors.New(errors.ErrorTypeInternal, "enrichment is not connected")
	}
	if err := e.Err(); err != nil {
		return nil, err
	}

	timer := metrics.NewTimer()
	reply, err := e.proc.Await(ctx, &protocol.EnrichmentRequest{Row: row},
		protocol.TypeEnrichmentResponse, protocol.TypeHalt)
	metrics.ObserveDispatch("enrich", timer.Stop())
	if err != nil {
		return nil, err
	}

	switch m := reply.(type) {
	case *protocol.EnrichmentResponse:
		if m.Error != "" {
			return nil, errors.New(errors.ErrorTypeValidation, m.Error)
		}
		return m.Rows, nil
	case *protocol.Halt:
		e.setHalt(m)
		return nil, haltError(m)
	default:
		return nil, errors.Newf(errors.ErrorTypeProtocol, "unexpected %s reply to enrichment-request", reply.Type())
	}
}

// Close stops the process and the bridge. It is safe to call repeatedly.
func (e *Channel) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.connected = false
	e.mu.Unlock()

	e.proc.Close(ctx)
	if err := e.bridge.Stop(ctx); err != nil {
		return err
	}
	return e.bridge.Err()
}

func (e *Channel) start(ctx context.Context) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return errors.New(errors.ErrorTypeInternal, "enrichment channel is closed")
	}
	if err := e.ensureBridge(); err != nil {
		return err
	}
	return e.proc.Start(ctx, e.listen)
}

func (e *Channel) listen(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Log:
		e.log.Log(logger.ParseLevel(m.Level), m.Message, zap.String("source", "connector"))
	case *protocol.Halt:
		e.setHalt(m)
		e.log.Warn("enrichment halted", zap.String("status", m.Status), zap.String("message", m.Message))
	default:
		e.log.Debug("unexpected connector message", zap.String("type", string(msg.Type())))
	}
}

// setHalt keeps the first halt, or a later one with error status.
func (e *Channel) setHalt(h *protocol.Halt) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halt == nil || (h.IsError() && !e.halt.IsError()) {
		e.halt = h
	}
}

func (e *Channel) ensureBridge() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bridgeUp {
		return nil
	}
	alias := e.proc.Process().HostAlias()
	host := "127.0.0.1"
	if alias != process.HostLocal {
		host = "0.0.0.0"
	}
	if err := e.bridge.Start(host); err != nil {
		return err
	}
	e.proc.SetEnv(rpc.EnvURL, e.bridge.URL(alias))
	e.proc.SetEnv(rpc.EnvToken, e.bridge.Token())
	e.bridgeUp = true
	return nil
}

func haltError(h *protocol.Halt) error {
	msg := h.Message
	if msg == "" {
		msg = "enrichment halted with status " + h.Status
	}
	return errors.New(errors.ErrorTypeHalt, msg).WithDetail("status", h.Status)
}
