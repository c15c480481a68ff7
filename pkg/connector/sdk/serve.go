package sdk

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/syncmaven/syncmaven-sub000/pkg/connector/process"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/protocol"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/rpc"
	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
)

// Main serves c over the process's stdio and returns an exit code.
func Main(c Connector) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Serve(ctx, c, environ(), os.Stdin, os.Stdout); err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		return 1
	}
	return 0
}

// Func adapts c to a process.Func so it can run in-process.
func Func(c Connector) process.Func {
	return func(ctx context.Context, env map[string]string, in io.Reader, out io.Writer) error {
		return Serve(ctx, c, env, in, out)
	}
}

// Serve reads messages from in until EOF and answers them on out.
func Serve(ctx context.Context, c Connector, env map[string]string, in io.Reader, out io.Writer) error {
	s := &session{connector: c, out: out}
	if url := env[rpc.EnvURL]; url != "" {
		s.state = rpc.NewClient(url, env[rpc.EnvToken])
	}
	defer s.closeWriter(ctx)

	reader := bufio.NewReaderSize(in, 64*1024)
	for {
		line, readErr := reader.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			msg, err := protocol.Unmarshal(line)
			if err != nil {
				s.logf("warn", "ignoring message: %v", err)
			} else if err := s.handle(ctx, msg); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

type session struct {
	connector Connector
	state     *rpc.Client

	mu  sync.Mutex
	out io.Writer

	stream *StreamContext
	writer Writer
	halted bool
	result protocol.StreamResult

	connectErr error
}

func (s *session) emit(msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.Write(s.out, msg)
}

func (s *session) logf(level, format string, args ...interface{}) {
	(&StreamContext{emit: s.emit}).Logf(level, format, args...)
}

// halt reports err to the host. Errors that are not a HaltError halt with
// error status.
func (s *session) halt(err error) error {
	h := &protocol.Halt{Status: protocol.HaltStatusError, Message: err.Error()}
	var he *HaltError
	if errors.As(err, &he) {
		h.Status, h.Message = he.Status, he.Message
	}
	return s.emit(h)
}

// handle answers one message. Only failures to write to the host end Serve.
func (s *session) handle(ctx context.Context, msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.Describe:
		spec, err := s.connector.Spec(ctx)
		if err != nil {
			return s.halt(err)
		}
		return s.emit(spec)

	case *protocol.DescribeStreams:
		dest, ok := s.connector.(Destination)
		if !ok {
			return s.halt(errors.New(errors.ErrorTypeProtocol, "connector is not a destination"))
		}
		streams, err := dest.Streams(ctx, m.ConnectionCredentials)
		if err != nil {
			return s.halt(err)
		}
		return s.emit(streams)

	case *protocol.StartStream:
		return s.startStream(ctx, m)

	case *protocol.Row:
		return s.row(ctx, m)

	case *protocol.EndStream:
		if s.halted {
			return nil
		}
		if err := s.closeWriter(ctx); err != nil {
			return s.halt(err)
		}
		result := s.result
		return s.emit(&result)

	case *protocol.EnrichmentConnect:
		en, ok := s.connector.(Enrichment)
		if !ok {
			return s.halt(errors.New(errors.ErrorTypeProtocol, "connector is not an enrichment"))
		}
		if err := en.Connect(ctx, m, s.state); err != nil {
			s.connectErr = err
			return s.halt(err)
		}
		s.connectErr = nil
		return nil

	case *protocol.EnrichmentRequest:
		en, ok := s.connector.(Enrichment)
		if !ok {
			return s.emit(&protocol.EnrichmentResponse{Error: "connector is not an enrichment"})
		}
		if s.connectErr != nil {
			// Every request after a failed connect is answered with the halt.
			return s.halt(s.connectErr)
		}
		rows, err := en.Enrich(ctx, m.Row)
		var he *HaltError
		if errors.As(err, &he) {
			return s.halt(err)
		}
		if err != nil {
			return s.emit(&protocol.EnrichmentResponse{Error: err.Error()})
		}
		if rows == nil {
			rows = []map[string]interface{}{}
		}
		return s.emit(&protocol.EnrichmentResponse{Rows: rows})

	default:
		s.logf("warn", "unsupported message %s", msg.Type())
		return nil
	}
}

func (s *session) startStream(ctx context.Context, m *protocol.StartStream) error {
	dest, ok := s.connector.(Destination)
	if !ok {
		return s.halt(errors.New(errors.ErrorTypeProtocol, "connector is not a destination"))
	}
	if err := s.closeWriter(ctx); err != nil {
		s.logf("warn", "previous stream did not close cleanly: %v", err)
	}

	s.result = protocol.StreamResult{}
	s.halted = false
	s.stream = &StreamContext{Start: m, State: s.state, emit: s.emit}
	w, err := dest.Open(ctx, s.stream)
	if err != nil {
		s.halted = true
		return s.halt(err)
	}
	s.writer = w
	return nil
}

func (s *session) row(ctx context.Context, m *protocol.Row) error {
	if s.halted {
		return nil
	}
	s.result.Received++
	if s.writer == nil {
		s.result.Failed++
		s.logf("error", "row received outside of a stream")
		return nil
	}

	err := s.writer.Write(ctx, m.Row)
	var he *HaltError
	switch {
	case err == nil:
		s.result.Success++
	case errors.Is(err, ErrSkip):
		s.result.Skipped++
	case errors.As(err, &he):
		s.result.Failed++
		s.halted = true
		return s.halt(err)
	default:
		s.result.Failed++
		s.logf("warn", "failed to write row: %v", err)
	}
	return nil
}

func (s *session) closeWriter(ctx context.Context) error {
	w := s.writer
	s.writer = nil
	if w == nil {
		return nil
	}
	return w.Close(ctx)
}

func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}
