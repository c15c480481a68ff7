package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncmaven/syncmaven-sub000/pkg/connector/protocol"
	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/testutil"
)

// echoConnector answers describe with spec and end-stream with stream-result,
// printing a line of noise first. It exits on "halt".
func echoConnector(ctx context.Context, env map[string]string, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	rows := int64(0)
	for scanner.Scan() {
		msg, err := protocol.Unmarshal(scanner.Bytes())
		if err != nil {
			return err
		}
		switch msg.(type) {
		case *protocol.Describe:
			fmt.Fprintln(out, "booting echo connector")
			if err := protocol.Write(out, &protocol.Spec{Description: "echo " + env["GREETING"]}); err != nil {
				return err
			}
		case *protocol.Row:
			rows++
		case *protocol.EndStream:
			if err := protocol.Write(out, &protocol.StreamResult{Received: rows, Success: rows}); err != nil {
				return err
			}
		case *protocol.Halt:
			return nil
		}
	}
	return scanner.Err()
}

type recorder struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (r *recorder) listen(msg protocol.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Message(nil), r.msgs...)
}

func newTestChannel(t *testing.T, fn Func) *Channel {
	t.Helper()
	testutil.UseTestLogger(t)
	ch := NewChannel(NewInProcess("echo", fn))
	t.Cleanup(func() { ch.Close(context.Background()) })
	return ch
}

func TestChannelCall(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	ch := newTestChannel(t, echoConnector)
	ch.SetEnv("GREETING", "hello")
	rec := &recorder{}
	require.NoError(t, ch.Start(ctx, rec.listen))
	assert.True(t, ch.Running())

	var spec *protocol.Spec
	err := ch.Call(ctx, &protocol.Describe{}, func(msg protocol.Message) Result {
		if s, ok := msg.(*protocol.Spec); ok {
			spec = s
			return Done
		}
		return Pass
	})
	require.NoError(t, err)
	require.NotNil(t, spec)
	assert.Equal(t, "echo hello", spec.Description)

	// The noise line was not consumed by the one-shot handler.
	msgs := rec.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, &protocol.Log{Level: "info", Message: "booting echo connector"}, msgs[0])
}

func TestChannelRowsAndResult(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	ch := newTestChannel(t, echoConnector)
	require.NoError(t, ch.Start(ctx, nil))

	for i := 0; i < 3; i++ {
		require.NoError(t, ch.Dispatch(&protocol.Row{Row: map[string]interface{}{"id": i}}, nil))
	}

	var result *protocol.StreamResult
	require.NoError(t, ch.Call(ctx, &protocol.EndStream{}, func(msg protocol.Message) Result {
		if r, ok := msg.(*protocol.StreamResult); ok {
			result = r
			return Done
		}
		return Pass
	}))
	assert.Equal(t, int64(3), result.Received)
}

func TestChannelStartIsIdempotent(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	starts := 0
	var mu sync.Mutex
	ch := newTestChannel(t, func(ctx context.Context, env map[string]string, in io.Reader, out io.Writer) error {
		mu.Lock()
		starts++
		mu.Unlock()
		return echoConnector(ctx, env, in, out)
	})

	require.NoError(t, ch.Start(ctx, nil))
	require.NoError(t, ch.Start(ctx, nil))
	testutil.AssertEventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return starts == 1
	}, time.Second, "connector should start once")

	ch.Stop(ctx)
	assert.False(t, ch.Running())
	ch.Stop(ctx)

	// A stopped channel restarts on demand.
	require.NoError(t, ch.Start(ctx, nil))
	testutil.AssertEventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return starts == 2
	}, time.Second, "connector should restart")
}

func TestChannelOneShotFallsThroughOnce(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	ch := newTestChannel(t, func(ctx context.Context, env map[string]string, in io.Reader, out io.Writer) error {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			_ = protocol.Write(out, &protocol.Log{Level: "warn", Message: "first"})
			_ = protocol.Write(out, &protocol.Log{Level: "warn", Message: "second"})
			_ = protocol.Write(out, &protocol.Spec{})
		}
		return nil
	})
	rec := &recorder{}
	require.NoError(t, ch.Start(ctx, rec.listen))

	seen := 0
	require.NoError(t, ch.Call(ctx, &protocol.Describe{}, func(msg protocol.Message) Result {
		seen++
		if _, ok := msg.(*protocol.Spec); ok {
			return Done
		}
		return Pass
	}))

	assert.Equal(t, 3, seen)
	assert.Len(t, rec.snapshot(), 2)
}

func TestChannelExitWhileAwaiting(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	ch := newTestChannel(t, func(ctx context.Context, env map[string]string, in io.Reader, out io.Writer) error {
		// Reads one line and quits without replying.
		_, _ = bufio.NewReader(in).ReadBytes('\n')
		return nil
	})
	require.NoError(t, ch.Start(ctx, nil))

	err := ch.Call(ctx, &protocol.Describe{}, func(protocol.Message) Result { return Done })
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeProtocol))
	assert.Contains(t, err.Error(), "exited")
}

func TestChannelCallHonorsContext(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	ch := newTestChannel(t, func(ctx context.Context, env map[string]string, in io.Reader, out io.Writer) error {
		_, _ = io.Copy(io.Discard, in)
		return nil
	})
	require.NoError(t, ch.Start(ctx, nil))

	callCtx, callCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer callCancel()
	err := ch.Call(callCtx, &protocol.Describe{}, func(protocol.Message) Result { return Done })
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTimeout))

	ch.mu.Lock()
	assert.Nil(t, ch.oneShot)
	assert.Equal(t, noHandler, ch.state)
	ch.mu.Unlock()
}

func TestChannelDispatchWhenStopped(t *testing.T) {
	ch := newTestChannel(t, echoConnector)
	err := ch.Dispatch(&protocol.Describe{}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeProtocol))
}
