package process

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncmaven/syncmaven-sub000/pkg/connector/protocol"
	"github.com/syncmaven/syncmaven-sub000/pkg/testutil"
)

const connectorEnv = "SYNCMAVEN_TEST_CONNECTOR"

// TestMain turns the test binary into a connector when re-executed by
// TestSubprocessRoundTrip.
func TestMain(m *testing.M) {
	if os.Getenv(connectorEnv) == "1" {
		os.Exit(runTestConnector())
	}
	os.Exit(m.Run())
}

func runTestConnector() int {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		msg, err := protocol.Unmarshal(scanner.Bytes())
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		if _, ok := msg.(*protocol.Describe); ok {
			fmt.Println("plain stdout noise")
			_ = protocol.Write(os.Stdout, &protocol.Spec{Description: os.Getenv("SYNCMAVEN_RPC_URL")})
		}
	}
	return 0
}

func TestSubprocessRoundTrip(t *testing.T) {
	testutil.UseTestLogger(t)
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	exe, err := os.Executable()
	require.NoError(t, err)

	proc := NewSubprocess(exe, "-test.run=^$")
	ch := NewChannel(proc)
	defer ch.Close(context.Background())
	ch.SetEnv(connectorEnv, "1")
	ch.SetEnv("SYNCMAVEN_RPC_URL", "http://localhost:1234")

	rec := &recorder{}
	require.NoError(t, ch.Start(ctx, rec.listen))
	assert.Equal(t, HostLocal, proc.HostAlias())

	var spec *protocol.Spec
	require.NoError(t, ch.Call(ctx, &protocol.Describe{}, func(msg protocol.Message) Result {
		if s, ok := msg.(*protocol.Spec); ok {
			spec = s
			return Done
		}
		return Pass
	}))
	assert.Equal(t, "http://localhost:1234", spec.Description)

	ch.Stop(ctx)
	assert.False(t, proc.Running())
	require.Len(t, rec.snapshot(), 1)
	assert.Equal(t, "plain stdout noise", rec.snapshot()[0].(*protocol.Log).Message)
}

func TestSubprocessMissingExecutable(t *testing.T) {
	testutil.UseTestLogger(t)
	proc := NewSubprocess("definitely-not-a-connector-binary")
	err := proc.Init(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
