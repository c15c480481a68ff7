package sdk

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncmaven/syncmaven-sub000/pkg/connector/protocol"
)

func script(t *testing.T, msgs ...protocol.Message) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	for _, m := range msgs {
		require.NoError(t, protocol.Write(&buf, m))
	}
	return &buf
}

func replies(t *testing.T, out *bytes.Buffer) []protocol.Message {
	t.Helper()
	var msgs []protocol.Message
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		msg, err := protocol.Unmarshal(scanner.Bytes())
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}
	return msgs
}

func testDestination(t *testing.T) Destination {
	t.Helper()
	dest, err := NewDestinationBuilder().
		WithDescription("test destination").
		WithCredentialsSchema(map[string]interface{}{"type": "object", "required": []string{"apiKey"}}).
		WithStream("contacts", map[string]interface{}{"type": "object"}).
		WithWriter(func(ctx context.Context, sc *StreamContext, row map[string]interface{}) error {
			switch row["id"] {
			case "skip":
				return ErrSkip
			case "bad":
				return assert.AnError
			case "stop":
				return Halt("quota exceeded")
			}
			return nil
		}).
		Build()
	require.NoError(t, err)
	return dest
}

func TestServeDescribe(t *testing.T) {
	in := script(t, &protocol.Describe{}, &protocol.DescribeStreams{})
	var out bytes.Buffer
	require.NoError(t, Serve(context.Background(), testDestination(t), nil, in, &out))

	msgs := replies(t, &out)
	require.Len(t, msgs, 2)

	spec := msgs[0].(*protocol.Spec)
	assert.Equal(t, "test destination", spec.Description)
	assert.JSONEq(t, `{"type":"object","required":["apiKey"]}`, string(spec.ConnectionCredentials))

	streams := msgs[1].(*protocol.StreamSpec)
	assert.Equal(t, "contacts", streams.DefaultStream)
	require.Len(t, streams.Streams, 1)
}

func TestServeStreamCounters(t *testing.T) {
	in := script(t,
		&protocol.StartStream{Stream: "contacts"},
		&protocol.Row{Row: map[string]interface{}{"id": "1"}},
		&protocol.Row{Row: map[string]interface{}{"id": "skip"}},
		&protocol.Row{Row: map[string]interface{}{"id": "bad"}},
		&protocol.Row{Row: map[string]interface{}{"id": "2"}},
		&protocol.EndStream{},
	)
	var out bytes.Buffer
	require.NoError(t, Serve(context.Background(), testDestination(t), nil, in, &out))

	msgs := replies(t, &out)
	require.NotEmpty(t, msgs)
	result, ok := msgs[len(msgs)-1].(*protocol.StreamResult)
	require.True(t, ok)
	assert.Equal(t, protocol.StreamResult{Received: 4, Skipped: 1, Success: 2, Failed: 1}, *result)
}

func TestServeHaltStopsStream(t *testing.T) {
	in := script(t,
		&protocol.StartStream{Stream: "contacts"},
		&protocol.Row{Row: map[string]interface{}{"id": "stop"}},
		&protocol.Row{Row: map[string]interface{}{"id": "1"}},
		&protocol.EndStream{},
	)
	var out bytes.Buffer
	require.NoError(t, Serve(context.Background(), testDestination(t), nil, in, &out))

	msgs := replies(t, &out)
	require.Len(t, msgs, 1)
	assert.Equal(t, &protocol.Halt{Status: protocol.HaltStatusError, Message: "quota exceeded"}, msgs[0])
}

func TestServeEnrichment(t *testing.T) {
	en, err := NewEnrichmentBuilder().
		WithEnrich(func(ctx context.Context, row map[string]interface{}) ([]map[string]interface{}, error) {
			if row["id"] == "bad" {
				return nil, assert.AnError
			}
			return []map[string]interface{}{row, {"id": "copy"}}, nil
		}).
		Build()
	require.NoError(t, err)

	in := script(t,
		&protocol.EnrichmentConnect{Credentials: map[string]interface{}{}},
		&protocol.EnrichmentRequest{Row: map[string]interface{}{"id": "a"}},
		&protocol.EnrichmentRequest{Row: map[string]interface{}{"id": "bad"}},
	)
	var out bytes.Buffer
	require.NoError(t, Serve(context.Background(), en, nil, in, &out))

	msgs := replies(t, &out)
	require.Len(t, msgs, 2)
	assert.Len(t, msgs[0].(*protocol.EnrichmentResponse).Rows, 2)
	assert.NotEmpty(t, msgs[1].(*protocol.EnrichmentResponse).Error)
}

func TestServeEnrichmentHalt(t *testing.T) {
	en, err := NewEnrichmentBuilder().
		WithEnrich(func(context.Context, map[string]interface{}) ([]map[string]interface{}, error) {
			return nil, Halt("quota exhausted")
		}).
		Build()
	require.NoError(t, err)

	in := script(t,
		&protocol.EnrichmentConnect{},
		&protocol.EnrichmentRequest{Row: map[string]interface{}{"id": "a"}},
	)
	var out bytes.Buffer
	require.NoError(t, Serve(context.Background(), en, nil, in, &out))

	msgs := replies(t, &out)
	require.Len(t, msgs, 1)
	assert.Equal(t, &protocol.Halt{Status: protocol.HaltStatusError, Message: "quota exhausted"}, msgs[0])
}

func TestServeRejectsWrongRole(t *testing.T) {
	en, err := NewEnrichmentBuilder().
		WithEnrich(func(ctx context.Context, row map[string]interface{}) ([]map[string]interface{}, error) {
			return nil, nil
		}).
		Build()
	require.NoError(t, err)

	in := script(t, &protocol.DescribeStreams{})
	var out bytes.Buffer
	require.NoError(t, Serve(context.Background(), en, nil, in, &out))

	msgs := replies(t, &out)
	require.Len(t, msgs, 1)
	halt := msgs[0].(*protocol.Halt)
	assert.True(t, halt.IsError())
	assert.True(t, strings.Contains(halt.Message, "not a destination"))
}

func TestBuilderValidation(t *testing.T) {
	_, err := NewDestinationBuilder().WithWriter(func(context.Context, *StreamContext, map[string]interface{}) error { return nil }).Build()
	assert.Error(t, err)

	_, err = NewDestinationBuilder().WithStream("s", nil).Build()
	assert.Error(t, err)

	_, err = NewEnrichmentBuilder().Build()
	assert.Error(t, err)
}
