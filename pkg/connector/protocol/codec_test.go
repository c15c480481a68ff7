package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
)

func TestWriteUnmarshal(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, &StartStream{
		StreamID: "s-1",
		SyncID:   "orders",
		Stream:   "contacts",
		ConnectionCredentials: map[string]interface{}{
			"apiKey": "secret",
		},
	}))
	assert.Equal(t, byte('\n'), buf.Bytes()[buf.Len()-1])

	msg, err := Unmarshal(bytes.TrimSpace(buf.Bytes()))
	require.NoError(t, err)
	start, ok := msg.(*StartStream)
	require.True(t, ok)
	assert.Equal(t, "contacts", start.Stream)
	assert.Equal(t, "secret", start.ConnectionCredentials["apiKey"])
}

func TestMarshalShape(t *testing.T) {
	data, err := Marshal(&Halt{Status: HaltStatusError, Message: "bad key"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"halt","payload":{"status":"error","message":"bad key"}}`, string(data))
}

func TestUnmarshalRejectsUnknownType(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"telemetry","payload":{}}`))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeProtocol))

	_, err = Unmarshal([]byte(`{"payload":{}}`))
	assert.Error(t, err)
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Message
	}{
		{
			name: "plain message",
			line: `{"type":"stream-result","payload":{"received":3,"skipped":1,"success":2,"failed":0}}`,
			want: &StreamResult{Received: 3, Skipped: 1, Success: 2},
		},
		{
			name: "leading noise is trimmed",
			line: `npm WARN something {"type":"end-stream"}`,
			want: &EndStream{},
		},
		{
			name: "unstructured print becomes a log",
			line: "connecting to api...",
			want: &Log{Level: "info", Message: "connecting to api..."},
		},
		{
			name: "broken json becomes a log",
			line: `{"type":"row", "payload": {`,
			want: &Log{Level: "info", Message: `{"type":"row", "payload": {`},
		},
		{
			name: "unknown type becomes a log",
			line: `{"type":"progress"}`,
			want: &Log{Level: "info", Message: `{"type":"progress"}`},
		},
		{
			name: "empty line",
			line: "   ",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLine([]byte(tt.line)))
		})
	}
}

func TestNewCoversEveryType(t *testing.T) {
	types := []Type{
		TypeDescribe, TypeSpec, TypeDescribeStreams, TypeStreamSpec, TypeStartStream,
		TypeRow, TypeEndStream, TypeStreamResult, TypeLog, TypeHalt,
		TypeEnrichmentConnect, TypeEnrichmentRequest, TypeEnrichmentResponse,
	}
	for _, typ := range types {
		msg, err := New(typ)
		require.NoError(t, err, typ)
		assert.Equal(t, typ, msg.Type())
	}
}

func TestStreamSpecFind(t *testing.T) {
	spec := &StreamSpec{Streams: []StreamDescriptor{{Name: "contacts"}, {Name: "companies"}}}
	d, ok := spec.Find("companies")
	assert.True(t, ok)
	assert.Equal(t, "companies", d.Name)
	_, ok = spec.Find("deals")
	assert.False(t, ok)
}
