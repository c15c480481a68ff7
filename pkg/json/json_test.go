package json

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteLine(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteLine(&buf, map[string]interface{}{"type": "row", "payload": map[string]string{"q": "<a&b>"}}))
	require.NoError(t, WriteLine(&buf, map[string]string{"type": "end-stream"}))

	lines := bytes.Split(bytes.TrimSuffix(buf.Bytes(), []byte("\n")), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[0]), `"<a&b>"`, "html must not be escaped")
	assert.JSONEq(t, `{"type":"end-stream"}`, string(lines[1]))
}

func TestUnmarshalUseNumber(t *testing.T) {
	var v map[string]interface{}
	require.NoError(t, UnmarshalUseNumber([]byte(`{"id": 9007199254740993}`), &v))

	n, ok := v["id"].(Number)
	require.True(t, ok)
	assert.Equal(t, "9007199254740993", n.String())
}
