package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
)

func TestNewKey(t *testing.T) {
	tests := []struct {
		name     string
		segments []string
		wantErr  string
	}{
		{name: "single segment", segments: []string{"syncId=orders"}},
		{name: "nested", segments: []string{"syncId=orders", "$lastCursor=updated_at"}},
		{name: "empty", segments: nil, wantErr: "at least one segment"},
		{name: "separator inside segment", segments: []string{"a", "b::c"}, wantErr: "reserved separator"},
		{name: "trailing colon", segments: []string{"a:", "b"}, wantErr: "begin or end with ':'"},
		{name: "leading colon", segments: []string{"a", ":b"}, wantErr: "begin or end with ':'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := NewKey(tt.segments...)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, Key(tt.segments), key)
		})
	}
}

func TestKeyRoundTrip(t *testing.T) {
	key := MustKey("syncId=abc", "companiesMap", "12345")
	assert.Equal(t, "syncId=abc::companiesMap::12345", key.String())

	parsed, err := ParseKey(key.String())
	require.NoError(t, err)
	assert.True(t, parsed.Equal(key))
}

func TestKeyHasPrefix(t *testing.T) {
	assert.True(t, MustKey("a", "b", "1").HasPrefix(MustKey("a", "b")))
	assert.True(t, MustKey("a", "b").HasPrefix(MustKey("a", "b")))
	assert.False(t, MustKey("a", "bc").HasPrefix(MustKey("a", "b")))
	assert.False(t, MustKey("a").HasPrefix(MustKey("a", "b")))

	assert.Equal(t, Key{"c"}, MustKey("a", "b", "c").TrimPrefix(MustKey("a", "b")))
}

func TestMustKeyPanics(t *testing.T) {
	assert.Panics(t, func() { MustKey("bad::segment") })
}
