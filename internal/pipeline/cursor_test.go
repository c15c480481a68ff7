package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/source"
	"github.com/syncmaven/syncmaven-sub000/pkg/store"
)

func TestCompareCursor(t *testing.T) {
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		a, b interface{}
		typ  source.SemanticType
		want int
	}{
		{"integer less", int64(1), int64(2), source.TypeInteger, -1},
		{"integer equal", int64(7), int64(7), source.TypeInteger, 0},
		{"float greater", 2.5, 1.5, source.TypeFloat, 1},
		{"boolean false first", false, true, source.TypeBoolean, -1},
		{"boolean equal", true, true, source.TypeBoolean, 0},
		{"date", day, day.Add(time.Second), source.TypeDate, -1},
		{"string lexical", "b", "a", source.TypeString, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CompareCursor(tt.a, tt.b, tt.typ))
		})
	}
}

func TestCursorKey(t *testing.T) {
	key, err := CursorKey("orders", "updated_at")
	require.NoError(t, err)
	assert.Equal(t, "syncId=orders::$lastCursor=updated_at", key.String())

	_, err = CursorKey("orders", "a::b")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestSaveAndLoadCursor(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	at := time.Date(2024, 3, 1, 12, 30, 0, 500, time.UTC)

	tests := []struct {
		name  string
		state CursorState
	}{
		{"integer", CursorState{Type: source.TypeInteger, Val: int64(9007199254740993)}},
		{"float", CursorState{Type: source.TypeFloat, Val: 1.25}},
		{"string", CursorState{Type: source.TypeString, Val: "2024-03-01"}},
		{"date", CursorState{Type: source.TypeDate, Val: at}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := store.MustKey("syncId="+tt.name, "$lastCursor=c")
			require.NoError(t, SaveCursor(ctx, st, key, &tt.state))

			got, err := LoadCursor(ctx, st, key)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, tt.state.Type, got.Type)
			if want, ok := tt.state.Val.(time.Time); ok {
				assert.True(t, want.Equal(got.Val.(time.Time)))
				return
			}
			assert.Equal(t, tt.state.Val, got.Val)
		})
	}
}

func TestLoadCursorMissingAndCorrupt(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	key := store.MustKey("syncId=s", "$lastCursor=id")

	got, err := LoadCursor(ctx, st, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, st.Set(ctx, key, map[string]interface{}{"type": "integer", "val": "abc"}))
	_, err = LoadCursor(ctx, st, key)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeStorage))
}

func TestSaveCursorSkipsEmptyState(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	key := store.MustKey("k")

	require.NoError(t, SaveCursor(ctx, st, key, nil))
	require.NoError(t, SaveCursor(ctx, st, key, &CursorState{Type: source.TypeInteger}))
	size, err := st.Size(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func newTestTracker(t *testing.T, typ source.SemanticType, previous *CursorState) *cursorTracker {
	t.Helper()
	c := newCursorTracker("id", zap.NewNop())
	require.NoError(t, c.header([]source.Column{{Name: "id", Type: typ}}, "", previous))
	return c
}

func TestTrackerOrdering(t *testing.T) {
	c := newTestTracker(t, source.TypeInteger, nil)

	for _, v := range []interface{}{int64(1), "2", 2.0} {
		_, err := c.observe(source.Record{"id": v})
		require.NoError(t, err)
	}

	_, err := c.observe(source.Record{"id": int64(1)})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeOrdering))

	var e *errors.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, int64(2), e.Details["previous"])
	assert.Equal(t, int64(1), e.Details["current"])
}

func TestTrackerNullCursor(t *testing.T) {
	c := newTestTracker(t, source.TypeInteger, nil)

	v, err := c.observe(source.Record{"id": nil})
	require.NoError(t, err)
	assert.Nil(t, v)
	c.commit(v)
	c.ack()
	assert.Nil(t, c.state())
}

func TestTrackerAck(t *testing.T) {
	c := newTestTracker(t, source.TypeInteger, &CursorState{Type: source.TypeInteger, Val: int64(10)})
	assert.False(t, c.moved())

	c.commit(int64(11))
	c.commit(int64(12))
	assert.Equal(t, int64(10), c.state().Val, "pending values are not persisted before ack")
	c.ack()
	assert.Equal(t, int64(12), c.state().Val)
	assert.True(t, c.moved())

	c.commit(int64(11))
	c.ack()
	assert.Equal(t, int64(12), c.state().Val)
}

func TestTrackerRowsBelowSeed(t *testing.T) {
	previous := &CursorState{Type: source.TypeInteger, Val: int64(5)}

	c := newTestTracker(t, source.TypeInteger, previous)
	_, err := c.observe(source.Record{"id": int64(3)})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeOrdering))

	var e *errors.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, int64(5), e.Details["previous"])
	assert.Equal(t, int64(3), e.Details["current"])

	c = newTestTracker(t, source.TypeInteger, previous)
	v, err := c.observe(source.Record{"id": int64(5)})
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
}

func TestTrackerHeader(t *testing.T) {
	c := newCursorTracker("updated_at", zap.NewNop())
	err := c.header([]source.Column{{Name: "id", Type: source.TypeInteger}}, "", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	c = newCursorTracker("id", zap.NewNop())
	err = c.header([]source.Column{{Name: "id", Type: source.TypeInteger}}, "",
		&CursorState{Type: source.TypeString, Val: "not a number"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "full refresh")

	c = newCursorTracker("id", zap.NewNop())
	require.NoError(t, c.header([]source.Column{{Name: "id", Type: source.TypeString}}, source.TypeInteger, nil))
	assert.Equal(t, source.TypeInteger, c.typ)
}
