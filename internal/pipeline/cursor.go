package pipeline

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/json"
	"github.com/syncmaven/syncmaven-sub000/pkg/source"
	"github.com/syncmaven/syncmaven-sub000/pkg/store"
)

// CursorState is the checkpointed position of an incremental model.
type CursorState struct {
	Type source.SemanticType `json:"type"`
	Val  interface{}         `json:"val"`
}

// CursorKey is where the cursor of field is checkpointed for syncID.
func CursorKey(syncID, field string) (store.Key, error) {
	key, err := store.NewKey("syncId="+syncID, "$lastCursor="+field)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid cursor key")
	}
	return key, nil
}

// LoadCursor reads the checkpoint at key. It returns nil when there is none.
func LoadCursor(ctx context.Context, st store.Store, key store.Key) (*CursorState, error) {
	raw, ok, err := st.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	var state CursorState
	if err := json.UnmarshalUseNumber(raw, &state); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "stored cursor is not valid JSON").
			WithDetail("key", key.String())
	}
	if state.Type == "" {
		state.Type = source.TypeString
	}
	val, err := source.Normalize(state.Val, state.Type)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "stored cursor does not match its type").
			WithDetail("key", key.String())
	}
	state.Val = val
	return &state, nil
}

// SaveCursor persists state at key. A state without a value is not written.
func SaveCursor(ctx context.Context, st store.Store, key store.Key, state *CursorState) error {
	if state == nil || state.Val == nil {
		return nil
	}
	val := state.Val
	if t, ok := val.(time.Time); ok {
		val = t.UTC().Format(time.RFC3339Nano)
	}
	return st.Set(ctx, key, CursorState{Type: state.Type, Val: val})
}

// CompareCursor orders two values already normalized to t.
func CompareCursor(a, b interface{}, t source.SemanticType) int {
	switch t {
	case source.TypeInteger:
		x, y := a.(int64), b.(int64)
		return compareOrdered(x, y)
	case source.TypeFloat:
		x, y := a.(float64), b.(float64)
		return compareOrdered(x, y)
	case source.TypeBoolean:
		x, y := a.(bool), b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case source.TypeDate:
		x, y := a.(time.Time), b.(time.Time)
		return x.Compare(y)
	default:
		return strings.Compare(a.(string), b.(string))
	}
}

func compareOrdered[T int64 | float64](x, y T) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

// cursorTracker follows the cursor column through one run. The stream must
// be non-decreasing in the column, starting from the seed. Delivered values
// stay pending until their window is closed; only acknowledged values are
// persisted, and they never move below the seed.
type cursorTracker struct {
	field string
	typ   source.SemanticType
	log   *zap.Logger

	seed    interface{}
	last    interface{}
	pending interface{}
	acked   interface{}
}

func newCursorTracker(field string, log *zap.Logger) *cursorTracker {
	return &cursorTracker{field: field, log: log}
}

// header types the tracker from the query result and seeds it from the
// previous checkpoint. override replaces the type the source reported.
func (c *cursorTracker) header(columns []source.Column, override source.SemanticType, previous *CursorState) error {
	found := false
	for _, col := range columns {
		if col.Name == c.field {
			c.typ, found = col.Type, true
			break
		}
	}
	if !found {
		return errors.Newf(errors.ErrorTypeConfig, "cursor column %q is not in the query result", c.field)
	}
	if override != "" {
		c.typ = override
	}

	if previous == nil || previous.Val == nil {
		return nil
	}
	seed, err := source.Normalize(previous.Val, c.typ)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "checkpointed cursor does not match the cursor column; run a full refresh").
			WithDetail("stored_type", string(previous.Type)).
			WithDetail("column_type", string(c.typ))
	}
	c.seed, c.last, c.pending, c.acked = seed, seed, seed, seed
	return nil
}

// observe checks the cursor value of row against the previous row, or the
// seed for the first row. It
// returns the normalized value, or nil when the row has no cursor value.
func (c *cursorTracker) observe(row source.Record) (interface{}, error) {
	raw := row[c.field]
	if raw == nil {
		c.log.Warn("row has no cursor value; the checkpoint does not move", zap.String("cursor", c.field))
		return nil, nil
	}
	v, err := source.Normalize(raw, c.typ)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeOrdering, "cursor value cannot be compared").
			WithDetail("cursor", c.field).
			WithDetail("current", raw)
	}
	if c.last != nil && CompareCursor(v, c.last, c.typ) < 0 {
		return nil, errors.Newf(errors.ErrorTypeOrdering,
			"rows are not ordered by cursor %s: %v follows %v", c.field, v, c.last).
			WithDetail("cursor", c.field).
			WithDetail("previous", c.last).
			WithDetail("current", v)
	}
	c.last = v
	return v, nil
}

// commit records v once its row has been handed to the destination.
func (c *cursorTracker) commit(v interface{}) {
	if v == nil {
		return
	}
	if c.pending == nil || CompareCursor(v, c.pending, c.typ) > 0 {
		c.pending = v
	}
}

// ack makes the pending value persistable; the window that carried it closed.
func (c *cursorTracker) ack() { c.acked = c.pending }

// state returns the checkpoint to persist, or nil when there is none.
func (c *cursorTracker) state() *CursorState {
	if c.acked == nil {
		return nil
	}
	return &CursorState{Type: c.typ, Val: c.acked}
}

// moved reports whether the checkpoint is ahead of the seed.
func (c *cursorTracker) moved() bool {
	return c.acked != nil && (c.seed == nil || CompareCursor(c.acked, c.seed, c.typ) > 0)
}
