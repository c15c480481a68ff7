// Package devnull is a reference connector. As a destination it accepts and
// discards every row, keeping a per-sync delivery counter in the host's
// state store. As an enrichment it passes rows through, optionally setting
// fields and dropping rows that lack a required one.
package devnull

import (
	"context"
	"fmt"
	"sync"

	"github.com/syncmaven/syncmaven-sub000/pkg/connector/protocol"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/rpc"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/sdk"
	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/json"
	"github.com/syncmaven/syncmaven-sub000/pkg/store"
)

// Name is the builtin name the connector registers under.
const Name = "devnull"

// CounterKey is where the destination counts delivered rows, relative to
// the sync's namespace.
var CounterKey = store.MustKey("devnull", "rows")

// Connector implements both sdk.Destination and sdk.Enrichment.
type Connector struct {
	mu      sync.Mutex
	set     map[string]interface{}
	require string
}

// New returns a devnull connector.
func New() *Connector {
	return &Connector{}
}

// Spec describes the connector.
func (c *Connector) Spec(context.Context) (*protocol.Spec, error) {
	return &protocol.Spec{
		Description:           "Discards rows; passes rows through as an enrichment",
		Roles:                 []string{"destination", "enrichment"},
		ConnectionCredentials: json.RawMessage(`{"type":"object"}`),
	}, nil
}

// Streams accepts any credentials and any row.
func (c *Connector) Streams(context.Context, map[string]interface{}) (*protocol.StreamSpec, error) {
	return &protocol.StreamSpec{
		Streams:       []protocol.StreamDescriptor{{Name: "rows", Description: "any row"}},
		DefaultStream: "rows",
	}, nil
}

// Open returns a writer that discards rows. The stream option halt_after
// ends the stream successfully after that many rows.
func (c *Connector) Open(_ context.Context, sc *sdk.StreamContext) (sdk.Writer, error) {
	w := &discard{sc: sc}
	if v, ok := sc.Start.StreamOptions["halt_after"]; ok {
		n, err := json.Number(fmt.Sprint(v)).Int64()
		if err != nil || n < 1 {
			return nil, sdk.Halt("halt_after must be a positive integer")
		}
		w.haltAfter = n
	}
	return w, nil
}

type discard struct {
	sc        *sdk.StreamContext
	rows      int64
	haltAfter int64
}

func (w *discard) Write(context.Context, map[string]interface{}) error {
	if w.haltAfter > 0 && w.rows >= w.haltAfter {
		return sdk.Finish("halt_after reached")
	}
	w.rows++
	return nil
}

// Close adds the stream's rows to the counter.
func (w *discard) Close(ctx context.Context) error {
	w.sc.Logf("info", "discarded %d rows", w.rows)
	if w.sc.State == nil || w.rows == 0 {
		return nil
	}
	total, err := Count(ctx, w.sc.State)
	if err != nil {
		return err
	}
	return w.sc.State.Set(ctx, CounterKey, total+w.rows)
}

// Count reads the delivery counter through the bridge.
func Count(ctx context.Context, state *rpc.Client) (int64, error) {
	raw, ok, err := state.Get(ctx, CounterKey)
	if err != nil || !ok {
		return 0, err
	}
	var n json.Number
	if err := json.UnmarshalUseNumber(raw, &n); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStorage, "counter is not a number")
	}
	return n.Int64()
}

// Connect reads the enrichment options: set (fields merged into every row)
// and require (rows without this field are dropped).
func (c *Connector) Connect(_ context.Context, msg *protocol.EnrichmentConnect, _ *rpc.Client) error {
	var set map[string]interface{}
	if v, ok := msg.Options["set"]; ok {
		m, ok := v.(map[string]interface{})
		if !ok {
			return sdk.Halt("option set must be an object")
		}
		set = m
	}
	require, _ := msg.Options["require"].(string)

	c.mu.Lock()
	c.set, c.require = set, require
	c.mu.Unlock()
	return nil
}

// Enrich passes row through.
func (c *Connector) Enrich(_ context.Context, row map[string]interface{}) ([]map[string]interface{}, error) {
	c.mu.Lock()
	set, require := c.set, c.require
	c.mu.Unlock()

	if require != "" && row[require] == nil {
		return nil, errors.Newf(errors.ErrorTypeValidation, "row has no %s", require)
	}
	if len(set) == 0 {
		return []map[string]interface{}{row}, nil
	}
	out := make(map[string]interface{}, len(row)+len(set))
	for k, v := range row {
		out[k] = v
	}
	for k, v := range set {
		out[k] = v
	}
	return []map[string]interface{}{out}, nil
}

var (
	_ sdk.Destination = (*Connector)(nil)
	_ sdk.Enrichment  = (*Connector)(nil)
)
