package devnull

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncmaven/syncmaven-sub000/pkg/connector/destination"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/enrichment"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/process"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/protocol"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/rpc"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/sdk"
	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/json"
	"github.com/syncmaven/syncmaven-sub000/pkg/store"
	"github.com/syncmaven/syncmaven-sub000/pkg/testutil"
)

func TestDestinationCountsRows(t *testing.T) {
	testutil.UseTestLogger(t)
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	st := store.NewMemoryStore()
	d := destination.New(process.NewInProcess(Name, sdk.Func(New())))
	defer d.Close(context.Background())

	streams, err := d.Streams(ctx, &protocol.DescribeStreams{ConnectionCredentials: map[string]interface{}{}})
	require.NoError(t, err)
	assert.Equal(t, "rows", streams.DefaultStream)

	for _, rows := range []int{3, 2} {
		require.NoError(t, d.StartStream(ctx, &protocol.StartStream{SyncID: "s", Stream: "rows"},
			&rpc.ExecutionContext{SyncID: "s", Store: st}))
		for i := 0; i < rows; i++ {
			require.NoError(t, d.Row(map[string]interface{}{"id": i}))
		}
		result, err := d.StopStream(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(rows), result.Success)
	}

	raw, ok, err := st.Get(ctx, store.MustKey("syncId=s", "devnull", "rows"))
	require.NoError(t, err)
	require.True(t, ok)
	var n json.Number
	require.NoError(t, json.UnmarshalUseNumber(raw, &n))
	assert.Equal(t, "5", n.String())
}

func TestDestinationHaltAfter(t *testing.T) {
	tests := []struct {
		name    string
		options map[string]interface{}
		wantErr bool
	}{
		{"stops softly", map[string]interface{}{"halt_after": 2}, false},
		{"rejects invalid option", map[string]interface{}{"halt_after": "soon"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.UseTestLogger(t)
			ctx, cancel := testutil.TestContext(t)
			defer cancel()

			d := destination.New(process.NewInProcess(Name, sdk.Func(New())))
			defer d.Close(context.Background())

			require.NoError(t, d.StartStream(ctx, &protocol.StartStream{SyncID: "s", Stream: "rows", StreamOptions: tt.options},
				&rpc.ExecutionContext{SyncID: "s", Store: store.NewMemoryStore()}))
			for i := 0; i < 3; i++ {
				require.NoError(t, d.Row(map[string]interface{}{"id": i}))
			}
			_, err := d.StopStream(ctx)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsType(err, errors.ErrorTypeHalt))
				return
			}
			require.NoError(t, err)
			require.NotNil(t, d.Halted())
			assert.False(t, d.Halted().IsError())
		})
	}
}

func TestEnrichment(t *testing.T) {
	testutil.UseTestLogger(t)
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	e := enrichment.New(process.NewInProcess(Name, sdk.Func(New())))
	defer e.Close(context.Background())

	require.NoError(t, e.Connect(ctx, &protocol.EnrichmentConnect{
		Options: map[string]interface{}{
			"set":     map[string]interface{}{"source": "warehouse"},
			"require": "email",
		},
	}, &rpc.ExecutionContext{SyncID: "s", Store: store.NewMemoryStore()}))

	rows, err := e.Enrich(ctx, map[string]interface{}{"id": 1, "email": "a@example.com"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "warehouse", rows[0]["source"])
	assert.Equal(t, "a@example.com", rows[0]["email"])

	_, err = e.Enrich(ctx, map[string]interface{}{"id": 2})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}
