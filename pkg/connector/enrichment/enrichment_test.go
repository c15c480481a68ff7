package enrichment

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncmaven/syncmaven-sub000/pkg/connector/process"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/protocol"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/rpc"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/sdk"
	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/store"
	"github.com/syncmaven/syncmaven-sub000/pkg/testutil"
)

// splitter emits one row per comma-separated tag.
func splitter(t *testing.T) sdk.Enrichment {
	t.Helper()
	en, err := sdk.NewEnrichmentBuilder().
		WithDescription("split tags").
		WithConnect(func(ctx context.Context, msg *protocol.EnrichmentConnect, state *rpc.Client) error {
			if msg.Credentials["token"] != "t" {
				return sdk.Halt("bad token")
			}
			return nil
		}).
		WithEnrich(func(ctx context.Context, row map[string]interface{}) ([]map[string]interface{}, error) {
			tags, _ := row["tags"].(string)
			if tags == "error" {
				return nil, errors.New(errors.ErrorTypeValidation, "cannot split")
			}
			var out []map[string]interface{}
			for _, tag := range strings.Split(tags, ",") {
				if tag == "" {
					continue
				}
				out = append(out, map[string]interface{}{"id": row["id"], "tag": tag})
			}
			return out, nil
		}).
		Build()
	require.NoError(t, err)
	return en
}

func connect(t *testing.T, token string) *Channel {
	t.Helper()
	testutil.UseTestLogger(t)
	e := New(process.NewInProcess("splitter", sdk.Func(splitter(t))))
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	require.NoError(t, e.Connect(context.Background(),
		&protocol.EnrichmentConnect{Credentials: map[string]interface{}{"token": token}},
		&rpc.ExecutionContext{SyncID: "s", Store: store.NewMemoryStore()}))
	return e
}

func TestEnrich(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	e := connect(t, "t")

	rows, err := e.Enrich(ctx, map[string]interface{}{"id": "1", "tags": "a,b,c"})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "a", rows[0]["tag"])
	assert.Equal(t, "c", rows[2]["tag"])

	rows, err = e.Enrich(ctx, map[string]interface{}{"id": "2", "tags": ""})
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = e.Enrich(ctx, map[string]interface{}{"id": "3", "tags": "error"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	assert.Contains(t, err.Error(), "cannot split")
}

func TestConnectHalt(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	testutil.UseTestLogger(t)
	e := New(process.NewInProcess("splitter", sdk.Func(splitter(t))))
	defer e.Close(context.Background())

	err := e.Connect(ctx, &protocol.EnrichmentConnect{Credentials: map[string]interface{}{"token": "wrong"}},
		&rpc.ExecutionContext{SyncID: "s", Store: store.NewMemoryStore()})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeHalt))
	assert.Contains(t, err.Error(), "bad token")

	require.Error(t, e.Err())
	assert.Contains(t, e.Err().Error(), "bad token")

	_, err = e.Enrich(ctx, map[string]interface{}{"id": "1", "tags": "a"})
	assert.Error(t, err)
}

func TestEnrichHaltIsKept(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	testutil.UseTestLogger(t)

	en, err := sdk.NewEnrichmentBuilder().
		WithEnrich(func(context.Context, map[string]interface{}) ([]map[string]interface{}, error) {
			return nil, sdk.Halt("quota exhausted")
		}).
		Build()
	require.NoError(t, err)
	e := New(process.NewInProcess("quota", sdk.Func(en)))
	defer e.Close(context.Background())
	require.NoError(t, e.Connect(ctx, &protocol.EnrichmentConnect{},
		&rpc.ExecutionContext{SyncID: "s", Store: store.NewMemoryStore()}))
	require.NoError(t, e.Err())

	_, err = e.Enrich(ctx, map[string]interface{}{"id": "1"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeHalt))
	assert.Contains(t, e.Err().Error(), "quota exhausted")
}

func TestEnrichBeforeConnect(t *testing.T) {
	testutil.UseTestLogger(t)
	e := New(process.NewInProcess("splitter", sdk.Func(splitter(t))))
	defer e.Close(context.Background())

	_, err := e.Enrich(context.Background(), map[string]interface{}{})
	assert.Error(t, err)
}

func TestDescribe(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	testutil.UseTestLogger(t)
	e := New(process.NewInProcess("splitter", sdk.Func(splitter(t))))
	defer e.Close(ctx)

	spec, err := e.Describe(ctx)
	require.NoError(t, err)
	assert.Equal(t, "split tags", spec.Description)
	assert.Equal(t, []string{"enrichment"}, spec.Roles)
}
