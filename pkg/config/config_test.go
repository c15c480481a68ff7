package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/source"
	"github.com/syncmaven/syncmaven-sub000/pkg/testutil"
)

func validProject() *Project {
	p := NewProject()
	p.Datasources["warehouse"] = source.Config{URL: "sqlite:warehouse.db"}
	p.Models = []ModelConfig{{
		ID:     "users",
		Query:  "SELECT * FROM users WHERE :cursor IS NULL OR id > :cursor",
		Cursor: "id",
	}}
	p.Destinations = []DestinationConfig{{ID: "crm", Package: "docker:syncmaven/hubspot"}}
	p.Enrichments = []EnrichmentConfig{{ID: "geo", Package: "exec:./geo"}}
	p.Syncs = []SyncConfig{{
		ID:          "users-to-crm",
		Model:       "users",
		Destination: "crm",
		Enrichments: []EnrichmentRef{{ID: "geo"}},
	}}
	return p
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *Project)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(p *Project) {},
		},
		{
			name:    "missing model",
			mutate:  func(p *Project) { p.Syncs[0].Model = "orders" },
			wantErr: `model "orders" is not defined`,
		},
		{
			name:    "missing destination",
			mutate:  func(p *Project) { p.Syncs[0].Destination = "sheets" },
			wantErr: `destination "sheets" is not defined`,
		},
		{
			name:    "missing enrichment",
			mutate:  func(p *Project) { p.Syncs[0].Enrichments[0].ID = "clearbit" },
			wantErr: `enrichment "clearbit" is not defined`,
		},
		{
			name:    "duplicate sync",
			mutate:  func(p *Project) { p.Syncs = append(p.Syncs, p.Syncs[0]) },
			wantErr: `sync "users-to-crm" is defined more than once`,
		},
		{
			name:    "cursor without placeholder",
			mutate:  func(p *Project) { p.Models[0].Query = "SELECT * FROM users" },
			wantErr: "does not reference :cursor",
		},
		{
			name:    "cast is not a placeholder",
			mutate:  func(p *Project) { p.Models[0].Query = "SELECT id::cursor FROM users" },
			wantErr: "does not reference :cursor",
		},
		{
			name:    "unknown cursor type",
			mutate:  func(p *Project) { p.Models[0].CursorType = "uuid" },
			wantErr: "cursor_type uuid",
		},
		{
			name: "unknown datasource",
			mutate: func(p *Project) {
				p.Models[0].Datasource = "lake"
			},
			wantErr: "datasource lake is not defined",
		},
		{
			name: "ambiguous datasource",
			mutate: func(p *Project) {
				p.Datasources["lake"] = source.Config{URL: "bigquery://proj"}
			},
			wantErr: "datasource is required",
		},
		{
			name:    "ratio out of range",
			mutate:  func(p *Project) { p.Syncs[0].ErrorThreshold.MaxRatio = 1.5 },
			wantErr: "max_ratio must be between 0 and 1",
		},
		{
			name:    "destination without package",
			mutate:  func(p *Project) { p.Destinations[0].Package = "" },
			wantErr: `destination "crm": package is required`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validProject()
			tt.mutate(p)
			err := p.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	p := validProject()
	p.Defaults = SyncDefaults{Checkpoint: CheckpointConfig{Every: 250}}
	zero := time.Duration(0)
	p.Syncs = append(p.Syncs, SyncConfig{
		ID:             "custom",
		Model:          "users",
		Destination:    "crm",
		Checkpoint:     CheckpointConfig{Every: 10},
		ErrorThreshold: ErrorThresholdConfig{MinTotal: 5, MaxRatio: 0.5},
		Timeouts:       TimeoutConfig{Request: &zero},
	})

	p.ApplyDefaults()

	first := p.Syncs[0]
	assert.Equal(t, 250, first.Checkpoint.Every)
	assert.Equal(t, DefaultMinTotal, first.ErrorThreshold.MinTotal)
	assert.Equal(t, DefaultMaxRatio, first.ErrorThreshold.MaxRatio)
	assert.Equal(t, DefaultRequestTimeout, first.Timeouts.RequestTimeout())

	custom := p.Syncs[1]
	assert.Equal(t, 10, custom.Checkpoint.Every)
	assert.Equal(t, 5, custom.ErrorThreshold.MinTotal)
	assert.Equal(t, 0.5, custom.ErrorThreshold.MaxRatio)
	assert.Equal(t, time.Duration(0), custom.Timeouts.RequestTimeout())
}

func TestLoadProject(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteFile(t, dir, "models/users.sql", "SELECT * FROM ${USERS_TABLE:-users} WHERE :cursor IS NULL OR id > :cursor")
	path := testutil.WriteFile(t, dir, "syncmaven.yaml", `
store: "memory:"
datasources:
  warehouse:
    url: postgres://reader@localhost/analytics
models:
  - id: users
    query_file: models/users.sql
    cursor: id
    cursor_type: integer
destinations:
  - id: crm
    package: exec:./crm-connector --verbose
    credentials:
      token: ${SYNCMAVEN_TEST_TOKEN}
syncs:
  - id: users-to-crm
    model: users
    destination: crm
    stream: contacts
    options:
      mode: upsert
    timeouts:
      request: 30s
  - id: paused
    model: users
    destination: crm
    disabled: true
`)
	t.Setenv("SYNCMAVEN_TEST_TOKEN", "tok")

	p, err := LoadProject(path)
	require.NoError(t, err)

	assert.Equal(t, "memory:", p.Store)
	assert.Equal(t, "SELECT * FROM users WHERE :cursor IS NULL OR id > :cursor", p.Models[0].Query)
	assert.Equal(t, "tok", p.Destinations[0].Credentials["token"])

	s, err := p.Sync("users-to-crm")
	require.NoError(t, err)
	assert.Equal(t, "upsert", s.Options["mode"])
	assert.Equal(t, 30*time.Second, s.Timeouts.RequestTimeout())

	ds, err := p.Datasource(&p.Models[0])
	require.NoError(t, err)
	assert.Equal(t, "postgres://reader@localhost/analytics", ds.URL)

	enabled, err := p.SelectSyncs(nil)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "users-to-crm", enabled[0].ID)

	named, err := p.SelectSyncs([]string{"paused"})
	require.NoError(t, err)
	assert.Equal(t, "paused", named[0].ID)

	_, err = p.SelectSyncs([]string{"missing"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestLoadProjectInvalid(t *testing.T) {
	path := testutil.WriteFile(t, t.TempDir(), "syncmaven.yaml", `
models:
  - id: users
    query: SELECT 1
syncs:
  - id: s
    model: users
    destination: nowhere
`)
	_, err := LoadProject(path)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	assert.Contains(t, err.Error(), `destination "nowhere" is not defined`)
}

func TestLoadMissingFile(t *testing.T) {
	var p Project
	err := Load(filepath.Join(t.TempDir(), "missing.yaml"), &p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("SYNCMAVEN_TEST_SET", "value")

	tests := []struct {
		in   string
		want string
	}{
		{in: "a: ${SYNCMAVEN_TEST_SET}", want: "a: value"},
		{in: "a: ${SYNCMAVEN_TEST_UNSET}", want: "a: "},
		{in: "a: ${SYNCMAVEN_TEST_UNSET:-fallback}", want: "a: fallback"},
		{in: "a: ${SYNCMAVEN_TEST_SET:-fallback}", want: "a: value"},
		{in: "a: $NOT_BRACED", want: "a: $NOT_BRACED"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, substituteEnvVars(tt.in), tt.in)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	p := validProject()
	require.NoError(t, Save(path, p))

	loaded := NewProject()
	require.NoError(t, Load(path, loaded))
	assert.Equal(t, p.Syncs[0].ID, loaded.Syncs[0].ID)
	assert.Equal(t, p.Models[0].Query, loaded.Models[0].Query)
}
