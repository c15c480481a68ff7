package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/source"
)

const (
	// DefaultStore is used when the project does not name a store.
	DefaultStore = "sqlite:.syncmaven/state.db"
	// DefaultMinTotal is the sample size the error threshold waits for.
	DefaultMinTotal = 100
	// DefaultMaxRatio is the error ratio that aborts a run.
	DefaultMaxRatio = 0.2
	// DefaultRequestTimeout bounds each request/reply exchange with a connector.
	DefaultRequestTimeout = 10 * time.Minute
)

// Project is the root of a project file. It holds every model, destination,
// enrichment and sync definition plus the defaults applied to each sync.
type Project struct {
	// Store is the state store URL: sqlite:<path>, a plain path, postgres://... or memory:.
	Store string `yaml:"store" json:"store"`

	Datasources  map[string]source.Config `yaml:"datasources" json:"datasources"`
	Models       []ModelConfig            `yaml:"models" json:"models"`
	Destinations []DestinationConfig      `yaml:"destinations" json:"destinations"`
	Enrichments  []EnrichmentConfig       `yaml:"enrichments" json:"enrichments"`
	Syncs        []SyncConfig             `yaml:"syncs" json:"syncs"`

	Defaults      SyncDefaults        `yaml:"defaults" json:"defaults"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`

	// dir is the directory of the project file; query files resolve against it.
	dir string
}

// SyncConfig binds a model to a destination stream.
type SyncConfig struct {
	ID          string `yaml:"id" json:"id"`
	Model       string `yaml:"model" json:"model"`
	Destination string `yaml:"destination" json:"destination"`
	// Stream is the destination stream. The destination's default stream is
	// used when empty.
	Stream      string                 `yaml:"stream" json:"stream"`
	Options     map[string]interface{} `yaml:"options" json:"options"`
	Enrichments []EnrichmentRef        `yaml:"enrichments" json:"enrichments"`
	Disabled    bool                   `yaml:"disabled" json:"disabled"`

	Checkpoint     CheckpointConfig     `yaml:"checkpoint" json:"checkpoint"`
	ErrorThreshold ErrorThresholdConfig `yaml:"error_threshold" json:"error_threshold"`
	Timeouts       TimeoutConfig        `yaml:"timeouts" json:"timeouts"`
}

// EnrichmentRef places an enrichment in a sync's pipeline.
type EnrichmentRef struct {
	ID      string                 `yaml:"id" json:"id"`
	Options map[string]interface{} `yaml:"options" json:"options"`
}

// CheckpointConfig controls mid-run checkpoints.
type CheckpointConfig struct {
	// Every closes the destination stream and persists the cursor after this
	// many rows. 0 checkpoints only at the end of the run.
	Every int `yaml:"every" json:"every"`
}

// ErrorThresholdConfig bounds how many invalid rows a run tolerates.
type ErrorThresholdConfig struct {
	MinTotal int     `yaml:"min_total" json:"min_total"`
	MaxRatio float64 `yaml:"max_ratio" json:"max_ratio"`
}

// TimeoutConfig bounds connector exchanges.
type TimeoutConfig struct {
	// Request limits describe, streams, stream-result and enrichment replies.
	// nil means the default; 0 waits forever.
	Request *time.Duration `yaml:"request" json:"request"`
}

// RequestTimeout returns the effective request deadline.
func (t TimeoutConfig) RequestTimeout() time.Duration {
	if t.Request == nil {
		return DefaultRequestTimeout
	}
	return *t.Request
}

// SyncDefaults are copied into every sync that leaves the field unset.
type SyncDefaults struct {
	Checkpoint     CheckpointConfig     `yaml:"checkpoint" json:"checkpoint"`
	ErrorThreshold ErrorThresholdConfig `yaml:"error_threshold" json:"error_threshold"`
	Timeouts       TimeoutConfig        `yaml:"timeouts" json:"timeouts"`
}

// ObservabilityConfig contains logging, metrics and tracing settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level" json:"log_level"`
	LogEncoding string `yaml:"log_encoding" json:"log_encoding"`
	// MetricsAddr serves Prometheus metrics when set, e.g. ":9090".
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
	Tracing     bool   `yaml:"tracing" json:"tracing"`
}

// NewDefaults returns the defaults used when a project leaves them out.
func NewDefaults() SyncDefaults {
	timeout := DefaultRequestTimeout
	return SyncDefaults{
		ErrorThreshold: ErrorThresholdConfig{
			MinTotal: DefaultMinTotal,
			MaxRatio: DefaultMaxRatio,
		},
		Timeouts: TimeoutConfig{Request: &timeout},
	}
}

// NewProject returns an empty project with defaults.
func NewProject() *Project {
	return &Project{
		Store:       DefaultStore,
		Datasources: map[string]source.Config{},
		Defaults:    NewDefaults(),
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogEncoding: "console",
		},
	}
}

// ApplyDefaults fills unset sync settings from the project defaults, and the
// project defaults from NewDefaults.
func (p *Project) ApplyDefaults() {
	builtin := NewDefaults()
	if p.Store == "" {
		p.Store = DefaultStore
	}
	if p.Defaults.ErrorThreshold.MinTotal == 0 {
		p.Defaults.ErrorThreshold.MinTotal = builtin.ErrorThreshold.MinTotal
	}
	if p.Defaults.ErrorThreshold.MaxRatio == 0 {
		p.Defaults.ErrorThreshold.MaxRatio = builtin.ErrorThreshold.MaxRatio
	}
	if p.Defaults.Timeouts.Request == nil {
		p.Defaults.Timeouts.Request = builtin.Timeouts.Request
	}

	for i := range p.Syncs {
		s := &p.Syncs[i]
		if s.Checkpoint.Every == 0 {
			s.Checkpoint.Every = p.Defaults.Checkpoint.Every
		}
		if s.ErrorThreshold.MinTotal == 0 {
			s.ErrorThreshold.MinTotal = p.Defaults.ErrorThreshold.MinTotal
		}
		if s.ErrorThreshold.MaxRatio == 0 {
			s.ErrorThreshold.MaxRatio = p.Defaults.ErrorThreshold.MaxRatio
		}
		if s.Timeouts.Request == nil {
			s.Timeouts.Request = p.Defaults.Timeouts.Request
		}
	}
}

// Validate reports every broken reference and out-of-range setting as one
// configuration error.
func (p *Project) Validate() error {
	var problems []string
	addf := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	models := map[string]bool{}
	for i, m := range p.Models {
		if m.ID == "" {
			addf("models[%d]: id is required", i)
			continue
		}
		if models[m.ID] {
			addf("model %q is defined more than once", m.ID)
		}
		models[m.ID] = true
		for _, problem := range m.validate(p.Datasources) {
			addf("model %q: %s", m.ID, problem)
		}
	}

	destinations := map[string]bool{}
	for i, d := range p.Destinations {
		if d.ID == "" {
			addf("destinations[%d]: id is required", i)
			continue
		}
		if destinations[d.ID] {
			addf("destination %q is defined more than once", d.ID)
		}
		destinations[d.ID] = true
		if d.Package == "" {
			addf("destination %q: package is required", d.ID)
		}
	}

	enrichments := map[string]bool{}
	for i, e := range p.Enrichments {
		if e.ID == "" {
			addf("enrichments[%d]: id is required", i)
			continue
		}
		if enrichments[e.ID] {
			addf("enrichment %q is defined more than once", e.ID)
		}
		enrichments[e.ID] = true
		if e.Package == "" {
			addf("enrichment %q: package is required", e.ID)
		}
	}

	syncs := map[string]bool{}
	for i, s := range p.Syncs {
		if s.ID == "" {
			addf("syncs[%d]: id is required", i)
			continue
		}
		if syncs[s.ID] {
			addf("sync %q is defined more than once", s.ID)
		}
		syncs[s.ID] = true
		if !models[s.Model] {
			addf("sync %q: model %q is not defined", s.ID, s.Model)
		}
		if !destinations[s.Destination] {
			addf("sync %q: destination %q is not defined", s.ID, s.Destination)
		}
		for _, ref := range s.Enrichments {
			if !enrichments[ref.ID] {
				addf("sync %q: enrichment %q is not defined", s.ID, ref.ID)
			}
		}
		if s.Checkpoint.Every < 0 {
			addf("sync %q: checkpoint.every cannot be negative", s.ID)
		}
		if s.ErrorThreshold.MinTotal < 0 {
			addf("sync %q: error_threshold.min_total cannot be negative", s.ID)
		}
		if s.ErrorThreshold.MaxRatio < 0 || s.ErrorThreshold.MaxRatio > 1 {
			addf("sync %q: error_threshold.max_ratio must be between 0 and 1", s.ID)
		}
		if s.Timeouts.Request != nil && *s.Timeouts.Request < 0 {
			addf("sync %q: timeouts.request cannot be negative", s.ID)
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.New(errors.ErrorTypeConfig, "invalid project: "+strings.Join(problems, "; ")).
		WithDetail("problems", problems)
}

// Sync returns the sync with the given id.
func (p *Project) Sync(id string) (*SyncConfig, error) {
	for i := range p.Syncs {
		if p.Syncs[i].ID == id {
			return &p.Syncs[i], nil
		}
	}
	return nil, errors.Newf(errors.ErrorTypeConfig, "sync %q is not defined", id).
		WithDetail("available", p.SyncIDs())
}

// Model returns the model with the given id.
func (p *Project) Model(id string) (*ModelConfig, error) {
	for i := range p.Models {
		if p.Models[i].ID == id {
			return &p.Models[i], nil
		}
	}
	return nil, errors.Newf(errors.ErrorTypeConfig, "model %q is not defined", id)
}

// Destination returns the destination with the given id.
func (p *Project) Destination(id string) (*DestinationConfig, error) {
	for i := range p.Destinations {
		if p.Destinations[i].ID == id {
			return &p.Destinations[i], nil
		}
	}
	return nil, errors.Newf(errors.ErrorTypeConfig, "destination %q is not defined", id)
}

// Enrichment returns the enrichment with the given id.
func (p *Project) Enrichment(id string) (*EnrichmentConfig, error) {
	for i := range p.Enrichments {
		if p.Enrichments[i].ID == id {
			return &p.Enrichments[i], nil
		}
	}
	return nil, errors.Newf(errors.ErrorTypeConfig, "enrichment %q is not defined", id)
}

// Datasource returns the datasource a model reads from. A model without a
// datasource uses the only one defined.
func (p *Project) Datasource(m *ModelConfig) (source.Config, error) {
	name := m.Datasource
	if name == "" && len(p.Datasources) == 1 {
		for only := range p.Datasources {
			name = only
		}
	}
	cfg, ok := p.Datasources[name]
	if !ok {
		return source.Config{}, errors.Newf(errors.ErrorTypeConfig, "model %q: datasource %q is not defined", m.ID, name)
	}
	return cfg, nil
}

// SelectSyncs returns the enabled syncs named by ids, or every enabled sync
// when ids is empty. Naming a disabled sync selects it anyway.
func (p *Project) SelectSyncs(ids []string) ([]*SyncConfig, error) {
	if len(ids) == 0 {
		var all []*SyncConfig
		for i := range p.Syncs {
			if !p.Syncs[i].Disabled {
				all = append(all, &p.Syncs[i])
			}
		}
		return all, nil
	}
	selected := make([]*SyncConfig, 0, len(ids))
	for _, id := range ids {
		s, err := p.Sync(id)
		if err != nil {
			return nil, err
		}
		selected = append(selected, s)
	}
	return selected, nil
}

// SyncIDs lists sync ids in sorted order.
func (p *Project) SyncIDs() []string {
	ids := make([]string, 0, len(p.Syncs))
	for _, s := range p.Syncs {
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)
	return ids
}
