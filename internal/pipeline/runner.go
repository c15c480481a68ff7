package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/syncmaven/syncmaven-sub000/pkg/config"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/destination"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/enrichment"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/process"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/protocol"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/registry"
	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/logger"
	"github.com/syncmaven/syncmaven-sub000/pkg/source"
	"github.com/syncmaven/syncmaven-sub000/pkg/store"
)

// Runner builds syncs from a project and runs them.
type Runner struct {
	project *config.Project
	store   store.Store
	log     *zap.Logger

	// Resolve turns a connector package reference into a process.
	Resolve func(ref string) (process.Process, error)
	// OpenSource connects to a datasource.
	OpenSource func(ctx context.Context, cfg source.Config) (source.Executor, error)
}

// RunOptions apply to every sync of one invocation.
type RunOptions struct {
	FullRefresh bool
}

// Result is the outcome of one sync.
type Result struct {
	SyncID string
	Stats  *Stats
	Err    error
}

// NewRunner returns a runner resolving connectors with the global registry.
func NewRunner(project *config.Project, st store.Store) *Runner {
	return &Runner{
		project:    project,
		store:      st,
		log:        logger.With(zap.String("component", "runner")),
		Resolve:    registry.Resolve,
		OpenSource: source.Open,
	}
}

// RunAll runs syncs one after another. A failed sync does not stop the
// ones after it; the number of failures is returned with the results.
func (r *Runner) RunAll(ctx context.Context, syncs []*config.SyncConfig, opts RunOptions) ([]Result, int) {
	results := make([]Result, 0, len(syncs))
	failures := 0
	for _, sc := range syncs {
		if ctx.Err() != nil {
			results = append(results, Result{SyncID: sc.ID, Stats: &Stats{}, Err: errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "sync was not started")})
			failures++
			continue
		}
		stats, err := r.RunSync(ctx, sc, opts)
		if err != nil {
			failures++
			r.log.Error("sync failed", zap.String("sync_id", sc.ID), zap.String("error_type", string(errors.TypeOf(err))), zap.Error(err))
		}
		results = append(results, Result{SyncID: sc.ID, Stats: stats, Err: err})
	}
	return results, failures
}

// RunSync builds and runs one sync.
func (r *Runner) RunSync(ctx context.Context, sc *config.SyncConfig, opts RunOptions) (*Stats, error) {
	s, err := r.Build(ctx, sc, opts)
	if err != nil {
		return &Stats{}, err
	}
	return s.Run(ctx)
}

// Build resolves every reference of sc and opens the source.
func (r *Runner) Build(ctx context.Context, sc *config.SyncConfig, opts RunOptions) (*Sync, error) {
	model, err := r.project.Model(sc.Model)
	if err != nil {
		return nil, err
	}
	destCfg, err := r.project.Destination(sc.Destination)
	if err != nil {
		return nil, err
	}
	dsCfg, err := r.project.Datasource(model)
	if err != nil {
		return nil, err
	}

	var cursorType source.SemanticType
	if model.CursorType != "" {
		if cursorType, err = source.ParseSemanticType(model.CursorType); err != nil {
			return nil, err
		}
	}

	cfg := Config{
		SyncID:          sc.ID,
		Stream:          sc.Stream,
		StreamOptions:   sc.Options,
		Credentials:     destCfg.Credentials,
		Query:           model.Query,
		CursorField:     model.Cursor,
		CursorType:      cursorType,
		FullRefresh:     opts.FullRefresh,
		CheckpointEvery: sc.Checkpoint.Every,
		Threshold: Threshold{
			MinTotal: sc.ErrorThreshold.MinTotal,
			MaxRatio: sc.ErrorThreshold.MaxRatio,
		},
		RequestTimeout: sc.Timeouts.RequestTimeout(),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dest, err := r.Destination(destCfg)
	if err != nil {
		return nil, err
	}

	steps := make([]Step, 0, len(sc.Enrichments))
	closeAll := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		_ = dest.Close(closeCtx)
		for _, step := range steps {
			_ = step.Enrichment.Close(closeCtx)
		}
	}
	for _, ref := range sc.Enrichments {
		enCfg, err := r.project.Enrichment(ref.ID)
		if err != nil {
			closeAll()
			return nil, err
		}
		proc, err := r.Resolve(enCfg.Package)
		if err != nil {
			closeAll()
			return nil, err
		}
		ch := enrichment.New(proc)
		for k, v := range enCfg.Env {
			ch.SetEnv(k, v)
		}
		steps = append(steps, Step{
			Enrichment:  ch,
			Credentials: enCfg.Credentials,
			Options:     mergeOptions(enCfg.Options, ref.Options),
		})
	}

	src, err := r.OpenSource(ctx, dsCfg)
	if err != nil {
		closeAll()
		return nil, errors.Wrap(err, errors.TypeOf(err), "failed to open datasource for model "+model.ID)
	}

	return NewSync(cfg, src, dest, r.store, steps...), nil
}

// Destination returns a session for a destination definition.
func (r *Runner) Destination(cfg *config.DestinationConfig) (*destination.Channel, error) {
	proc, err := r.Resolve(cfg.Package)
	if err != nil {
		return nil, err
	}
	ch := destination.New(proc)
	for k, v := range cfg.Env {
		ch.SetEnv(k, v)
	}
	return ch, nil
}

// Describe returns the spec and streams of a destination.
func (r *Runner) Describe(ctx context.Context, id string, timeout time.Duration) (*protocol.Spec, *protocol.StreamSpec, error) {
	cfg, err := r.project.Destination(id)
	if err != nil {
		return nil, nil, err
	}
	dest, err := r.Destination(cfg)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err := dest.Close(context.Background()); err != nil {
			r.log.Warn("failed to close destination", zap.Error(err))
		}
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	spec, err := dest.Describe(ctx)
	if err != nil {
		return nil, nil, err
	}
	credentials := cfg.Credentials
	if credentials == nil {
		credentials = map[string]interface{}{}
	}
	streams, err := dest.Streams(ctx, &protocol.DescribeStreams{ConnectionCredentials: credentials})
	if err != nil {
		return spec, nil, err
	}
	return spec, streams, nil
}

// mergeOptions overlays sync-level enrichment options on the enrichment's own.
func mergeOptions(base, override map[string]interface{}) map[string]interface{} {
	if len(override) == 0 {
		return base
	}
	merged := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}
