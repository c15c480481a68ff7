// Package pipeline runs syncs: it reads a model's query, tracks its cursor,
// routes rows through enrichments and streams them to a destination
// connector in checkpointed windows.
//
// # Run
//
//	s := pipeline.NewSync(cfg, executor, dest, st, steps...)
//	stats, err := s.Run(ctx)
//
// A run describes the destination, validates its credentials, picks the
// stream, loads the last cursor checkpoint and executes the query with
// :cursor bound to it. Rows open a destination stream lazily; every
// Config.CheckpointEvery rows the stream is closed and the cursor of the
// delivered rows is persisted. The end of the result is a final checkpoint.
//
// # Failures
//
// Invalid rows are skipped until the error threshold trips. A cursor that
// moves backwards aborts the run. A destination halt ends delivery for the
// current window: its remaining rows are skipped, the window is
// checkpointed with the cursor of the rows already handed over, and the next
// row opens a new stream. A halt with error status ends the run instead and
// becomes its error. An enrichment halt, or a state bridge call made outside
// of a stream, fails the run.
// Destination, enrichments and source are closed on every path; cleanup
// failures are logged only.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/syncmaven/syncmaven-sub000/pkg/connector/protocol"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/rpc"
	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/logger"
	"github.com/syncmaven/syncmaven-sub000/pkg/metrics"
	"github.com/syncmaven/syncmaven-sub000/pkg/observability"
	"github.com/syncmaven/syncmaven-sub000/pkg/source"
	"github.com/syncmaven/syncmaven-sub000/pkg/store"
)

const cleanupTimeout = 30 * time.Second

// Destination is the connector session rows are delivered to.
// *destination.Channel implements it.
type Destination interface {
	Name() string
	Describe(ctx context.Context) (*protocol.Spec, error)
	Streams(ctx context.Context, msg *protocol.DescribeStreams) (*protocol.StreamSpec, error)
	StartStream(ctx context.Context, msg *protocol.StartStream, ec *rpc.ExecutionContext) error
	Row(row map[string]interface{}) error
	Halted() *protocol.Halt
	StopStream(ctx context.Context) (*protocol.StreamResult, error)
	// Err reports a protocol violation the connector committed outside of
	// a request, such as a state call with no stream open.
	Err() error
	Close(ctx context.Context) error
}

// Enrichment transforms one row into zero or more rows.
// *enrichment.Channel implements it.
type Enrichment interface {
	Name() string
	Connect(ctx context.Context, msg *protocol.EnrichmentConnect, ec *rpc.ExecutionContext) error
	Enrich(ctx context.Context, row map[string]interface{}) ([]map[string]interface{}, error)
	// Err reports a halt or protocol violation received since Connect.
	Err() error
	Close(ctx context.Context) error
}

// Step is one enrichment in a sync's chain.
type Step struct {
	Enrichment  Enrichment
	Credentials map[string]interface{}
	Options     map[string]interface{}
}

// Config describes one sync run.
type Config struct {
	SyncID string
	// Stream is the destination stream; empty selects the default stream.
	Stream        string
	StreamOptions map[string]interface{}
	Credentials   map[string]interface{}

	Query string
	// CursorField enables incremental reads. Query must reference :cursor.
	CursorField string
	CursorType  source.SemanticType

	FullRefresh     bool
	CheckpointEvery int
	Threshold       Threshold
	// RequestTimeout bounds each request/reply exchange with a connector.
	// 0 waits forever.
	RequestTimeout time.Duration
}

// Validate reports configuration errors before any I/O.
func (c *Config) Validate() error {
	if c.SyncID == "" {
		return errors.New(errors.ErrorTypeConfig, "sync id is required")
	}
	if c.Query == "" {
		return errors.New(errors.ErrorTypeConfig, "query is required").WithDetail("sync", c.SyncID)
	}
	if c.CursorField != "" && !source.HasCursorPlaceholder(c.Query) {
		return errors.Newf(errors.ErrorTypeConfig,
			"model declares cursor %s but its query does not reference %s", c.CursorField, source.CursorPlaceholder).
			WithDetail("sync", c.SyncID)
	}
	if c.CheckpointEvery < 0 {
		return errors.New(errors.ErrorTypeConfig, "checkpoint interval cannot be negative").WithDetail("sync", c.SyncID)
	}
	return nil
}

// Sync runs one sync end to end. A Sync is single-use: Run closes every
// component it was given.
type Sync struct {
	cfg   Config
	src   source.Executor
	dest  Destination
	steps []Step
	store store.Store
	log   *zap.Logger
}

// NewSync assembles a sync. Run takes ownership of src, dest and the steps.
// Threshold fields left at zero take their DefaultThreshold values.
func NewSync(cfg Config, src source.Executor, dest Destination, st store.Store, steps ...Step) *Sync {
	cfg.Threshold = cfg.Threshold.withDefaults()
	return &Sync{
		cfg:   cfg,
		src:   src,
		dest:  dest,
		steps: steps,
		store: st,
		log:   logger.With(zap.String("component", "pipeline")),
	}
}

// Run executes the sync and returns its counters. Stats are returned on
// failure too, describing what happened before it.
func (s *Sync) Run(ctx context.Context) (stats *Stats, err error) {
	stats = &Stats{}
	started := time.Now()

	defer func() {
		s.cleanup()
		stats.Duration = time.Since(started)
		status := "success"
		if err != nil {
			status = "failed"
		}
		metrics.Runs.WithLabelValues(s.cfg.SyncID, status).Inc()
	}()

	if err := s.cfg.Validate(); err != nil {
		return stats, err
	}

	runID := uuid.NewString()
	ctx = logger.WithRunID(logger.WithSyncID(ctx, s.cfg.SyncID), runID)
	s.log = logger.FromContext(ctx, s.log)

	ctx, span := observability.StartSpan(ctx, "sync.run",
		attribute.String("sync.id", s.cfg.SyncID),
		attribute.String("run.id", runID),
		attribute.Bool("sync.full_refresh", s.cfg.FullRefresh))
	defer func() {
		observability.RecordError(span, err)
		span.End()
	}()

	r, err := s.prepare(ctx, stats)
	if err != nil {
		return stats, err
	}

	s.log.Info("sync started",
		zap.String("destination", s.dest.Name()),
		zap.String("stream", r.stream),
		zap.String("cursor", s.cfg.CursorField),
		zap.Any("cursor_value", r.previousValue()),
		zap.Bool("full_refresh", s.cfg.FullRefresh))

	err = s.src.ExecuteQuery(ctx, source.Query{
		SQL:        s.cfg.Query,
		Cursor:     r.previousValue(),
		CursorType: s.cfg.CursorType,
	}, r)
	if err == nil {
		err = r.haltErr
	}
	if err == nil {
		err = s.finish(ctx)
	}
	if err != nil {
		s.log.Error("sync failed", append(stats.Fields(), zap.Error(err))...)
		return stats, err
	}

	if r.lastHalt != nil {
		s.log.Warn("destination halted windows of this sync; their skipped rows were not delivered",
			zap.Int("halts", stats.Halts),
			zap.Int64("halted_rows", stats.Halted),
			zap.String("message", r.lastHalt.Message))
	}
	s.log.Info("sync completed", stats.Fields()...)
	return stats, nil
}

// prepare runs every step that precedes the query: describe, credential
// validation, stream selection, enrichment connects and cursor loading.
func (s *Sync) prepare(ctx context.Context, stats *Stats) (*run, error) {
	reqCtx, cancel := s.requestContext(ctx)
	spec, err := s.dest.Describe(reqCtx)
	cancel()
	if err != nil {
		return nil, errors.Wrap(err, errors.TypeOf(err), "failed to describe destination "+s.dest.Name())
	}

	credentials, err := compileSchema(spec.ConnectionCredentials)
	if err != nil {
		return nil, err
	}
	if err := credentials.validate(s.credentials()); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "destination credentials do not match the connector's schema").
			WithDetail("destination", s.dest.Name())
	}

	reqCtx, cancel = s.requestContext(ctx)
	streams, err := s.dest.Streams(reqCtx, &protocol.DescribeStreams{ConnectionCredentials: s.credentials()})
	cancel()
	if err != nil {
		return nil, errors.Wrap(err, errors.TypeOf(err), "failed to list destination streams")
	}

	name := s.cfg.Stream
	if name == "" {
		name = streams.DefaultStream
	}
	descriptor, ok := streams.Find(name)
	if !ok {
		available := make([]string, 0, len(streams.Streams))
		for _, d := range streams.Streams {
			available = append(available, d.Name)
		}
		return nil, errors.Newf(errors.ErrorTypeConfig, "destination %s has no stream %q", s.dest.Name(), name).
			WithDetail("available", available)
	}
	rows, err := compileSchema(descriptor.RowType)
	if err != nil {
		return nil, err
	}

	ec := &rpc.ExecutionContext{SyncID: s.cfg.SyncID, Store: s.store}
	for _, step := range s.steps {
		reqCtx, cancel := s.requestContext(ctx)
		err := step.Enrichment.Connect(reqCtx, &protocol.EnrichmentConnect{
			Credentials: step.Credentials,
			Options:     step.Options,
		}, ec)
		cancel()
		if err != nil {
			return nil, errors.Wrap(err, errors.TypeOf(err), "failed to connect enrichment "+step.Enrichment.Name())
		}
	}
	if err := s.enrichmentErr(); err != nil {
		return nil, err
	}

	r := &run{
		sync:      s,
		stats:     stats,
		stream:    name,
		rowSchema: rows,
		ec:        ec,
		threshold: &errorThreshold{Threshold: s.cfg.Threshold},
		rate:      metrics.NewThroughputTracker(s.cfg.SyncID),
	}
	if s.cfg.CursorField == "" {
		return r, nil
	}

	key, err := CursorKey(s.cfg.SyncID, s.cfg.CursorField)
	if err != nil {
		return nil, err
	}
	r.cursorKey = key
	r.cursor = newCursorTracker(s.cfg.CursorField, s.log)
	if s.cfg.FullRefresh {
		if err := s.store.Del(ctx, key); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "failed to reset cursor")
		}
		return r, nil
	}
	r.previous, err = LoadCursor(ctx, s.store, key)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Sync) credentials() map[string]interface{} {
	if s.cfg.Credentials == nil {
		return map[string]interface{}{}
	}
	return s.cfg.Credentials
}

// requestContext bounds one connector exchange.
func (s *Sync) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.RequestTimeout)
}

// finish runs after the query returned. Enrichments are closed so that
// everything they wrote is read; a halt or bridge violation from any
// connector then fails the run.
func (s *Sync) finish(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()

	for _, step := range s.steps {
		if err := step.Enrichment.Close(ctx); err != nil && step.Enrichment.Err() == nil {
			s.log.Warn("failed to close enrichment", zap.String("enrichment", step.Enrichment.Name()), zap.Error(err))
		}
	}
	if err := s.enrichmentErr(); err != nil {
		return err
	}
	if err := s.dest.Err(); err != nil {
		return errors.Wrap(err, errors.TypeOf(err), "destination "+s.dest.Name()+" failed")
	}
	return nil
}

func (s *Sync) enrichmentErr() error {
	for _, step := range s.steps {
		if err := step.Enrichment.Err(); err != nil {
			return errors.Wrap(err, errors.TypeOf(err), "enrichment "+step.Enrichment.Name()+" failed")
		}
	}
	return nil
}

// cleanup closes every component. Failures are logged and never returned.
func (s *Sync) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := s.dest.Close(ctx); err != nil {
		s.log.Warn("failed to close destination", zap.Error(err))
	}
	for _, step := range s.steps {
		if err := step.Enrichment.Close(ctx); err != nil {
			s.log.Warn("failed to close enrichment", zap.String("enrichment", step.Enrichment.Name()), zap.Error(err))
		}
	}
	if err := s.src.Close(); err != nil {
		s.log.Warn("failed to close source", zap.Error(err))
	}
}
