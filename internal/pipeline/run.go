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
	"github.com/syncmaven/syncmaven-sub000/pkg/metrics"
	"github.com/syncmaven/syncmaven-sub000/pkg/observability"
	"github.com/syncmaven/syncmaven-sub000/pkg/source"
	"github.com/syncmaven/syncmaven-sub000/pkg/store"
)

// run is the source.Handler of one sync run.
type run struct {
	sync      *Sync
	stats     *Stats
	stream    string
	rowSchema *schemaValidator
	ec        *rpc.ExecutionContext
	threshold *errorThreshold
	rate      *metrics.ThroughputTracker

	cursor    *cursorTracker
	cursorKey store.Key
	previous  *CursorState

	streaming bool
	window    window

	// halt is the halt of the open window. haltErr is set once a window
	// closed with an error halt and ends the run.
	halt     *protocol.Halt
	haltErr  error
	lastHalt *protocol.Halt
}

func (r *run) previousValue() interface{} {
	if r.previous == nil {
		return nil
	}
	return r.previous.Val
}

// Header types the cursor from the result columns.
func (r *run) Header(_ context.Context, columns []source.Column) error {
	if r.cursor == nil {
		return nil
	}
	return r.cursor.header(columns, r.sync.cfg.CursorType, r.previous)
}

// Row validates, enriches and delivers one source row. Rows that arrive
// after the destination halted their window are skipped.
func (r *run) Row(ctx context.Context, row source.Record) error {
	s := r.sync
	r.stats.Received++

	if !r.streaming {
		if err := r.startStream(ctx); err != nil {
			return err
		}
	}
	r.window.rows++

	if r.destinationHalted() {
		r.skipHalted()
		return r.onHalt(ctx)
	}

	if err := r.rowSchema.validate(map[string]interface{}(row)); err != nil {
		ratio, fatal := r.threshold.fail(err)
		if fatal != nil {
			return fatal
		}
		r.stats.Skipped++
		metrics.Rows.WithLabelValues(s.cfg.SyncID, metrics.StatusSkipped).Inc()
		s.log.Warn("row skipped: it does not match the stream schema",
			zap.Error(err),
			zap.Float64("error_ratio", ratio),
			zap.Int("errors", r.threshold.errors))
		return r.maybeCheckpoint(ctx)
	}
	r.threshold.ok()

	var cursorValue interface{}
	if r.cursor != nil {
		v, err := r.cursor.observe(row)
		if err != nil {
			return err
		}
		cursorValue = v
	}

	rows, err := r.enrich(ctx, row)
	if err != nil {
		return err
	}

	for i, out := range rows {
		if r.destinationHalted() {
			// A partly delivered row does not move the cursor.
			if i == 0 {
				r.skipHalted()
			}
			return r.onHalt(ctx)
		}
		if err := s.dest.Row(out); err != nil {
			return err
		}
		r.stats.Success++
		r.window.delivered++
		r.rate.Increment(1)
		metrics.Rows.WithLabelValues(s.cfg.SyncID, metrics.StatusSuccess).Inc()
	}

	if r.cursor != nil {
		r.cursor.commit(cursorValue)
	}
	if r.destinationHalted() {
		return r.onHalt(ctx)
	}
	return r.maybeCheckpoint(ctx)
}

// Finalize closes the last window.
func (r *run) Finalize(ctx context.Context) error {
	return r.checkpoint(ctx, true)
}

// enrich runs row through every step in order. Each step maps every input
// row to its outputs, keeping input order.
func (r *run) enrich(ctx context.Context, row source.Record) ([]map[string]interface{}, error) {
	s := r.sync
	rows := []map[string]interface{}{row}
	if len(s.steps) == 0 {
		return rows, nil
	}

	for _, step := range s.steps {
		var next []map[string]interface{}
		for _, in := range rows {
			reqCtx, cancel := s.requestContext(ctx)
			out, err := step.Enrichment.Enrich(reqCtx, in)
			cancel()
			if err != nil {
				if !errors.IsType(err, errors.ErrorTypeValidation) {
					return nil, errors.Wrap(err, errors.TypeOf(err), "enrichment "+step.Enrichment.Name()+" failed")
				}
				r.stats.Dropped++
				metrics.Rows.WithLabelValues(s.cfg.SyncID, metrics.StatusDropped).Inc()
				s.log.Warn("enrichment dropped a row",
					zap.String("enrichment", step.Enrichment.Name()),
					zap.Error(err))
				continue
			}
			next = append(next, out...)
		}
		rows = next
	}

	r.stats.Enriched += int64(len(rows))
	metrics.Rows.WithLabelValues(s.cfg.SyncID, metrics.StatusEnriched).Add(float64(len(rows)))
	return rows, nil
}

func (r *run) startStream(ctx context.Context) error {
	s := r.sync
	msg := &protocol.StartStream{
		StreamID:              uuid.NewString(),
		SyncID:                s.cfg.SyncID,
		Stream:                r.stream,
		FullRefresh:           s.cfg.FullRefresh,
		ConnectionCredentials: s.credentials(),
		StreamOptions:         s.cfg.StreamOptions,
	}
	if err := s.dest.StartStream(ctx, msg, r.ec); err != nil {
		return errors.Wrap(err, errors.TypeOf(err), "failed to start stream "+r.stream)
	}
	r.streaming = true
	r.window = window{started: time.Now()}
	r.stats.Windows++
	return nil
}

func (r *run) destinationHalted() bool {
	if r.halt != nil {
		return true
	}
	if h := r.sync.dest.Halted(); h != nil {
		r.halt = h
		return true
	}
	return false
}

func (r *run) skipHalted() {
	r.stats.Halted++
	metrics.Rows.WithLabelValues(r.sync.cfg.SyncID, metrics.StatusHalted).Inc()
}

// onHalt reacts to a halt of the open window. An error halt, or a halt of a
// run that has a single window, closes the window and stops the query. A
// soft halt otherwise lets the window run out; its remaining rows are
// skipped and the next window opens a new stream.
func (r *run) onHalt(ctx context.Context) error {
	if r.halt.IsError() || r.sync.cfg.CheckpointEvery <= 0 {
		if err := r.checkpoint(ctx, false); err != nil {
			return err
		}
		return source.ErrStop
	}
	return r.maybeCheckpoint(ctx)
}

func (r *run) maybeCheckpoint(ctx context.Context) error {
	every := r.sync.cfg.CheckpointEvery
	if every <= 0 || r.window.rows < every {
		return nil
	}
	if err := r.checkpoint(ctx, false); err != nil {
		return err
	}
	if r.haltErr != nil {
		return source.ErrStop
	}
	return nil
}

// checkpoint closes the open window and persists the cursor of the rows
// handed to the destination, including those of a halted window.
func (r *run) checkpoint(ctx context.Context, final bool) (err error) {
	s := r.sync
	ctx, span := observability.StartSpan(ctx, "sync.checkpoint",
		attribute.String("sync.id", s.cfg.SyncID),
		attribute.Bool("checkpoint.final", final),
		attribute.Int("window.rows", r.window.rows))
	defer func() {
		observability.RecordError(span, err)
		span.End()
	}()

	if r.streaming {
		r.streaming = false
		reqCtx, cancel := s.requestContext(ctx)
		result, stopErr := s.dest.StopStream(reqCtx)
		cancel()
		r.stats.addResult(result)
		r.destinationHalted()
		if stopErr != nil {
			if !errors.IsType(stopErr, errors.ErrorTypeHalt) {
				return errors.Wrap(stopErr, errors.TypeOf(stopErr), "failed to close stream "+r.stream)
			}
			r.haltErr = stopErr
		}
		if result != nil {
			s.log.Info("window closed",
				zap.Int("rows", r.window.rows),
				zap.Int64("delivered", r.window.delivered),
				zap.Int64("received", result.Received),
				zap.Int64("skipped", result.Skipped),
				zap.Int64("success", result.Success),
				zap.Int64("failed", result.Failed),
				zap.Duration("elapsed", time.Since(r.window.started)))
		}
	}

	if r.halt != nil {
		r.stats.Halts++
		r.lastHalt = r.halt
		s.log.Warn("window halted by the destination",
			zap.String("status", r.halt.Status),
			zap.String("message", r.halt.Message),
			zap.Int("rows", r.window.rows),
			zap.Int64("delivered", r.window.delivered))
		r.halt = nil
	}

	if r.cursor != nil {
		r.cursor.ack()
		if state := r.cursor.state(); state != nil {
			if err := SaveCursor(ctx, s.store, r.cursorKey, state); err != nil {
				return errors.Wrap(err, errors.ErrorTypeStorage, "failed to persist cursor")
			}
			s.log.Debug("cursor checkpointed", zap.Any("value", state.Val), zap.Bool("moved", r.cursor.moved()))
		}
	}

	r.stats.Checkpoints++
	r.window = window{}
	metrics.Checkpoints.WithLabelValues(s.cfg.SyncID).Inc()
	s.log.Debug("checkpoint", zap.Float64("rows_per_second", r.rate.GetAndReset()))
	return nil
}
