package pipeline

import (
	"time"

	"go.uber.org/zap"

	"github.com/syncmaven/syncmaven-sub000/pkg/connector/protocol"
)

// Stats are the counters of one sync run.
type Stats struct {
	// Received counts rows read from the source.
	Received int64 `json:"received"`
	// Skipped counts rows that failed the stream's row schema.
	Skipped int64 `json:"skipped"`
	// Success counts rows handed to the destination.
	Success int64 `json:"success"`
	// Failed counts rows the destination reported as failed.
	Failed int64 `json:"failed"`
	// Enriched counts rows produced by the enrichment chain.
	Enriched int64 `json:"enriched"`
	// Dropped counts rows an enrichment step failed on.
	Dropped int64 `json:"dropped"`
	// Halted counts rows skipped because the destination halted their window.
	Halted int64 `json:"halted"`

	Checkpoints int `json:"checkpoints"`
	Windows     int `json:"windows"`
	// Halts counts windows the destination halted.
	Halts int `json:"halts"`

	// Destination sums the stream-result counters of every window.
	Destination protocol.StreamResult `json:"destination"`

	Duration time.Duration `json:"duration"`
}

func (s *Stats) addResult(r *protocol.StreamResult) {
	if r == nil {
		return
	}
	s.Destination.Received += r.Received
	s.Destination.Skipped += r.Skipped
	s.Destination.Success += r.Success
	s.Destination.Failed += r.Failed
	s.Failed += r.Failed
}

// Fields renders the counters for structured logs.
func (s *Stats) Fields() []zap.Field {
	return []zap.Field{
		zap.Int64("received", s.Received),
		zap.Int64("skipped", s.Skipped),
		zap.Int64("success", s.Success),
		zap.Int64("failed", s.Failed),
		zap.Int64("enriched", s.Enriched),
		zap.Int64("dropped", s.Dropped),
		zap.Int64("halted", s.Halted),
		zap.Int("checkpoints", s.Checkpoints),
		zap.Int("windows", s.Windows),
		zap.Int("halts", s.Halts),
		zap.Duration("duration", s.Duration),
	}
}

// window counts the rows of one start-stream / end-stream window.
type window struct {
	rows      int
	delivered int64
	started   time.Time
}
