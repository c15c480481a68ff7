// Package sdk lets connectors be written in Go. A connector built with
// NewDestinationBuilder or NewEnrichmentBuilder is served over stdio with Main,
// or in-process through Func.
//
// Example:
//
//	dest, err := sdk.NewDestinationBuilder().
//		WithDescription("prints rows").
//		WithStream("rows", nil).
//		WithWriter(func(ctx context.Context, sc *sdk.StreamContext, row map[string]interface{}) error {
//			sc.Logf("info", "row %v", row["id"])
//			return nil
//		}).
//		Build()
//	if err != nil {
//		log.Fatal(err)
//	}
//	os.Exit(sdk.Main(dest))
package sdk

import (
	"context"
	"fmt"

	"github.com/syncmaven/syncmaven-sub000/pkg/connector/protocol"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/rpc"
	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
)

// ErrSkip is returned by a Writer to count a row as skipped.
var ErrSkip = errors.New(errors.ErrorTypeValidation, "row skipped")

// HaltError stops the current stream. The host receives a halt message with
// Status and Message.
type HaltError struct {
	Status  string
	Message string
}

func (e *HaltError) Error() string {
	return "halt (" + e.Status + "): " + e.Message
}

// Halt returns a HaltError with error status.
func Halt(format string, args ...interface{}) error {
	return &HaltError{Status: protocol.HaltStatusError, Message: fmt.Sprintf(format, args...)}
}

// Finish returns a HaltError that ends the stream successfully.
func Finish(message string) error {
	return &HaltError{Status: protocol.HaltStatusSuccess, Message: message}
}

// Connector is implemented by every Go connector.
type Connector interface {
	Spec(ctx context.Context) (*protocol.Spec, error)
}

// Destination accepts rows.
type Destination interface {
	Connector
	Streams(ctx context.Context, credentials map[string]interface{}) (*protocol.StreamSpec, error)
	Open(ctx context.Context, sc *StreamContext) (Writer, error)
}

// Writer receives the rows of one stream.
type Writer interface {
	Write(ctx context.Context, row map[string]interface{}) error
	Close(ctx context.Context) error
}

// Enrichment transforms rows.
type Enrichment interface {
	Connector
	Connect(ctx context.Context, msg *protocol.EnrichmentConnect, state *rpc.Client) error
	Enrich(ctx context.Context, row map[string]interface{}) ([]map[string]interface{}, error)
}

// StreamContext describes the open stream.
type StreamContext struct {
	Start *protocol.StartStream
	// State reaches the host's state store. It is nil when the host did not
	// expose a bridge.
	State *rpc.Client

	emit func(protocol.Message) error
}

// Logf sends a log line to the host.
func (sc *StreamContext) Logf(level, format string, args ...interface{}) {
	if sc.emit == nil {
		return
	}
	_ = sc.emit(&protocol.Log{Level: level, Message: fmt.Sprintf(format, args...)})
}
