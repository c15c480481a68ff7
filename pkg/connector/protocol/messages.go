// Package protocol defines the closed set of messages exchanged between the
// host and a connector process, one JSON object per line:
//
//	{"type": "<message type>", "payload": {...}}
//
// Message is a sealed interface; every concrete message type lives in this
// package and consumers switch over them exhaustively.
package protocol

import (
	"github.com/syncmaven/syncmaven-sub000/pkg/json"
)

// Type is the discriminator carried in every line.
type Type string

const (
	TypeDescribe           Type = "describe"
	TypeSpec               Type = "spec"
	TypeDescribeStreams    Type = "describe-streams"
	TypeStreamSpec         Type = "stream-spec"
	TypeStartStream        Type = "start-stream"
	TypeRow                Type = "row"
	TypeEndStream          Type = "end-stream"
	TypeStreamResult       Type = "stream-result"
	TypeLog                Type = "log"
	TypeHalt               Type = "halt"
	TypeEnrichmentConnect  Type = "enrichment-connect"
	TypeEnrichmentRequest  Type = "enrichment-request"
	TypeEnrichmentResponse Type = "enrichment-response"
)

// Message is implemented only by the message types of this package.
type Message interface {
	Type() Type
	sealed()
}

// Describe asks the connector for its Spec.
type Describe struct{}

// Spec describes a connector and the JSON schema its credentials must satisfy.
type Spec struct {
	Description           string          `json:"description,omitempty"`
	Roles                 []string        `json:"roles,omitempty"`
	ConnectionCredentials json.RawMessage `json:"connectionCredentials,omitempty"`
}

// DescribeStreams asks the connector which streams it accepts.
type DescribeStreams struct {
	ConnectionCredentials map[string]interface{} `json:"connectionCredentials"`
}

// StreamDescriptor names one destination stream and the JSON schema of its rows.
type StreamDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	RowType     json.RawMessage `json:"rowType,omitempty"`
}

// StreamSpec answers DescribeStreams.
type StreamSpec struct {
	Streams       []StreamDescriptor `json:"streams"`
	DefaultStream string             `json:"defaultStream,omitempty"`
}

// Find returns the descriptor called name.
func (s *StreamSpec) Find(name string) (StreamDescriptor, bool) {
	for _, d := range s.Streams {
		if d.Name == name {
			return d, true
		}
	}
	return StreamDescriptor{}, false
}

// StartStream opens a stream; rows follow immediately.
type StartStream struct {
	StreamID              string                 `json:"streamId"`
	SyncID                string                 `json:"syncId"`
	Stream                string                 `json:"stream"`
	FullRefresh           bool                   `json:"fullRefresh,omitempty"`
	ConnectionCredentials map[string]interface{} `json:"connectionCredentials"`
	StreamOptions         map[string]interface{} `json:"streamOptions,omitempty"`
}

// Row carries one record.
type Row struct {
	Row map[string]interface{} `json:"row"`
}

// EndStream closes the current stream; the connector answers with StreamResult.
type EndStream struct{}

// StreamResult reports the connector's counters for one stream.
type StreamResult struct {
	Received int64 `json:"received"`
	Skipped  int64 `json:"skipped"`
	Success  int64 `json:"success"`
	Failed   int64 `json:"failed"`
}

// Log is a connector log line. Lines that cannot be parsed are coerced into Log.
type Log struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Halt statuses.
const (
	HaltStatusSuccess = "success"
	HaltStatusError   = "error"
)

// Halt ends the current stream from the connector side.
type Halt struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// IsError reports whether the halt is fatal for the run.
func (h *Halt) IsError() bool {
	return h.Status == HaltStatusError
}

// EnrichmentConnect configures an enrichment connector once per run.
type EnrichmentConnect struct {
	Credentials map[string]interface{} `json:"credentials"`
	Options     map[string]interface{} `json:"options,omitempty"`
}

// EnrichmentRequest asks the enrichment connector to transform one row.
type EnrichmentRequest struct {
	Row map[string]interface{} `json:"row"`
}

// EnrichmentResponse carries zero or more output rows for one request.
type EnrichmentResponse struct {
	Rows  []map[string]interface{} `json:"rows"`
	Error string                   `json:"error,omitempty"`
}

func (*Describe) Type() Type           { return TypeDescribe }
func (*Spec) Type() Type               { return TypeSpec }
func (*DescribeStreams) Type() Type    { return TypeDescribeStreams }
func (*StreamSpec) Type() Type         { return TypeStreamSpec }
func (*StartStream) Type() Type        { return TypeStartStream }
func (*Row) Type() Type                { return TypeRow }
func (*EndStream) Type() Type          { return TypeEndStream }
func (*StreamResult) Type() Type       { return TypeStreamResult }
func (*Log) Type() Type                { return TypeLog }
func (*Halt) Type() Type               { return TypeHalt }
func (*EnrichmentConnect) Type() Type  { return TypeEnrichmentConnect }
func (*EnrichmentRequest) Type() Type  { return TypeEnrichmentRequest }
func (*EnrichmentResponse) Type() Type { return TypeEnrichmentResponse }

func (*Describe) sealed()           {}
func (*Spec) sealed()               {}
func (*DescribeStreams) sealed()    {}
func (*StreamSpec) sealed()         {}
func (*StartStream) sealed()        {}
func (*Row) sealed()                {}
func (*EndStream) sealed()          {}
func (*StreamResult) sealed()       {}
func (*Log) sealed()                {}
func (*Halt) sealed()               {}
func (*EnrichmentConnect) sealed()  {}
func (*EnrichmentRequest) sealed()  {}
func (*EnrichmentResponse) sealed() {}
