package protocol

import (
	"bytes"
	"io"

	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/json"
)

// Envelope is the on-the-wire shape of every message.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New returns an empty message of type t.
func New(t Type) (Message, error) {
	switch t {
	case TypeDescribe:
		return &Describe{}, nil
	case TypeSpec:
		return &Spec{}, nil
	case TypeDescribeStreams:
		return &DescribeStreams{}, nil
	case TypeStreamSpec:
		return &StreamSpec{}, nil
	case TypeStartStream:
		return &StartStream{}, nil
	case TypeRow:
		return &Row{}, nil
	case TypeEndStream:
		return &EndStream{}, nil
	case TypeStreamResult:
		return &StreamResult{}, nil
	case TypeLog:
		return &Log{}, nil
	case TypeHalt:
		return &Halt{}, nil
	case TypeEnrichmentConnect:
		return &EnrichmentConnect{}, nil
	case TypeEnrichmentRequest:
		return &EnrichmentRequest{}, nil
	case TypeEnrichmentResponse:
		return &EnrichmentResponse{}, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeProtocol, "unknown message type %q", t)
	}
}

// Marshal encodes msg as an Envelope without the trailing newline.
func Marshal(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "failed to encode "+string(msg.Type())+" payload")
	}
	return json.Marshal(Envelope{Type: msg.Type(), Payload: payload})
}

// Write encodes msg as one line on w.
func Write(w io.Writer, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeProtocol, "failed to encode "+string(msg.Type())+" payload")
	}
	return json.WriteLine(w, Envelope{Type: msg.Type(), Payload: payload})
}

// Unmarshal strictly decodes one line. Unknown types are rejected.
func Unmarshal(line []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "malformed message")
	}
	if env.Type == "" {
		return nil, errors.New(errors.ErrorTypeProtocol, "message has no type")
	}
	msg, err := New(env.Type)
	if err != nil {
		return nil, err
	}
	if len(env.Payload) > 0 && !bytes.Equal(env.Payload, []byte("null")) {
		if err := json.UnmarshalUseNumber(env.Payload, msg); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "malformed "+string(env.Type)+" payload")
		}
	}
	return msg, nil
}

// ParseLine is the lenient decoder applied to lines read from a connector.
// Anything before the first '{' is dropped, since connectors sometimes print
// unstructured text to stdout. A line that still cannot be decoded, or that
// has an unknown type, comes back as an info-level Log holding the raw line so
// that it is never silently lost. Empty lines return nil.
func ParseLine(line []byte) Message {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil
	}
	if i := bytes.IndexByte(trimmed, '{'); i > 0 {
		trimmed = trimmed[i:]
	} else if i < 0 {
		return &Log{Level: "info", Message: string(bytes.TrimSpace(line))}
	}
	msg, err := Unmarshal(trimmed)
	if err != nil {
		return &Log{Level: "info", Message: string(bytes.TrimSpace(line))}
	}
	return msg
}
