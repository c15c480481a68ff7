package sdk

import (
	"context"

	"github.com/syncmaven/syncmaven-sub000/pkg/connector/protocol"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/rpc"
	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/json"
)

// WriteFunc handles one row.
type WriteFunc func(ctx context.Context, sc *StreamContext, row map[string]interface{}) error

// DestinationBuilder provides a fluent interface for building destinations.
type DestinationBuilder struct {
	spec          protocol.Spec
	streams       []protocol.StreamDescriptor
	defaultStream string
	check         func(ctx context.Context, credentials map[string]interface{}) error
	open          func(ctx context.Context, sc *StreamContext) (Writer, error)
	write         WriteFunc
	err           error
}

// NewDestinationBuilder creates an empty builder.
func NewDestinationBuilder() *DestinationBuilder {
	return &DestinationBuilder{spec: protocol.Spec{Roles: []string{"destination"}}}
}

// WithDescription sets the description returned in the spec.
func (b *DestinationBuilder) WithDescription(description string) *DestinationBuilder {
	b.spec.Description = description
	return b
}

// WithCredentialsSchema sets the JSON schema credentials must satisfy.
func (b *DestinationBuilder) WithCredentialsSchema(schema map[string]interface{}) *DestinationBuilder {
	b.spec.ConnectionCredentials = b.encode(schema)
	return b
}

// WithStream declares a stream whose rows satisfy rowSchema. A nil schema
// accepts any row. The first stream is the default.
func (b *DestinationBuilder) WithStream(name string, rowSchema map[string]interface{}) *DestinationBuilder {
	d := protocol.StreamDescriptor{Name: name}
	if rowSchema != nil {
		d.RowType = b.encode(rowSchema)
	}
	b.streams = append(b.streams, d)
	if b.defaultStream == "" {
		b.defaultStream = name
	}
	return b
}

// WithDefaultStream overrides the default stream.
func (b *DestinationBuilder) WithDefaultStream(name string) *DestinationBuilder {
	b.defaultStream = name
	return b
}

// WithCredentialsCheck runs check before streams are described.
func (b *DestinationBuilder) WithCredentialsCheck(check func(ctx context.Context, credentials map[string]interface{}) error) *DestinationBuilder {
	b.check = check
	return b
}

// WithWriter handles rows with fn.
func (b *DestinationBuilder) WithWriter(fn WriteFunc) *DestinationBuilder {
	b.write = fn
	return b
}

// WithOpen creates a Writer per stream. It takes precedence over WithWriter.
func (b *DestinationBuilder) WithOpen(open func(ctx context.Context, sc *StreamContext) (Writer, error)) *DestinationBuilder {
	b.open = open
	return b
}

// Build validates the builder.
func (b *DestinationBuilder) Build() (Destination, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.streams) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "destination declares no streams")
	}
	if b.open == nil && b.write == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "destination has no writer")
	}
	spec := b.spec
	return &destination{
		spec:    &spec,
		streams: &protocol.StreamSpec{Streams: b.streams, DefaultStream: b.defaultStream},
		check:   b.check,
		open:    b.open,
		write:   b.write,
	}, nil
}

func (b *DestinationBuilder) encode(schema map[string]interface{}) json.RawMessage {
	data, err := json.Marshal(schema)
	if err != nil && b.err == nil {
		b.err = errors.Wrap(err, errors.ErrorTypeConfig, "invalid schema")
	}
	return data
}

type destination struct {
	spec    *protocol.Spec
	streams *protocol.StreamSpec
	check   func(ctx context.Context, credentials map[string]interface{}) error
	open    func(ctx context.Context, sc *StreamContext) (Writer, error)
	write   WriteFunc
}

func (d *destination) Spec(context.Context) (*protocol.Spec, error) {
	return d.spec, nil
}

func (d *destination) Streams(ctx context.Context, credentials map[string]interface{}) (*protocol.StreamSpec, error) {
	if d.check != nil {
		if err := d.check(ctx, credentials); err != nil {
			return nil, err
		}
	}
	return d.streams, nil
}

func (d *destination) Open(ctx context.Context, sc *StreamContext) (Writer, error) {
	if d.open != nil {
		return d.open(ctx, sc)
	}
	return &funcWriter{sc: sc, fn: d.write}, nil
}

type funcWriter struct {
	sc *StreamContext
	fn WriteFunc
}

func (w *funcWriter) Write(ctx context.Context, row map[string]interface{}) error {
	return w.fn(ctx, w.sc, row)
}

func (w *funcWriter) Close(context.Context) error { return nil }

// EnrichFunc maps one row to zero or more rows.
type EnrichFunc func(ctx context.Context, row map[string]interface{}) ([]map[string]interface{}, error)

// EnrichmentBuilder provides a fluent interface for building enrichments.
type EnrichmentBuilder struct {
	spec    protocol.Spec
	connect func(ctx context.Context, msg *protocol.EnrichmentConnect, state *rpc.Client) error
	enrich  EnrichFunc
	err     error
}

// NewEnrichmentBuilder creates an empty builder.
func NewEnrichmentBuilder() *EnrichmentBuilder {
	return &EnrichmentBuilder{spec: protocol.Spec{Roles: []string{"enrichment"}}}
}

// WithDescription sets the description returned in the spec.
func (b *EnrichmentBuilder) WithDescription(description string) *EnrichmentBuilder {
	b.spec.Description = description
	return b
}

// WithCredentialsSchema sets the JSON schema credentials must satisfy.
func (b *EnrichmentBuilder) WithCredentialsSchema(schema map[string]interface{}) *EnrichmentBuilder {
	data, err := json.Marshal(schema)
	if err != nil {
		b.err = errors.Wrap(err, errors.ErrorTypeConfig, "invalid schema")
	}
	b.spec.ConnectionCredentials = data
	return b
}

// WithConnect runs fn on enrichment-connect.
func (b *EnrichmentBuilder) WithConnect(fn func(ctx context.Context, msg *protocol.EnrichmentConnect, state *rpc.Client) error) *EnrichmentBuilder {
	b.connect = fn
	return b
}

// WithEnrich sets the row transform.
func (b *EnrichmentBuilder) WithEnrich(fn EnrichFunc) *EnrichmentBuilder {
	b.enrich = fn
	return b
}

// Build validates the builder.
func (b *EnrichmentBuilder) Build() (Enrichment, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.enrich == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "enrichment has no transform")
	}
	spec := b.spec
	return &enrichment{spec: &spec, connect: b.connect, enrich: b.enrich}, nil
}

type enrichment struct {
	spec    *protocol.Spec
	connect func(ctx context.Context, msg *protocol.EnrichmentConnect, state *rpc.Client) error
	enrich  EnrichFunc
}

func (e *enrichment) Spec(context.Context) (*protocol.Spec, error) { return e.spec, nil }

func (e *enrichment) Connect(ctx context.Context, msg *protocol.EnrichmentConnect, state *rpc.Client) error {
	if e.connect == nil {
		return nil
	}
	return e.connect(ctx, msg, state)
}

func (e *enrichment) Enrich(ctx context.Context, row map[string]interface{}) ([]map[string]interface{}, error) {
	return e.enrich(ctx, row)
}
