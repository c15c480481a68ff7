package pipeline

import (
	"strings"

	"github.com/juju/gojsonschema"

	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/json"
)

// schemaValidator checks documents against a connector-declared JSON schema.
type schemaValidator struct {
	schema *gojsonschema.Schema
}

// compileSchema returns nil when raw is empty: the connector accepts anything.
func compileSchema(raw json.RawMessage) (*schemaValidator, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(string(raw)))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "connector declared an invalid JSON schema")
	}
	return &schemaValidator{schema: schema}, nil
}

// validate returns a validation error listing every violation in doc.
func (v *schemaValidator) validate(doc interface{}) error {
	if v == nil {
		return nil
	}
	result, err := v.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "document cannot be validated")
	}
	if result.Valid() {
		return nil
	}
	violations := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		violations = append(violations, e.String())
	}
	return errors.New(errors.ErrorTypeValidation, strings.Join(violations, "; ")).
		WithDetail("violations", violations)
}
