package config

import (
	"github.com/syncmaven/syncmaven-sub000/pkg/source"
)

// ModelConfig is a source query. A model with a Cursor reads incrementally:
// its query must reference :cursor, which is bound to the highest cursor value
// the previous run checkpointed (NULL on the first run).
type ModelConfig struct {
	ID         string `yaml:"id" json:"id"`
	Datasource string `yaml:"datasource" json:"datasource"`
	Query      string `yaml:"query" json:"query"`
	// QueryFile is read into Query when the project is loaded. Relative
	// paths resolve against the project file.
	QueryFile string `yaml:"query_file" json:"query_file"`
	// Cursor names the column tracked across runs.
	Cursor string `yaml:"cursor" json:"cursor"`
	// CursorType overrides the type reported by the source. It also types
	// the first-run NULL for warehouses that require typed parameters.
	CursorType string `yaml:"cursor_type" json:"cursor_type"`
}

func (m ModelConfig) validate(datasources map[string]source.Config) []string {
	var problems []string
	if m.Query == "" {
		problems = append(problems, "query is required")
	}
	if m.Cursor != "" && m.Query != "" && !source.HasCursorPlaceholder(m.Query) {
		problems = append(problems, "cursor "+m.Cursor+" is declared but the query does not reference "+source.CursorPlaceholder)
	}
	if m.CursorType != "" {
		if _, err := source.ParseSemanticType(m.CursorType); err != nil {
			problems = append(problems, "cursor_type "+m.CursorType+" is not a column type")
		}
	}
	switch {
	case m.Datasource == "" && len(datasources) != 1:
		problems = append(problems, "datasource is required")
	case m.Datasource != "":
		if _, ok := datasources[m.Datasource]; !ok {
			problems = append(problems, "datasource "+m.Datasource+" is not defined")
		}
	}
	return problems
}

// DestinationConfig is a destination connector and its credentials.
type DestinationConfig struct {
	ID string `yaml:"id" json:"id"`
	// Package references the connector: docker:<image>, exec:<path> [args],
	// builtin:<name>, or a bare name for the syncmaven/<name> image.
	Package     string                 `yaml:"package" json:"package"`
	Credentials map[string]interface{} `yaml:"credentials" json:"credentials"`
	// Env is passed to the connector process.
	Env map[string]string `yaml:"env" json:"env"`
}

// EnrichmentConfig is an enrichment connector and its credentials.
type EnrichmentConfig struct {
	ID          string                 `yaml:"id" json:"id"`
	Package     string                 `yaml:"package" json:"package"`
	Credentials map[string]interface{} `yaml:"credentials" json:"credentials"`
	Options     map[string]interface{} `yaml:"options" json:"options"`
	Env         map[string]string      `yaml:"env" json:"env"`
}
