package config

import (
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
)

// Load loads a configuration from a YAML file
func Load(filePath string, config interface{}) error {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: the path comes from the operator
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to read config file")
	}

	if err := yaml.Unmarshal([]byte(substituteEnvVars(string(data))), config); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse YAML").
			WithDetail("path", filePath)
	}

	return nil
}

// LoadProject loads, defaults and validates a project file.
func LoadProject(filePath string) (*Project, error) {
	p := NewProject()
	if err := Load(filePath, p); err != nil {
		return nil, err
	}
	p.dir = filepath.Dir(filePath)

	for i := range p.Models {
		m := &p.Models[i]
		if m.Query != "" || m.QueryFile == "" {
			continue
		}
		path := m.QueryFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(p.dir, path)
		}
		sql, err := os.ReadFile(path) //nolint:gosec
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read query file").
				WithDetail("model", m.ID)
		}
		m.Query = substituteEnvVars(string(sql))
	}

	p.ApplyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Save saves a configuration to a YAML file
func Save(filePath string, config interface{}) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to marshal YAML")
	}

	if err := os.WriteFile(filePath, data, 0o644); err != nil { //nolint:gosec
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to write config file")
	}

	return nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// substituteEnvVars replaces ${VAR_NAME} with environment variable values.
// ${VAR_NAME:-fallback} uses fallback when the variable is unset or empty.
func substituteEnvVars(content string) string {
	return envPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envPattern.FindStringSubmatch(match)
		if value := os.Getenv(groups[1]); value != "" {
			return value
		}
		return groups[3]
	})
}
