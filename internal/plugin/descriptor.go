package plugin

import (
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// loadDescriptor reads and vets a plugin descriptor file. Descriptors
// are YAML; the id and type fields are mandatory.
func loadDescriptor(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("read plugin descriptor: %w", err)
	}

	var meta Metadata
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("parse plugin descriptor %s: %w", path, err)
	}

	if meta.ID == "" {
		return Metadata{}, fmt.Errorf("plugin descriptor %s: missing id", path)
	}
	if meta.Type == "" {
		return Metadata{}, fmt.Errorf("plugin descriptor %s: missing type", path)
	}
	return meta, nil
}

// validateConfigSchema checks the config blob against the descriptor's
// declared JSON schema, when one is present.
func validateConfigSchema(meta Metadata) error {
	if len(meta.ConfigSchema) == 0 {
		return nil
	}

	schemaLoader := gojsonschema.NewGoLoader(meta.ConfigSchema)
	configLoader := gojsonschema.NewGoLoader(meta.Config)

	result, err := gojsonschema.Validate(schemaLoader, configLoader)
	if err != nil {
		return fmt.Errorf("plugin %q: config schema: %w", meta.ID, err)
	}
	if !result.Valid() {
		problems := make([]string, len(result.Errors()))
		for i, e := range result.Errors() {
			problems[i] = e.String()
		}
		return fmt.Errorf("plugin %q: config invalid: %s", meta.ID, strings.Join(problems, "; "))
	}
	return nil
}
