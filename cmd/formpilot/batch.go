package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/formpilot/internal/models"
	"gopkg.in/yaml.v3"
)

// readBatch loads job specs from a JSON or YAML file. Both formats accept either a list of
// specs or an object with a "jobs" list.
func readBatch(path string) ([]models.JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return parseYAMLBatch(data)
	default:
		return parseJSONBatch(data)
	}
}

func parseJSONBatch(data []byte) ([]models.JobSpec, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var specs []models.JobSpec
		if err := json.Unmarshal(data, &specs); err != nil {
			return nil, fmt.Errorf("invalid JSON batch: %w", err)
		}
		return specs, nil
	}

	var wrapped struct {
		Jobs []models.JobSpec `json:"jobs"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("invalid JSON batch: %w", err)
	}
	return wrapped.Jobs, nil
}

// parseYAMLBatch goes through JSON so free-form payload objects survive
func parseYAMLBatch(data []byte) ([]models.JobSpec, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid YAML batch: %w", err)
	}

	asJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("YAML batch cannot be represented as JSON: %w", err)
	}
	return parseJSONBatch(asJSON)
}
