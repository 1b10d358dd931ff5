package agent

import (
	_ "embed"
	"fmt"
	"os"
)

//go:embed agent.js
var defaultScript string

// DefaultScript returns the embedded agent script
func DefaultScript() string {
	return defaultScript
}

// LoadScript returns the script at path, or the embedded default when path is empty
func LoadScript(path string) (string, error) {
	if path == "" {
		return defaultScript, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read agent script %s: %w", path, err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("agent script %s is empty", path)
	}
	return string(data), nil
}
