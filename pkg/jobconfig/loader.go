package jobconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads, validates and parses the configuration file at path, then
// applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("job config file not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading job config: %s", path)
		}
		return nil, fmt.Errorf("failed to read job config: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes validates and parses a YAML or JSON document.
//
// The raw document is validated before it is decoded into Config so that
// unknown properties are rejected rather than silently dropped.
func LoadFromBytes(data []byte) (*Config, error) {
	if len(data) == 0 {
		return nil, errors.New("job config is empty")
	}

	// YAML is a superset of JSON, so one decoder serves both formats.
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in job config: %w", err)
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert job config to JSON: %w", err)
	}
	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid job config: %w", err)
	}
	if cfg.Schedule.StartTime != nil && cfg.Schedule.EndTime != nil && !cfg.Schedule.StartTime.Before(*cfg.Schedule.EndTime) {
		return nil, ValidationErrors{{Path: "/schedule/endTime", Message: "must be after startTime"}}
	}
	if cfg.Orchestration.HighBound != 0 && cfg.Orchestration.HighBound < cfg.Orchestration.LowBound {
		return nil, ValidationErrors{{Path: "/orchestration/highBound", Message: "must not be below lowBound"}}
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}
