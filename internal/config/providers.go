package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ProviderSpec describes one embedding provider in the fallback chain.
type ProviderSpec struct {
	Type      string `yaml:"type"` // openai | remote | hash
	Model     string `yaml:"model,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
	Dimension int    `yaml:"dimension,omitempty"`
	BatchSize int    `yaml:"batch_size,omitempty"`
}

// ProvidersFile is the optional YAML file reordering or replacing the
// embedding fallback chain without a rebuild.
type ProvidersFile struct {
	CanonicalDim int            `yaml:"canonical_dim,omitempty"`
	Chain        []ProviderSpec `yaml:"chain"`
}

// LoadProviders parses a providers YAML file.
func LoadProviders(path string) (*ProvidersFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}
	var pf ProvidersFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse providers file: %w", err)
	}
	if len(pf.Chain) == 0 {
		return nil, fmt.Errorf("providers file %s: empty chain", path)
	}
	for i, p := range pf.Chain {
		switch p.Type {
		case "openai", "remote", "hash":
		default:
			return nil, fmt.Errorf("providers file %s: chain[%d]: unknown type %q", path, i, p.Type)
		}
	}
	return &pf, nil
}
