package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CollectionPolicy carries per-collection listing overrides. Collections not
// present in the policy keep their remote name, derive a color, and sort
// after all ranked entries.
type CollectionPolicy struct {
	Rank     int    `yaml:"rank"`
	Name     string `yaml:"name"`
	Color    string `yaml:"color"`
	Excluded bool   `yaml:"excluded"`
}

// CollectionPolicies maps collection IDs (remote paths) to their policy.
type CollectionPolicies map[string]CollectionPolicy

type policyFile struct {
	Collections CollectionPolicies `yaml:"collections"`
}

// LoadCollectionPolicies reads the YAML policy file. An empty path returns an
// empty policy set rather than an error.
func LoadCollectionPolicies(path string) (CollectionPolicies, error) {
	if path == "" {
		return CollectionPolicies{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read collections policy: %w", err)
	}
	var f policyFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse collections policy: %w", err)
	}
	if f.Collections == nil {
		f.Collections = CollectionPolicies{}
	}
	return f.Collections, nil
}
