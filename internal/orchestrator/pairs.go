package orchestrator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PairConfig declares one agent-to-agent conversation.
type PairConfig struct {
	ID     string `yaml:"id"`
	AgentA string `yaml:"agent_a"`
	AgentB string `yaml:"agent_b"`
	Topic  string `yaml:"topic"`
}

type pairsFile struct {
	Pairs []PairConfig `yaml:"pairs"`
}

// LoadPairs reads conversation pairs from a YAML file.
func LoadPairs(path string) ([]PairConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pairs file: %w", err)
	}

	var f pairsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse pairs file: %w", err)
	}

	seen := make(map[string]bool, len(f.Pairs))
	for i, p := range f.Pairs {
		if p.AgentA == "" || p.AgentB == "" {
			return nil, fmt.Errorf("pair %d: agent_a and agent_b are required", i)
		}
		if p.AgentA == p.AgentB {
			return nil, fmt.Errorf("pair %d: an agent cannot talk to itself", i)
		}
		if p.ID == "" {
			f.Pairs[i].ID = p.AgentA + "+" + p.AgentB
		}
		if seen[f.Pairs[i].ID] {
			return nil, fmt.Errorf("pair %d: duplicate id %q", i, f.Pairs[i].ID)
		}
		seen[f.Pairs[i].ID] = true
	}
	return f.Pairs, nil
}
