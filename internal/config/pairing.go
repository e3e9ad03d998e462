package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LedgerDescriptor names one side of a bridged ledger pair: which topic
// carries its signalling events and which HTTP endpoint accepts forwarded
// sends, plus its LedgerType for the KSI commit-data rule.
type LedgerDescriptor struct {
	Name         string `yaml:"name"`
	LedgerType   string `yaml:"ledger_type"`
	EventTopic   string `yaml:"event_topic"`
	GroupID      string `yaml:"group_id"`
	ResponderURL string `yaml:"responder_url"`
}

// PairingConfig describes one bidirectional bridge: Left's events forward to
// Right, and Right's events forward to Left, as two independent engines
// (spec.md: "Two bridges run in parallel for bidirectional pairing").
type PairingConfig struct {
	Left  LedgerDescriptor `yaml:"left"`
	Right LedgerDescriptor `yaml:"right"`
}

// LoadPairing reads and parses a static pairing file from path.
func LoadPairing(path string) (*PairingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadPairing: %w", err)
	}
	var pc PairingConfig
	if err := yaml.Unmarshal(data, &pc); err != nil {
		return nil, fmt.Errorf("op=config.LoadPairing: %w", err)
	}
	if pc.Left.Name == "" || pc.Right.Name == "" {
		return nil, fmt.Errorf("op=config.LoadPairing: both left and right ledgers must be named")
	}
	return &pc, nil
}
