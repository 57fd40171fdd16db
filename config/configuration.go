// Package config loads the top-level YAML configuration described in
// SPEC_FULL.md §6: listeners, connectors, and rules. Directory/home
// resolution follows the teacher's config/configuration.go conventions.
package config

import (
	"os"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/bearice/redproxy-go/common"
	"github.com/bearice/redproxy-go/connectors"
	"github.com/bearice/redproxy-go/listeners"
	"github.com/bearice/redproxy-go/rules"
)

// DefaultConfigFile is used when --config is not given.
const DefaultConfigFile = "config.yaml"

// rawConfig mirrors the three top-level YAML keys verbatim before the
// per-section decoders run.
type rawConfig struct {
	Listeners   []yaml.Node `yaml:"listeners"`
	Connectors  []yaml.Node `yaml:"connectors"`
	Rules       []yaml.Node `yaml:"rules"`
	MaxSessions uint64      `yaml:"max_sessions"`
}

// Config is the fully loaded and bound configuration: listeners ready to
// Init/Listen, connectors ready to Init/Verify, and rules whose Target
// connectors have been resolved.
type Config struct {
	Listeners  []listeners.Listener
	Connectors map[string]connectors.Connector
	Rules      []*rules.Rule

	// MaxSessions bounds how many sessions the dispatcher will hand to a
	// connector at once, independent of the dispatch queue's own capacity.
	// Zero (the default) means unlimited.
	MaxSessions uint64
}

// Load reads path, expanding a leading "~", parses it into its three
// sections, and resolves every rule's target connector. Any failure in
// this function is a ConfigError that aborts startup.
func Load(path string) (*Config, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, errors.Wrapf(common.ErrConfig, "expand path %q: %v", path, err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, errors.Wrapf(common.ErrConfig, "read %q: %v", expanded, err)
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(common.ErrConfig, "parse %q: %v", expanded, err)
	}

	listenerSet, err := listeners.FromConfig(raw.Listeners)
	if err != nil {
		return nil, err
	}
	connectorSet, err := connectors.FromConfig(raw.Connectors)
	if err != nil {
		return nil, err
	}
	ruleSet, err := rules.FromConfig(raw.Rules)
	if err != nil {
		return nil, err
	}
	if err := rules.BindTargets(ruleSet, connectorSet); err != nil {
		return nil, err
	}

	return &Config{
		Listeners:   listenerSet,
		Connectors:  connectorSet,
		Rules:       ruleSet,
		MaxSessions: raw.MaxSessions,
	}, nil
}
