package connectors

import (
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/bearice/redproxy-go/common"
)

// ReservedConnectorName is rejected at configuration load, matching the
// original's "deny" sentinel used to express an explicit non-route.
const ReservedConnectorName = "deny"

// rawEntry is enough of the YAML node to read name/type before delegating
// to the type-specific decoder, mirroring connectors/mod.rs::from_value.
type rawEntry struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// FromConfig builds the named Connector set from the `connectors:` section
// of the configuration, rejecting the reserved name "deny" and duplicate
// names (SPEC_FULL.md §4.G, original_source connectors/mod.rs).
func FromConfig(nodes []yaml.Node) (map[string]Connector, error) {
	result := make(map[string]Connector, len(nodes))
	for i := range nodes {
		node := &nodes[i]
		var raw rawEntry
		if err := node.Decode(&raw); err != nil {
			return nil, errors.Wrap(common.ErrConfig, err.Error())
		}
		if raw.Name == "" {
			return nil, errors.Wrap(common.ErrConfig, "missing connector name")
		}
		if raw.Name == ReservedConnectorName {
			return nil, errors.Wrapf(common.ErrConfig, "connector name %q is reserved", ReservedConnectorName)
		}
		tname := raw.Type
		if tname == "" {
			tname = raw.Name
		}

		var connector Connector
		var err error
		switch tname {
		case "http":
			connector, err = NewHTTPConnectorFromYAML(node)
		default:
			return nil, errors.Wrapf(common.ErrConfig, "unknown connector type: %q", tname)
		}
		if err != nil {
			return nil, err
		}

		if _, exists := result[connector.Name()]; exists {
			return nil, errors.Wrapf(common.ErrConfig, "duplicate connector name: %s", connector.Name())
		}
		result[connector.Name()] = connector
	}
	return result, nil
}
