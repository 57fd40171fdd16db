package listeners

import (
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/bearice/redproxy-go/common"
)

type rawEntry struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// FromConfig builds the Listener set from the `listeners:` section of the
// configuration. Unlike connectors, duplicate listener names are not
// rejected by the core (two listeners may legitimately share a name in
// front of different binds in some deployments); each entry's Type
// defaults to its Name per SPEC_FULL.md §6.
func FromConfig(nodes []yaml.Node) ([]Listener, error) {
	result := make([]Listener, 0, len(nodes))
	for i := range nodes {
		node := &nodes[i]
		var raw rawEntry
		if err := node.Decode(&raw); err != nil {
			return nil, errors.Wrap(common.ErrConfig, err.Error())
		}
		if raw.Name == "" {
			return nil, errors.Wrap(common.ErrConfig, "missing listener name")
		}
		tname := raw.Type
		if tname == "" {
			tname = raw.Name
		}

		var listener Listener
		var err error
		switch tname {
		case "http", "tcp":
			listener, err = NewHTTPListenerFromYAML(node)
		case "quic":
			listener, err = NewQUICListenerFromYAML(node)
		case "ws":
			listener, err = NewWSListenerFromYAML(node)
		default:
			return nil, errors.Wrapf(common.ErrConfig, "unknown listener type: %q", tname)
		}
		if err != nil {
			return nil, err
		}
		result = append(result, listener)
	}
	return result, nil
}
