package topology

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk description of a topology
type File struct {
	DisruptionEnabled bool            `yaml:"disruption-enabled"`
	Stripes           []*StripeConfig `yaml:"stripes,omitempty"`
	Servers           []Member        `yaml:"servers,omitempty"`
}

// Load reads a topology from a YAML file
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading topology file: %w", err)
	}

	return Parse(data)
}

// Parse builds a topology from its YAML description. Either stripes (static
// configuration) or servers (dynamic configuration) must be given, not both.
func Parse(data []byte) (*Topology, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing topology: %w", err)
	}

	var config ConfigurationManager
	switch {
	case len(f.Stripes) > 0 && len(f.Servers) > 0:
		return nil, fmt.Errorf("topology cannot define both stripes and servers")
	case len(f.Stripes) > 0:
		config = NewStaticConfigManager(f.Stripes...)
	case len(f.Servers) > 0:
		config = NewDynamicConfigManager(f.Servers...)
	default:
		return nil, fmt.Errorf("topology defines no members")
	}

	return New(f.DisruptionEnabled, config)
}
