// Package topology describes the members of a cluster under test as seen by the
// disruption engine: their names, addresses and whether disruption is enabled.
package topology

import (
	"fmt"
	"net"
	"strconv"
)

// MemberID is the symbolic name of a member. It is unique within a topology.
type MemberID string

// Member is a server process of the cluster under test.
type Member struct {
	// ID is the symbolic name of the member
	ID MemberID `yaml:"name"`
	// Host is the address the member listens on
	Host string `yaml:"host"`
	// Port is the port clients connect to
	Port int `yaml:"port"`
	// GroupPort is the port other members connect to
	GroupPort int `yaml:"group-port"`
	// ProxyPort is the port published to clients when traffic is relayed. Zero means
	// any free port can be used.
	ProxyPort int `yaml:"proxy-port,omitempty"`
}

// Address returns the host:port clients connect to
func (m Member) Address() string {
	return net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
}

// GroupAddress returns the host:port other members connect to
func (m Member) GroupAddress() string {
	return net.JoinHostPort(m.Host, strconv.Itoa(m.GroupPort))
}

func (m Member) validate() error {
	if m.ID == "" {
		return fmt.Errorf("member at %s has no name", m.Address())
	}
	if m.Host == "" {
		return fmt.Errorf("member %q has no host", m.ID)
	}
	if m.Port <= 0 || m.Port > 65535 {
		return fmt.Errorf("member %q has invalid port %d", m.ID, m.Port)
	}
	if m.GroupPort < 0 || m.GroupPort > 65535 {
		return fmt.Errorf("member %q has invalid group port %d", m.ID, m.GroupPort)
	}
	if m.ProxyPort < 0 || m.ProxyPort > 65535 {
		return fmt.Errorf("member %q has invalid proxy port %d", m.ID, m.ProxyPort)
	}

	return nil
}

// Topology holds the resolved description of the cluster under test
type Topology struct {
	disruptionEnabled bool
	config            ConfigurationManager
}

// New returns a Topology for the members described by the configuration manager.
// Member names must be unique across the whole topology.
func New(disruptionEnabled bool, config ConfigurationManager) (*Topology, error) {
	if config == nil {
		return nil, fmt.Errorf("configuration manager is required")
	}

	names := map[MemberID]struct{}{}
	for _, m := range config.Members() {
		if err := m.validate(); err != nil {
			return nil, err
		}

		if _, found := names[m.ID]; found {
			return nil, fmt.Errorf("duplicate member name %q in topology", m.ID)
		}
		names[m.ID] = struct{}{}
	}

	return &Topology{
		disruptionEnabled: disruptionEnabled,
		config:            config,
	}, nil
}

// DisruptionEnabled returns true if network disruption can be used on this topology
func (t *Topology) DisruptionEnabled() bool {
	return t.disruptionEnabled
}

// ConfigurationManager returns the configuration the members were described with
func (t *Topology) ConfigurationManager() ConfigurationManager {
	return t.config
}

// Members returns all the members in configuration order
func (t *Topology) Members() []Member {
	return t.config.Members()
}

// Member returns the member with the given id
func (t *Topology) Member(id MemberID) (Member, bool) {
	for _, m := range t.config.Members() {
		if m.ID == id {
			return m, true
		}
	}

	return Member{}, false
}

// FindStripeID returns the index of the stripe the member belongs to, or -1 if the
// member is unknown. Members of a dynamic configuration all belong to stripe 0.
func (t *Topology) FindStripeID(id MemberID) int {
	switch cm := t.config.(type) {
	case *StaticConfigManager:
		for i, stripe := range cm.Stripes {
			for _, m := range stripe.Members {
				if m.ID == id {
					return i
				}
			}
		}
	case *DynamicConfigManager:
		for _, m := range cm.Servers {
			if m.ID == id {
				return 0
			}
		}
	}

	return -1
}

func (t *Topology) String() string {
	return fmt.Sprintf("Topology{members=%d, disruptionEnabled=%t}", len(t.config.Members()), t.disruptionEnabled)
}
