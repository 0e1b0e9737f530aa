package topology

// ConfigurationManager is the source of the members of a topology. It is either a
// *StaticConfigManager or a *DynamicConfigManager.
type ConfigurationManager interface {
	// Members returns all the members, in configuration order
	Members() []Member
}

// PortChooser hands out free ports
type PortChooser interface {
	ChooseRandomPort() (int, error)
}

// StripeConfig is the static configuration of one stripe
type StripeConfig struct {
	Members []Member `yaml:"members"`
}

// Copy returns a deep copy of the stripe configuration
func (s *StripeConfig) Copy() *StripeConfig {
	members := make([]Member, len(s.Members))
	copy(members, s.Members)

	return &StripeConfig{Members: members}
}

// AssignProxyPorts sets the proxy port of every member that does not declare one and
// returns the proxy port of each member. Ports already declared in the configuration
// are kept.
func (s *StripeConfig) AssignProxyPorts(chooser PortChooser) (map[MemberID]int, error) {
	ports := map[MemberID]int{}
	for i := range s.Members {
		if s.Members[i].ProxyPort == 0 {
			port, err := chooser.ChooseRandomPort()
			if err != nil {
				return nil, err
			}
			s.Members[i].ProxyPort = port
		}

		ports[s.Members[i].ID] = s.Members[i].ProxyPort
	}

	return ports, nil
}

// StaticConfigManager describes a cluster with a fixed configuration per stripe
type StaticConfigManager struct {
	Stripes []*StripeConfig
}

// NewStaticConfigManager returns a StaticConfigManager for the given stripes
func NewStaticConfigManager(stripes ...*StripeConfig) *StaticConfigManager {
	return &StaticConfigManager{Stripes: stripes}
}

// Members implements ConfigurationManager
func (c *StaticConfigManager) Members() []Member {
	members := []Member{}
	for _, stripe := range c.Stripes {
		members = append(members, stripe.Members...)
	}

	return members
}

// DynamicConfigManager describes a cluster whose members are known only as a live list
type DynamicConfigManager struct {
	Servers []Member
}

// NewDynamicConfigManager returns a DynamicConfigManager for the given members
func NewDynamicConfigManager(servers ...Member) *DynamicConfigManager {
	return &DynamicConfigManager{Servers: servers}
}

// Members implements ConfigurationManager
func (c *DynamicConfigManager) Members() []Member {
	members := make([]Member, len(c.Servers))
	copy(members, c.Servers)

	return members
}
