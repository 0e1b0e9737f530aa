package disruption

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/grafana/netsplit/pkg/ports"
	"github.com/grafana/netsplit/pkg/runtime"
	"github.com/grafana/netsplit/pkg/topology"
	"github.com/sirupsen/logrus"
)

// DefaultURIScheme is the scheme of the cluster URI handed to clients
const DefaultURIScheme = "terracotta"

// Topology is the view of the cluster under test used by the Controller.
// *topology.Topology implements it.
type Topology interface {
	DisruptionEnabled() bool
	ConfigurationManager() topology.ConfigurationManager
	Members() []topology.Member
	Member(id topology.MemberID) (topology.Member, bool)
}

// Option configures a Controller
type Option func(*Controller)

// WithProvider sets the provider that creates the disruption primitives.
// Defaults to an IptablesProvider running iptables on the local host.
func WithProvider(provider Provider) Option {
	return func(c *Controller) {
		c.provider = provider
	}
}

// WithLogger sets the logger. Logs are discarded by default.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Controller) {
		c.log = log
	}
}

// WithPortChooser sets the chooser of relay ports. Defaults to ports.NewChooser().
func WithPortChooser(chooser topology.PortChooser) Option {
	return func(c *Controller) {
		c.chooser = chooser
	}
}

// WithURIScheme sets the scheme of the cluster URI. Defaults to DefaultURIScheme.
func WithURIScheme(scheme string) Option {
	return func(c *Controller) {
		c.scheme = scheme
	}
}

// Controller creates disruptors for a topology and keeps track of them until they are closed.
// It is safe for concurrent use.
type Controller struct {
	topology Topology
	provider Provider
	chooser  topology.PortChooser
	scheme   string
	log      logrus.FieldLogger

	mtx        sync.Mutex
	disruptors []Disruptor
	proxyPorts map[topology.MemberID]int
	closed     atomic.Bool
}

// NewController returns a Controller for the topology
func NewController(t Topology, opts ...Option) *Controller {
	c := &Controller{
		topology:   t,
		scheme:     DefaultURIScheme,
		proxyPorts: map[topology.MemberID]int{},
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.provider == nil {
		c.provider = NewIptablesProvider(runtime.DefaultExecutor())
	}
	if c.chooser == nil {
		c.chooser = ports.NewChooser()
	}
	if c.log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		c.log = discard
	}

	return c
}

func (c *Controller) checkUsable() error {
	if !c.topology.DisruptionEnabled() {
		return invalidRequest("network disruption is not enabled on the topology")
	}
	if c.closed.Load() {
		return invalidRequest("controller is closed")
	}

	return nil
}

// NewServerToServerDisruptor partitions each of the members from all the others
func (c *Controller) NewServerToServerDisruptor(members ...topology.MemberID) (*ServerToServerDisruptor, error) {
	if len(members) < 2 {
		return nil, invalidRequest("partition needs at least two members, got %d", len(members))
	}

	splits := make([]SplitCluster, 0, len(members))
	for _, m := range members {
		splits = append(splits, NewSplitCluster(m))
	}

	return c.NewPartition(splits...)
}

// NewPartition returns a stopped disruptor that cuts the traffic between the members of
// different split clusters. It fails with a *ConflictError if a live disruptor already
// cuts any of the requested links.
func (c *Controller) NewPartition(splits ...SplitCluster) (*ServerToServerDisruptor, error) {
	if err := c.checkUsable(); err != nil {
		return nil, err
	}

	if len(splits) < 2 {
		return nil, invalidRequest("partition needs at least two split clusters, got %d", len(splits))
	}

	for i, s := range splits {
		if s.Len() == 0 {
			return nil, invalidRequest("split cluster %d is empty", i)
		}
		for j := i + 1; j < len(splits); j++ {
			if !s.Disjoint(splits[j]) {
				return nil, invalidRequest("split clusters %s and %s share members", s, splits[j])
			}
		}
	}

	members := map[topology.MemberID]topology.Member{}
	for _, s := range splits {
		for _, id := range s.members {
			m, found := c.topology.Member(id)
			if !found {
				return nil, invalidRequest("unknown member %q", id)
			}
			if m.GroupPort == 0 {
				return nil, invalidRequest("member %q has no group port", id)
			}
			members[id] = m
		}
	}

	linkSet := newLinkSet(splits)

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.closed.Load() {
		return nil, invalidRequest("controller is closed")
	}

	if conflicts := c.conflictsLocked(linkSet); len(conflicts) > 0 {
		return nil, &ConflictError{Members: conflicts}
	}

	edges := []Link{}
	for _, e := range linkSet.Edges() {
		link, err := c.provider.NewLink(members[e.From], members[e.To])
		if err != nil {
			return nil, transportFailure(joinErrors(err, closeAll(edges)), "linking %s to %s", e.From, e.To)
		}
		edges = append(edges, link)
	}

	var d *ServerToServerDisruptor
	d = newServerToServerDisruptor(splits, linkSet, edges, func() { c.deregister(d) })
	c.disruptors = append(c.disruptors, d)

	c.log.WithFields(logrus.Fields{"disruptor": d.String(), "links": len(edges)}).Info("created server to server disruptor")

	return d, nil
}

// conflictsLocked returns the members of linkSet whose links are already cut by a live disruptor
func (c *Controller) conflictsLocked(linkSet LinkSet) []topology.MemberID {
	conflicting := map[topology.MemberID]struct{}{}
	for _, d := range c.disruptors {
		s2s, ok := d.(*ServerToServerDisruptor)
		if !ok {
			continue
		}
		for _, m := range linkSet.Conflicts(s2s.links) {
			conflicting[m] = struct{}{}
		}
	}

	conflicts := make([]topology.MemberID, 0, len(conflicting))
	for m := range conflicting {
		conflicts = append(conflicts, m)
	}
	sortMembers(conflicts)

	return conflicts
}

// NewClientToServerDisruptor returns a stopped disruptor that cuts clients from every member.
// With a proxy based provider there is at most one such disruptor: the registered one is
// returned if it exists.
func (c *Controller) NewClientToServerDisruptor() (*ClientToServerDisruptor, error) {
	if err := c.checkUsable(); err != nil {
		return nil, err
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.closed.Load() {
		return nil, invalidRequest("controller is closed")
	}

	if !c.provider.IsProxyBased() {
		return c.newDirectClientDisruptorLocked()
	}

	members := c.topology.Members()
	for _, m := range members {
		if _, assigned := c.proxyPorts[m.ID]; assigned {
			continue
		}
		port, err := c.chooser.ChooseRandomPort()
		if err != nil {
			return nil, transportFailure(err, "choosing relay port for %s", m.ID)
		}
		c.proxyPorts[m.ID] = port
	}

	if d := c.clientDisruptorLocked(); d != nil {
		if err := c.relayMissingLocked(d, members); err != nil {
			return nil, err
		}
		return d, nil
	}

	return c.newProxiedClientDisruptorLocked(members)
}

func (c *Controller) newDirectClientDisruptorLocked() (*ClientToServerDisruptor, error) {
	members := c.topology.Members()

	links := []Link{}
	addresses := []string{}
	for _, m := range members {
		link, err := c.provider.NewClientBlocker(m)
		if err != nil {
			return nil, transportFailure(joinErrors(err, closeAll(links)), "blocking clients of %s", m.ID)
		}
		links = append(links, link)
		addresses = append(addresses, m.Address())
	}

	var d *ClientToServerDisruptor
	d = newClientToServerDisruptor(
		c.scheme, addresses, false, map[topology.MemberID]int{}, links,
		func() { c.deregister(d) },
	)
	c.disruptors = append(c.disruptors, d)

	c.log.WithField("disruptor", d.String()).Info("created client to server disruptor")

	return d, nil
}

// newProxiedClientDisruptorLocked binds a relay for each member on its port in the proxy port table
func (c *Controller) newProxiedClientDisruptorLocked(members []topology.Member) (*ClientToServerDisruptor, error) {
	links := []Link{}
	addresses := []string{}
	relayPorts := map[topology.MemberID]int{}
	for _, m := range members {
		port, assigned := c.proxyPorts[m.ID]
		if !assigned {
			return nil, joinErrors(invalidRequest("member %q has no proxy port", m.ID), closeAll(links))
		}

		relay, err := c.provider.NewRelay(m, port)
		if err != nil {
			return nil, transportFailure(joinErrors(err, closeAll(links)), "relaying clients of %s", m.ID)
		}
		links = append(links, relay)
		addresses = append(addresses, relay.Address())
		relayPorts[m.ID] = port
	}

	var d *ClientToServerDisruptor
	d = newClientToServerDisruptor(
		c.scheme, addresses, true, relayPorts, links,
		func() { c.deregister(d) },
	)
	c.disruptors = append(c.disruptors, d)

	c.log.WithFields(logrus.Fields{"disruptor": d.String(), "ports": relayPorts}).Info("created client to server disruptor")

	return d, nil
}

// relayMissingLocked binds relays in d for the members it does not relay yet
func (c *Controller) relayMissingLocked(d *ClientToServerDisruptor, members []topology.Member) error {
	relayed := d.Ports()

	links := []Link{}
	addresses := []string{}
	relayPorts := map[topology.MemberID]int{}
	for _, m := range members {
		if _, found := relayed[m.ID]; found {
			continue
		}

		port, assigned := c.proxyPorts[m.ID]
		if !assigned {
			return joinErrors(invalidRequest("member %q has no proxy port", m.ID), closeAll(links))
		}

		relay, err := c.provider.NewRelay(m, port)
		if err != nil {
			return transportFailure(joinErrors(err, closeAll(links)), "relaying clients of %s", m.ID)
		}
		links = append(links, relay)
		addresses = append(addresses, relay.Address())
		relayPorts[m.ID] = port
	}

	if len(links) == 0 {
		return nil
	}

	if err := d.addRelays(relayPorts, addresses, links); err != nil {
		return joinErrors(err, closeAll(links))
	}

	c.log.WithFields(logrus.Fields{"disruptor": d.String(), "ports": relayPorts}).Info("added relays to client to server disruptor")

	return nil
}

func (c *Controller) clientDisruptorLocked() *ClientToServerDisruptor {
	for _, d := range c.disruptors {
		if c2s, ok := d.(*ClientToServerDisruptor); ok {
			return c2s
		}
	}

	return nil
}

// UpdatePortsWithProxy assigns a relay port to every member of t that has none and makes
// sure the client to server disruptor relays on those ports, binding relays for members
// it does not relay yet. It returns a copy of the
// proxy port table. Ports already assigned never change. With a direct provider it does
// nothing and returns an empty table.
func (c *Controller) UpdatePortsWithProxy(t Topology) (map[topology.MemberID]int, error) {
	if !c.provider.IsProxyBased() {
		return map[topology.MemberID]int{}, nil
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.closed.Load() {
		return nil, invalidRequest("controller is closed")
	}

	switch cm := t.ConfigurationManager().(type) {
	case *topology.StaticConfigManager:
		for _, stripe := range cm.Stripes {
			assigned, err := stripe.Copy().AssignProxyPorts(c.chooser)
			if err != nil {
				return nil, transportFailure(err, "assigning proxy ports")
			}
			for id, port := range assigned {
				if _, found := c.proxyPorts[id]; !found {
					c.proxyPorts[id] = port
				}
			}
		}
	case *topology.DynamicConfigManager:
		for _, m := range cm.Servers {
			if _, found := c.proxyPorts[m.ID]; found {
				continue
			}
			port, err := c.chooser.ChooseRandomPort()
			if err != nil {
				return nil, transportFailure(err, "choosing proxy port for %s", m.ID)
			}
			c.proxyPorts[m.ID] = port
		}
	default:
		return nil, invalidRequest("unsupported configuration manager %T", cm)
	}

	if d := c.clientDisruptorLocked(); d != nil {
		if err := c.relayMissingLocked(d, t.Members()); err != nil {
			return nil, err
		}
	} else if _, err := c.newProxiedClientDisruptorLocked(t.Members()); err != nil {
		return nil, err
	}

	return copyPorts(c.proxyPorts), nil
}

// ProxyPorts returns a copy of the proxy port table
func (c *Controller) ProxyPorts() map[topology.MemberID]int {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return copyPorts(c.proxyPorts)
}

// Disruptors returns the disruptors that are not closed
func (c *Controller) Disruptors() []Disruptor {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	disruptors := make([]Disruptor, len(c.disruptors))
	copy(disruptors, c.disruptors)

	return disruptors
}

func (c *Controller) deregister(d Disruptor) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	for i := range c.disruptors {
		if c.disruptors[i] == d {
			c.disruptors = append(c.disruptors[:i], c.disruptors[i+1:]...)
			break
		}
	}

	c.log.WithField("disruptor", d.String()).Debug("disruptor closed")
}

// Close closes every disruptor and makes the controller refuse new ones. All the
// disruptors are closed even if some fail, in which case a *CloseError is returned.
func (c *Controller) Close() error {
	c.mtx.Lock()
	c.closed.Store(true)
	snapshot := make([]Disruptor, len(c.disruptors))
	copy(snapshot, c.disruptors)
	c.mtx.Unlock()

	failures := []CloseFailure{}
	for _, d := range snapshot {
		if err := d.Close(); err != nil {
			c.log.WithError(err).WithField("disruptor", d.String()).Warn("closing disruptor")
			failures = append(failures, CloseFailure{Disruptor: d, Err: err})
		}
	}

	if len(failures) > 0 {
		return &CloseError{Failures: failures}
	}

	c.log.Debug("controller closed")

	return nil
}

// joinErrors joins a failure with the error of its cleanup, keeping the failure
// unwrapped when the cleanup succeeded.
func joinErrors(err, cleanup error) error {
	if cleanup == nil {
		return err
	}

	return fmt.Errorf("%w (cleanup: %w)", err, cleanup)
}
