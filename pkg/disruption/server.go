package disruption

import (
	"fmt"
)

// ServerToServerDisruptor cuts the traffic between the members of different split clusters.
// Members of the same split cluster keep talking to each other.
type ServerToServerDisruptor struct {
	splits []SplitCluster
	links  LinkSet
	group  *linkGroup
}

func newServerToServerDisruptor(splits []SplitCluster, links LinkSet, edges []Link, deregister func()) *ServerToServerDisruptor {
	d := &ServerToServerDisruptor{
		splits: splits,
		links:  links,
	}
	d.group = newLinkGroup(d.String(), edges, deregister)

	return d
}

// Start cuts every link
func (d *ServerToServerDisruptor) Start() error {
	return d.group.start()
}

// Stop restores every link
func (d *ServerToServerDisruptor) Stop() error {
	return d.group.stop()
}

// Close implements Disruptor
func (d *ServerToServerDisruptor) Close() error {
	return d.group.close()
}

// Disrupted implements Disruptor
func (d *ServerToServerDisruptor) Disrupted() bool {
	return d.group.isDisrupted()
}

// LinkedServers returns a copy of the links this disruptor cuts
func (d *ServerToServerDisruptor) LinkedServers() LinkSet {
	return d.links.Copy()
}

func (d *ServerToServerDisruptor) String() string {
	return fmt.Sprintf("ServerToServerDisruptor%v", d.splits)
}

func (d *ServerToServerDisruptor) disruptor() {}
