package disruption

import (
	"fmt"
	"strings"
	"sync"

	"github.com/grafana/netsplit/pkg/topology"
)

// ClientToServerDisruptor cuts the traffic between external clients and every member.
// With a proxy based provider clients must connect through URI, which points to the relays.
type ClientToServerDisruptor struct {
	scheme  string
	proxied bool
	group   *linkGroup

	mtx       sync.Mutex
	addresses []string
	uri       string
	ports     map[topology.MemberID]int
}

func newClientToServerDisruptor(
	scheme string,
	addresses []string,
	proxied bool,
	ports map[topology.MemberID]int,
	links []Link,
	deregister func(),
) *ClientToServerDisruptor {
	d := &ClientToServerDisruptor{
		scheme:    scheme,
		proxied:   proxied,
		addresses: addresses,
		uri:       clusterURI(scheme, addresses),
		ports:     ports,
	}
	d.group = newLinkGroup(d.String(), links, deregister)

	return d
}

// addRelays makes the disruptor relay the clients of more members. The relays are cut
// right away if the disruptor is started.
func (d *ClientToServerDisruptor) addRelays(ports map[topology.MemberID]int, addresses []string, relays []Link) error {
	if err := d.group.add(relays); err != nil {
		return err
	}

	d.mtx.Lock()
	defer d.mtx.Unlock()

	for id, port := range ports {
		d.ports[id] = port
	}
	d.addresses = append(d.addresses, addresses...)
	d.uri = clusterURI(d.scheme, d.addresses)

	return nil
}

// Start cuts the clients from every member
func (d *ClientToServerDisruptor) Start() error {
	return d.group.start()
}

// Stop lets clients reach the members again
func (d *ClientToServerDisruptor) Stop() error {
	return d.group.stop()
}

// Close implements Disruptor
func (d *ClientToServerDisruptor) Close() error {
	return d.group.close()
}

// Disrupted implements Disruptor
func (d *ClientToServerDisruptor) Disrupted() bool {
	return d.group.isDisrupted()
}

// URI returns the cluster URI clients must use
func (d *ClientToServerDisruptor) URI() string {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	return d.uri
}

// Proxied returns true if clients reach the members through relays
func (d *ClientToServerDisruptor) Proxied() bool {
	return d.proxied
}

// Ports returns a copy of the relay port of each member. Empty unless proxied.
func (d *ClientToServerDisruptor) Ports() map[topology.MemberID]int {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	return copyPorts(d.ports)
}

func (d *ClientToServerDisruptor) String() string {
	return fmt.Sprintf("ClientToServerDisruptor{%s}", d.URI())
}

func (d *ClientToServerDisruptor) disruptor() {}

// clusterURI joins the addresses into a cluster URI
func clusterURI(scheme string, addresses []string) string {
	return fmt.Sprintf("%s://%s", scheme, strings.Join(addresses, ","))
}

func copyPorts(ports map[topology.MemberID]int) map[topology.MemberID]int {
	cp := make(map[topology.MemberID]int, len(ports))
	for m, p := range ports {
		cp[m] = p
	}

	return cp
}
