package disruption

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/grafana/netsplit/pkg/topology"
)

// recorder keeps the operations applied to fake links, in order
type recorder struct {
	mtx      sync.Mutex
	events   []string
	failures map[string]error
}

func newRecorder() *recorder {
	return &recorder{failures: map[string]error{}}
}

// failOn makes the operation fail, e.g. "disrupt s1->s2" or "close clients s1"
func (r *recorder) failOn(event string, err error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	r.failures[event] = err
}

func (r *recorder) record(event string) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	r.events = append(r.events, event)

	return r.failures[event]
}

func (r *recorder) Events() []string {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	events := make([]string, len(r.events))
	copy(events, r.events)

	return events
}

func (r *recorder) Reset() {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	r.events = nil
}

type fakeLink struct {
	name    string
	address string
	rec     *recorder
}

func (l *fakeLink) Disrupt() error {
	return l.rec.record("disrupt " + l.name)
}

func (l *fakeLink) Restore() error {
	return l.rec.record("restore " + l.name)
}

func (l *fakeLink) Close() error {
	return l.rec.record("close " + l.name)
}

func (l *fakeLink) Address() string {
	return l.address
}

// fakeProvider creates fakeLinks that report to a recorder
type fakeProvider struct {
	proxy bool
	rec   *recorder
}

func (p *fakeProvider) IsProxyBased() bool {
	return p.proxy
}

func (p *fakeProvider) NewLink(from, to topology.Member) (Link, error) {
	return &fakeLink{name: fmt.Sprintf("%s->%s", from.ID, to.ID), rec: p.rec}, nil
}

func (p *fakeProvider) NewClientBlocker(member topology.Member) (Link, error) {
	if p.proxy {
		return nil, ErrNotSupported
	}

	return &fakeLink{name: "clients " + string(member.ID), rec: p.rec}, nil
}

func (p *fakeProvider) NewRelay(member topology.Member, port int) (Relay, error) {
	if !p.proxy {
		return nil, ErrNotSupported
	}

	return &fakeLink{
		name:    "relay " + string(member.ID),
		address: net.JoinHostPort("proxy", strconv.Itoa(port)),
		rec:     p.rec,
	}, nil
}

type sequentialChooser struct {
	mtx   sync.Mutex
	next  int
	calls int
}

func (c *sequentialChooser) ChooseRandomPort() (int, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.next++
	c.calls++

	return c.next, nil
}

func testMember(name string, port int) topology.Member {
	return topology.Member{ID: topology.MemberID(name), Host: "127.0.0.1", Port: port, GroupPort: port + 20}
}

// testTopology returns an enabled topology with members s1, s2 and s3 in a dynamic configuration
func testTopology(t *testing.T) *topology.Topology {
	t.Helper()

	topo, err := topology.New(true, topology.NewDynamicConfigManager(
		testMember("s1", 9410),
		testMember("s2", 9510),
		testMember("s3", 9610),
	))
	if err != nil {
		t.Fatalf("creating topology: %v", err)
	}

	return topo
}
