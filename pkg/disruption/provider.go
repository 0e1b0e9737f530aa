package disruption

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/grafana/netsplit/pkg/iptables"
	"github.com/grafana/netsplit/pkg/netproxy"
	"github.com/grafana/netsplit/pkg/nfq"
	"github.com/grafana/netsplit/pkg/runtime"
	"github.com/grafana/netsplit/pkg/topology"
	"github.com/grafana/netsplit/pkg/utils"
	"github.com/sirupsen/logrus"
)

const (
	// ProviderEnvVar selects the provider returned by ProviderFromEnv: iptables, nfqueue or proxy
	ProviderEnvVar = "NETSPLIT_PROVIDER"
	// ProxyHostEnvVar is the host published to clients by the proxy provider
	ProxyHostEnvVar = "NETSPLIT_PROXY_HOST"
	// DefaultProxyHost is used when ProxyHostEnvVar is not set
	DefaultProxyHost = "localhost"
)

// ErrNotSupported is returned when a provider is asked for a primitive its strategy does not offer
var ErrNotSupported = errors.New("not supported by provider")

// Link disrupts one path of traffic. Links are not safe for concurrent use; the
// disruptor owning them serializes the calls.
type Link interface {
	// Disrupt starts dropping the traffic. Disrupting a disrupted link is a noop.
	Disrupt() error
	// Restore lets the traffic through again. Restoring a link that is not disrupted is a noop.
	Restore() error
	// Close restores the link and releases its resources
	Close() error
}

// Relay is a Link that carries client traffic toward a member through a published address
type Relay interface {
	Link
	// Address returns the host:port clients connect to
	Address() string
}

// Provider creates the low level primitives that disrupt traffic.
type Provider interface {
	// IsProxyBased returns true if clients reach the members through relays
	IsProxyBased() bool
	// NewLink returns a link that disrupts the traffic sent from a member to a peer
	NewLink(from, to topology.Member) (Link, error)
	// NewClientBlocker returns a link that disrupts the traffic clients send to a member
	NewClientBlocker(member topology.Member) (Link, error)
	// NewRelay binds a relay on the given port that forwards client traffic to the member
	NewRelay(member topology.Member, port int) (Relay, error)
}

// ProviderFromEnv returns the provider selected by the environment variables
func ProviderFromEnv(env runtime.Environment, log logrus.FieldLogger) (Provider, error) {
	vars := env.Vars()

	kind := utils.GetStringEnvVar(vars, ProviderEnvVar, "iptables")
	switch kind {
	case "iptables":
		return NewIptablesProvider(env.Executor()), nil
	case "nfqueue":
		return &NFQueueProvider{Executor: env.Executor(), Log: log}, nil
	case "proxy":
		return &ProxyProvider{
			Direct: NewIptablesProvider(env.Executor()),
			Host:   utils.GetStringEnvVar(vars, ProxyHostEnvVar, DefaultProxyHost),
			Log:    log,
		}, nil
	default:
		return nil, fmt.Errorf("unknown provider %q in %s", kind, ProviderEnvVar)
	}
}

// IptablesProvider disrupts traffic directly with iptables rules
type IptablesProvider struct {
	Executor runtime.Executor
}

// NewIptablesProvider returns an IptablesProvider that runs iptables with the executor
func NewIptablesProvider(executor runtime.Executor) *IptablesProvider {
	return &IptablesProvider{Executor: executor}
}

// IsProxyBased implements Provider
func (p *IptablesProvider) IsProxyBased() bool {
	return false
}

// NewLink drops the segments the member sends to the peer's group port and the
// replies it sends from its own group port.
func (p *IptablesProvider) NewLink(from, to topology.Member) (Link, error) {
	if from.GroupPort == 0 || to.GroupPort == 0 {
		return nil, fmt.Errorf("linking %s to %s: both members need a group port", from.ID, to.ID)
	}

	return &rulesLink{
		iptables: iptables.New(p.Executor),
		rules: []iptables.Rule{
			{
				Table: "filter", Chain: "OUTPUT", Args: fmt.Sprintf(
					"-s %s -d %s -p tcp --dport %d -j DROP", from.Host, to.Host, to.GroupPort,
				),
			},
			{
				Table: "filter", Chain: "OUTPUT", Args: fmt.Sprintf(
					"-s %s -d %s -p tcp --sport %d -j DROP", from.Host, to.Host, from.GroupPort,
				),
			},
		},
	}, nil
}

// NewClientBlocker rejects with a tcp-reset the traffic addressed to the member's client port
func (p *IptablesProvider) NewClientBlocker(member topology.Member) (Link, error) {
	return &rulesLink{
		iptables: iptables.New(p.Executor),
		rules: []iptables.Rule{
			{
				Table: "filter", Chain: "INPUT", Args: fmt.Sprintf(
					"-d %s -p tcp --dport %d -j REJECT --reject-with tcp-reset", member.Host, member.Port,
				),
			},
		},
	}, nil
}

// NewRelay implements Provider. Direct providers have no relays.
func (p *IptablesProvider) NewRelay(member topology.Member, _ int) (Relay, error) {
	return nil, fmt.Errorf("relay for %s: %w", member.ID, ErrNotSupported)
}

// rulesLink installs a fixed list of rules while disrupted
type rulesLink struct {
	iptables iptables.Iptables
	rules    []iptables.Rule
	active   *iptables.RuleSet
}

func (l *rulesLink) Disrupt() error {
	if l.active != nil {
		return nil
	}

	set := iptables.NewRuleSet(l.iptables)
	for _, r := range l.rules {
		if err := set.Add(r); err != nil {
			return errors.Join(err, set.Remove())
		}
	}
	l.active = set

	return nil
}

func (l *rulesLink) Restore() error {
	if l.active == nil {
		return nil
	}

	// rules that could not be removed stay in the set so a later restore retries them
	if err := l.active.Remove(); err != nil {
		return err
	}
	l.active = nil

	return nil
}

func (l *rulesLink) Close() error {
	return l.Restore()
}

// NFQueueProvider disrupts traffic directly by queueing it to userspace and rejecting
// the packets of the disrupted links.
type NFQueueProvider struct {
	Executor runtime.Executor
	// Open opens the netfilter queue. nfq.OpenNFQueue if nil.
	Open nfq.OpenFunc
	Log  logrus.FieldLogger
}

// IsProxyBased implements Provider
func (p *NFQueueProvider) IsProxyBased() bool {
	return false
}

// NewLink queues the segments the member sends to the peer's group port and the replies
// it sends from its own group port. Queued packets always belong to the link, so links
// sharing a host pair never take each other's traffic.
func (p *NFQueueProvider) NewLink(from, to topology.Member) (Link, error) {
	if from.GroupPort == 0 || to.GroupPort == 0 {
		return nil, fmt.Errorf("linking %s to %s: both members need a group port", from.ID, to.ID)
	}

	srcIP, err := resolveIPv4(from.Host)
	if err != nil {
		return nil, err
	}

	dstIP, err := resolveIPv4(to.Host)
	if err != nil {
		return nil, err
	}

	return &interceptorLink{
		interceptor: &nfq.Interceptor{
			Iptables: iptables.New(p.Executor),
			Config:   nfq.RandomConfig(),
			Filters: []string{
				fmt.Sprintf("-s %s -d %s -p tcp --dport %d", srcIP, dstIP, to.GroupPort),
				fmt.Sprintf("-s %s -d %s -p tcp --sport %d", srcIP, dstIP, from.GroupPort),
			},
			Matcher: nfq.LinkMatcher{
				SrcIP:   srcIP,
				SrcPort: uint16(from.GroupPort),
				DstIP:   dstIP,
				DstPort: uint16(to.GroupPort),
			},
			Open: p.Open,
			Log:  p.Log,
		},
	}, nil
}

// NewClientBlocker implements Provider
func (p *NFQueueProvider) NewClientBlocker(member topology.Member) (Link, error) {
	ip, err := resolveIPv4(member.Host)
	if err != nil {
		return nil, err
	}

	return &interceptorLink{
		interceptor: &nfq.Interceptor{
			Iptables: iptables.New(p.Executor),
			Config:   nfq.RandomConfig(),
			Chain:    "INPUT",
			Filters:  []string{fmt.Sprintf("-d %s -p tcp --dport %d", ip, member.Port)},
			Matcher:  nfq.PortMatcher{DstPort: uint16(member.Port)},
			Open:     p.Open,
			Log:      p.Log,
		},
	}, nil
}

// NewRelay implements Provider. Direct providers have no relays.
func (p *NFQueueProvider) NewRelay(member topology.Member, _ int) (Relay, error) {
	return nil, fmt.Errorf("relay for %s: %w", member.ID, ErrNotSupported)
}

type interceptorLink struct {
	interceptor *nfq.Interceptor
}

func (l *interceptorLink) Disrupt() error {
	return l.interceptor.Start()
}

func (l *interceptorLink) Restore() error {
	return l.interceptor.Stop()
}

func (l *interceptorLink) Close() error {
	return l.interceptor.Stop()
}

func resolveIPv4(host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
		return nil, fmt.Errorf("address %s is not IPv4", host)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", host, err)
	}

	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
	}

	return nil, fmt.Errorf("host %s has no IPv4 address", host)
}

// ProxyProvider sends client traffic through relays that are cut while disrupted.
// Traffic between members is disrupted by the Direct provider.
type ProxyProvider struct {
	Direct Provider
	// Host is the host published to clients, DefaultProxyHost if empty
	Host string
	// ListenHost is the host relays bind to, all interfaces if empty
	ListenHost string
	Log        logrus.FieldLogger
}

// IsProxyBased implements Provider
func (p *ProxyProvider) IsProxyBased() bool {
	return true
}

// NewLink delegates to the direct provider
func (p *ProxyProvider) NewLink(from, to topology.Member) (Link, error) {
	if p.Direct == nil {
		return nil, fmt.Errorf("linking %s to %s: proxy provider has no direct provider", from.ID, to.ID)
	}

	return p.Direct.NewLink(from, to)
}

// NewClientBlocker implements Provider. Clients are disrupted at the relays.
func (p *ProxyProvider) NewClientBlocker(member topology.Member) (Link, error) {
	return nil, fmt.Errorf("client blocker for %s: %w", member.ID, ErrNotSupported)
}

// NewRelay binds a relay on port that forwards to the member's client address
func (p *ProxyProvider) NewRelay(member topology.Member, port int) (Relay, error) {
	log := p.Log
	if log != nil {
		log = log.WithField("member", member.ID)
	}

	proxy := netproxy.NewProxy(
		net.JoinHostPort(p.ListenHost, strconv.Itoa(port)),
		member.Address(),
		log,
	)
	if err := proxy.Start(); err != nil {
		return nil, fmt.Errorf("relay for %s: %w", member.ID, err)
	}

	host := p.Host
	if host == "" {
		host = DefaultProxyHost
	}

	if port == 0 {
		if addr, ok := proxy.Addr().(*net.TCPAddr); ok {
			port = addr.Port
		}
	}

	return &proxyRelay{proxy: proxy, address: net.JoinHostPort(host, strconv.Itoa(port))}, nil
}

type proxyRelay struct {
	proxy   *netproxy.Proxy
	address string
}

func (r *proxyRelay) Disrupt() error {
	r.proxy.Disrupt()
	return nil
}

func (r *proxyRelay) Restore() error {
	r.proxy.Restore()
	return nil
}

func (r *proxyRelay) Close() error {
	return r.proxy.Close()
}

func (r *proxyRelay) Address() string {
	return r.address
}
