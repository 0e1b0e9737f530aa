package disruption

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/grafana/netsplit/pkg/ports"
	"github.com/grafana/netsplit/pkg/runtime"
	"github.com/grafana/netsplit/pkg/testutils/echoserver"
	"github.com/grafana/netsplit/pkg/topology"
)

func Test_IptablesPartition(t *testing.T) {
	t.Parallel()

	executor := runtime.NewFakeExecutor(nil, nil)
	controller := NewController(testTopology(t), WithProvider(NewIptablesProvider(executor)))

	d, err := controller.NewServerToServerDisruptor("s1", "s2")
	if err != nil {
		t.Fatalf("creating disruptor: %v", err)
	}

	if executor.Invocations() != 0 {
		t.Fatalf("creating a disruptor should not apply rules")
	}

	if err = d.Start(); err != nil {
		t.Fatalf("starting disruptor: %v", err)
	}

	if err = d.Stop(); err != nil {
		t.Fatalf("stopping disruptor: %v", err)
	}

	expected := []string{
		"iptables -t filter -A OUTPUT -s 127.0.0.1 -d 127.0.0.1 -p tcp --dport 9530 -j DROP",
		"iptables -t filter -A OUTPUT -s 127.0.0.1 -d 127.0.0.1 -p tcp --sport 9430 -j DROP",
		"iptables -t filter -A OUTPUT -s 127.0.0.1 -d 127.0.0.1 -p tcp --dport 9430 -j DROP",
		"iptables -t filter -A OUTPUT -s 127.0.0.1 -d 127.0.0.1 -p tcp --sport 9530 -j DROP",
		"iptables -t filter -D OUTPUT -s 127.0.0.1 -d 127.0.0.1 -p tcp --sport 9430 -j DROP",
		"iptables -t filter -D OUTPUT -s 127.0.0.1 -d 127.0.0.1 -p tcp --dport 9530 -j DROP",
		"iptables -t filter -D OUTPUT -s 127.0.0.1 -d 127.0.0.1 -p tcp --sport 9530 -j DROP",
		"iptables -t filter -D OUTPUT -s 127.0.0.1 -d 127.0.0.1 -p tcp --dport 9430 -j DROP",
	}
	if diff := cmp.Diff(expected, executor.CmdHistory()); diff != "" {
		t.Fatalf("Actual commands differ from expected:\n%s", diff)
	}
}

func Test_IptablesPartitionRollback(t *testing.T) {
	t.Parallel()

	mtx := sync.Mutex{}
	history := []string{}
	executor := runtime.NewCallbackExecutor(func(cmd string, args ...string) ([]byte, error) {
		mtx.Lock()
		defer mtx.Unlock()

		line := strings.Join(append([]string{cmd}, args...), " ")
		history = append(history, line)

		if strings.Contains(line, "-A OUTPUT") && strings.Contains(line, "--sport 9530") {
			return []byte("iptables: No chain/target/match by that name."), errors.New("exit status 1")
		}

		return nil, nil
	})

	controller := NewController(testTopology(t), WithProvider(NewIptablesProvider(executor)))

	d, err := controller.NewServerToServerDisruptor("s1", "s2")
	if err != nil {
		t.Fatalf("creating disruptor: %v", err)
	}

	if err = d.Start(); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected %v got %v", ErrTransport, err)
	}

	if d.Disrupted() {
		t.Errorf("failed start should leave the disruptor stopped")
	}

	expected := []string{
		"iptables -t filter -A OUTPUT -s 127.0.0.1 -d 127.0.0.1 -p tcp --dport 9530 -j DROP",
		"iptables -t filter -A OUTPUT -s 127.0.0.1 -d 127.0.0.1 -p tcp --sport 9430 -j DROP",
		"iptables -t filter -A OUTPUT -s 127.0.0.1 -d 127.0.0.1 -p tcp --dport 9430 -j DROP",
		"iptables -t filter -A OUTPUT -s 127.0.0.1 -d 127.0.0.1 -p tcp --sport 9530 -j DROP",
		// partially applied link
		"iptables -t filter -D OUTPUT -s 127.0.0.1 -d 127.0.0.1 -p tcp --dport 9430 -j DROP",
		// links applied before the failure
		"iptables -t filter -D OUTPUT -s 127.0.0.1 -d 127.0.0.1 -p tcp --sport 9430 -j DROP",
		"iptables -t filter -D OUTPUT -s 127.0.0.1 -d 127.0.0.1 -p tcp --dport 9530 -j DROP",
	}

	mtx.Lock()
	defer mtx.Unlock()

	if diff := cmp.Diff(expected, history); diff != "" {
		t.Fatalf("Actual commands differ from expected:\n%s", diff)
	}
}

func Test_IptablesClientBlocker(t *testing.T) {
	t.Parallel()

	executor := runtime.NewFakeExecutor(nil, nil)
	controller := NewController(testTopology(t), WithProvider(NewIptablesProvider(executor)))

	d, err := controller.NewClientToServerDisruptor()
	if err != nil {
		t.Fatalf("creating disruptor: %v", err)
	}

	if err = d.Start(); err != nil {
		t.Fatalf("starting disruptor: %v", err)
	}

	if err = d.Close(); err != nil {
		t.Fatalf("closing disruptor: %v", err)
	}

	expected := []string{
		"iptables -t filter -A INPUT -d 127.0.0.1 -p tcp --dport 9410 -j REJECT --reject-with tcp-reset",
		"iptables -t filter -A INPUT -d 127.0.0.1 -p tcp --dport 9510 -j REJECT --reject-with tcp-reset",
		"iptables -t filter -A INPUT -d 127.0.0.1 -p tcp --dport 9610 -j REJECT --reject-with tcp-reset",
		"iptables -t filter -D INPUT -d 127.0.0.1 -p tcp --dport 9610 -j REJECT --reject-with tcp-reset",
		"iptables -t filter -D INPUT -d 127.0.0.1 -p tcp --dport 9510 -j REJECT --reject-with tcp-reset",
		"iptables -t filter -D INPUT -d 127.0.0.1 -p tcp --dport 9410 -j REJECT --reject-with tcp-reset",
	}
	if diff := cmp.Diff(expected, executor.CmdHistory()); diff != "" {
		t.Fatalf("Actual commands differ from expected:\n%s", diff)
	}
}

func roundTrip(address string, line string) (string, error) {
	conn, err := net.DialTimeout("tcp", address, time.Second)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(time.Second))

	if _, err := fmt.Fprintln(conn, line); err != nil {
		return "", err
	}

	return bufio.NewReader(conn).ReadString('\n')
}

func Test_ProxyRelays(t *testing.T) {
	t.Parallel()

	upstream := echoserver.Start(t)

	topo, err := topology.New(true, topology.NewDynamicConfigManager(
		topology.Member{ID: "s1", Host: "127.0.0.1", Port: upstream.Port},
	))
	if err != nil {
		t.Fatalf("creating topology: %v", err)
	}

	controller := NewController(
		topo,
		WithProvider(&ProxyProvider{
			Direct:     NewIptablesProvider(runtime.NewFakeExecutor(nil, nil)),
			Host:       "127.0.0.1",
			ListenHost: "127.0.0.1",
		}),
		WithPortChooser(ports.NewChooserOn("127.0.0.1")),
	)
	t.Cleanup(func() {
		_ = controller.Close()
	})

	d, err := controller.NewClientToServerDisruptor()
	if err != nil {
		t.Fatalf("creating disruptor: %v", err)
	}

	relayPort := d.Ports()["s1"]
	if relayPort == 0 || relayPort == upstream.Port {
		t.Fatalf("unexpected relay port %d", relayPort)
	}

	relay := fmt.Sprintf("127.0.0.1:%d", relayPort)
	if d.URI() != "terracotta://"+relay {
		t.Fatalf("unexpected uri %s", d.URI())
	}

	if echoed, err := roundTrip(relay, "stopped"); err != nil || echoed != "stopped\n" {
		t.Fatalf("relay should forward while stopped: %q %v", echoed, err)
	}

	if err = d.Start(); err != nil {
		t.Fatalf("starting disruptor: %v", err)
	}

	if _, err = roundTrip(relay, "started"); err == nil {
		t.Fatalf("relay should not forward while started")
	}

	if err = d.Stop(); err != nil {
		t.Fatalf("stopping disruptor: %v", err)
	}

	if echoed, err := roundTrip(relay, "restored"); err != nil || echoed != "restored\n" {
		t.Fatalf("relay should forward after stop: %q %v", echoed, err)
	}

	if err = d.Close(); err != nil {
		t.Fatalf("closing disruptor: %v", err)
	}

	if _, err = roundTrip(relay, "closed"); err == nil {
		t.Fatalf("relay should be unbound after close")
	}
}

func Test_ProxyProviderRefusesClientBlocker(t *testing.T) {
	t.Parallel()

	provider := &ProxyProvider{Direct: NewIptablesProvider(runtime.NewFakeExecutor(nil, nil))}

	if _, err := provider.NewClientBlocker(testMember("s1", 9410)); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("expected %v got %v", ErrNotSupported, err)
	}

	if _, err := NewIptablesProvider(nil).NewRelay(testMember("s1", 9410), 30000); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("expected %v got %v", ErrNotSupported, err)
	}
}

func Test_ProviderFromEnv(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		title       string
		vars        map[string]string
		proxy       bool
		proxyHost   string
		expectError bool
	}{
		{
			title: "default",
			vars:  map[string]string{},
		},
		{
			title: "nfqueue",
			vars:  map[string]string{ProviderEnvVar: "nfqueue"},
		},
		{
			title:     "proxy with default host",
			vars:      map[string]string{ProviderEnvVar: "proxy"},
			proxy:     true,
			proxyHost: DefaultProxyHost,
		},
		{
			title:     "proxy with host",
			vars:      map[string]string{ProviderEnvVar: "proxy", ProxyHostEnvVar: "10.0.0.1"},
			proxy:     true,
			proxyHost: "10.0.0.1",
		},
		{
			title:       "unknown",
			vars:        map[string]string{ProviderEnvVar: "tc"},
			expectError: true,
		},
	}

	for _, tc := range testCases {
		tc := tc

		t.Run(tc.title, func(t *testing.T) {
			t.Parallel()

			provider, err := ProviderFromEnv(runtime.NewFakeRuntime(nil, tc.vars), nil)
			if tc.expectError {
				if err == nil {
					t.Fatalf("should had failed")
				}
				return
			}

			if err != nil {
				t.Fatalf("failed with error %v", err)
			}

			if provider.IsProxyBased() != tc.proxy {
				t.Fatalf("expected proxy based %t", tc.proxy)
			}

			if tc.proxy {
				if host := provider.(*ProxyProvider).Host; host != tc.proxyHost {
					t.Errorf("expected proxy host %q got %q", tc.proxyHost, host)
				}
			}
		})
	}
}
