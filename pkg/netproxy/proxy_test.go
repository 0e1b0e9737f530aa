package netproxy_test

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/grafana/netsplit/pkg/netproxy"
	"github.com/grafana/netsplit/pkg/testutils/echoserver"
)

const localv4 = "127.0.0.1:0"

func startProxy(t *testing.T, upstream net.Addr) *netproxy.Proxy {
	t.Helper()

	proxy := netproxy.NewProxy(localv4, upstream.String(), nil)
	if err := proxy.Start(); err != nil {
		t.Fatalf("starting proxy: %v", err)
	}
	t.Cleanup(func() {
		_ = proxy.Close()
	})

	return proxy
}

// roundTrip sends a line through conn and returns the echoed line
func roundTrip(conn net.Conn, line string) (string, error) {
	_ = conn.SetDeadline(time.Now().Add(time.Second))

	if _, err := fmt.Fprintln(conn, line); err != nil {
		return "", fmt.Errorf("writing to proxy conn: %w", err)
	}

	return bufio.NewReader(conn).ReadString('\n')
}

func Test_Proxy_Forwards(t *testing.T) {
	t.Parallel()

	upstream := echoserver.Start(t)
	proxy := startProxy(t, upstream)

	conn, err := net.Dial("tcp", proxy.Addr().String())
	if err != nil {
		t.Fatalf("dialing proxy address: %v", err)
	}
	defer conn.Close()

	for _, line := range []string{"a line", "another line"} {
		echoed, err := roundTrip(conn, line)
		if err != nil {
			t.Fatalf("reading upstream response from proxy conn: %v", err)
		}
		if echoed != line+"\n" {
			t.Fatalf("downstream received unexpected data %q", echoed)
		}
	}
}

func Test_Proxy_DisruptSeversAndRefuses(t *testing.T) {
	t.Parallel()

	upstream := echoserver.Start(t)
	proxy := startProxy(t, upstream)

	conn, err := net.Dial("tcp", proxy.Addr().String())
	if err != nil {
		t.Fatalf("dialing proxy address: %v", err)
	}
	defer conn.Close()

	if _, err = roundTrip(conn, "before"); err != nil {
		t.Fatalf("relaying before disruption: %v", err)
	}

	proxy.Disrupt()
	if !proxy.Disrupted() {
		t.Fatalf("proxy should report disrupted")
	}

	if _, err = roundTrip(conn, "during"); err == nil {
		t.Fatalf("expected existing connection to be severed")
	}

	refused, err := net.Dial("tcp", proxy.Addr().String())
	if err != nil {
		t.Fatalf("dialing proxy address: %v", err)
	}
	defer refused.Close()

	if _, err = roundTrip(refused, "during"); err == nil {
		t.Fatalf("expected new connection to be refused while disrupted")
	}

	proxy.Restore()

	restored, err := net.Dial("tcp", proxy.Addr().String())
	if err != nil {
		t.Fatalf("dialing proxy address: %v", err)
	}
	defer restored.Close()

	echoed, err := roundTrip(restored, "after")
	if err != nil {
		t.Fatalf("relaying after restore: %v", err)
	}
	if echoed != "after\n" {
		t.Fatalf("downstream received unexpected data %q", echoed)
	}
}

func Test_Proxy_Close(t *testing.T) {
	t.Parallel()

	upstream := echoserver.Start(t)
	proxy := netproxy.NewProxy(localv4, upstream.String(), nil)
	if err := proxy.Start(); err != nil {
		t.Fatalf("starting proxy: %v", err)
	}

	if err := proxy.Start(); !errors.Is(err, netproxy.ErrStarted) {
		t.Fatalf("expected %v got %v", netproxy.ErrStarted, err)
	}

	conn, err := net.Dial("tcp", proxy.Addr().String())
	if err != nil {
		t.Fatalf("dialing proxy address: %v", err)
	}
	defer conn.Close()

	if _, err = roundTrip(conn, "hello"); err != nil {
		t.Fatalf("relaying: %v", err)
	}

	addr := proxy.Addr().String()

	closed := make(chan error)
	go func() {
		closed <- proxy.Close()
	}()

	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("closing proxy: %v", err)
		}
	case <-time.After(netproxy.CloseTimeout):
		t.Fatalf("close did not return")
	}

	if _, err := roundTrip(conn, "after close"); err == nil {
		t.Fatalf("connection should be closed with the proxy")
	}

	if c, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		_ = c.Close()
		t.Fatalf("proxy listener should be closed")
	}

	if err := proxy.Close(); err != nil {
		t.Fatalf("second close should be a noop: %v", err)
	}

	if err := proxy.Start(); !errors.Is(err, netproxy.ErrClosed) {
		t.Fatalf("expected %v got %v", netproxy.ErrClosed, err)
	}
}
