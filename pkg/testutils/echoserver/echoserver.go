// Package echoserver offers a TCP server for testing traffic relays
package echoserver

import (
	"io"
	"net"
	"testing"
)

// Start starts a server on a random loopback port that echoes back everything it receives on
// every connection it accepts. The server is stopped when the test finishes.
func Start(t testing.TB) *net.TCPAddr {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("creating echo server listener: %v", err)
	}
	t.Cleanup(func() {
		_ = l.Close()
	})

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}

			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()

	addr, _ := l.Addr().(*net.TCPAddr)

	return addr
}
