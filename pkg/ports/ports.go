// Package ports allocates free TCP ports for proxy endpoints.
package ports

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/grafana/netsplit/pkg/utils"
)

// ErrExhausted is returned when no unused port could be found before the chooser gave up
var ErrExhausted = errors.New("could not find an unused port")

const (
	chooseTimeout = 5 * time.Second
	chooseBackoff = 10 * time.Millisecond
)

// Chooser hands out free ports. A port returned by a Chooser is never returned again
// by the same Chooser, even if the kernel offers it a second time.
type Chooser struct {
	mtx    sync.Mutex
	host   string
	issued map[int]struct{}
}

// NewChooser returns a Chooser that probes ports on all interfaces
func NewChooser() *Chooser {
	return NewChooserOn("")
}

// NewChooserOn returns a Chooser that probes ports on the given host
func NewChooserOn(host string) *Chooser {
	return &Chooser{
		host:   host,
		issued: map[int]struct{}{},
	}
}

// ChooseRandomPort returns a port that was free when probed
func (c *Chooser) ChooseRandomPort() (int, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	var port int
	err := utils.Retry(chooseTimeout, chooseBackoff, func() (bool, error) {
		p, err := c.probe()
		if err != nil {
			return false, err
		}

		if _, taken := c.issued[p]; taken {
			return false, nil
		}

		port = p
		return true, nil
	})
	if errors.Is(err, utils.ErrTimeout) {
		return 0, ErrExhausted
	}
	if err != nil {
		return 0, err
	}

	c.issued[port] = struct{}{}

	return port, nil
}

// ChooseRandomPorts returns n distinct ports
func (c *Chooser) ChooseRandomPorts(n int) ([]int, error) {
	ports := make([]int, 0, n)
	for i := 0; i < n; i++ {
		port, err := c.ChooseRandomPort()
		if err != nil {
			return nil, err
		}
		ports = append(ports, port)
	}

	return ports, nil
}

// probe binds an ephemeral port and releases it immediately
func (c *Chooser) probe() (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(c.host, "0"))
	if err != nil {
		return 0, fmt.Errorf("probing free port: %w", err)
	}
	defer func() {
		_ = l.Close()
	}()

	return l.Addr().(*net.TCPAddr).Port, nil
}
