// Package netproxy implements a TCP relay that sits between external clients and a
// cluster member. While disrupted, the relay refuses new connections and severs the
// ones it is carrying.
package netproxy

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// CloseTimeout is how long Close waits for the accept loop and the connection
	// handlers to return before reporting them as leaked.
	CloseTimeout = 5 * time.Second
	// DialTimeout bounds the connection attempt to the upstream server
	DialTimeout = 3 * time.Second
)

var (
	// ErrStarted is returned by Start on a proxy that was already started
	ErrStarted = errors.New("proxy already started")
	// ErrClosed is returned by Start on a closed proxy
	ErrClosed = errors.New("proxy is closed")
	// ErrLeaked is returned by Close when goroutines did not finish within CloseTimeout
	ErrLeaked = errors.New("proxy goroutines did not terminate")
)

// Proxy relays TCP connections accepted on a listen address to an upstream address.
type Proxy struct {
	listenAddr string
	upstream   string
	log        logrus.FieldLogger

	mtx      sync.Mutex
	l        net.Listener
	conns    map[net.Conn]struct{}
	blocked  bool
	closed   bool
	handlers sync.WaitGroup
	loopDone chan struct{}
}

// NewProxy returns a proxy that will listen on listenAddr and relay to upstream
func NewProxy(listenAddr string, upstream string, log logrus.FieldLogger) *Proxy {
	if log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		log = discard
	}

	return &Proxy{
		listenAddr: listenAddr,
		upstream:   upstream,
		log:        log.WithFields(logrus.Fields{"listen": listenAddr, "upstream": upstream}),
		conns:      map[net.Conn]struct{}{},
	}
}

// Start binds the listen address and starts accepting connections in the background.
// It returns once the listener is bound.
func (p *Proxy) Start() error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.l != nil {
		return ErrStarted
	}

	l, err := net.Listen("tcp", p.listenAddr)
	if err != nil {
		return fmt.Errorf("binding proxy listener: %w", err)
	}

	p.l = l
	p.loopDone = make(chan struct{})
	go p.acceptLoop(l, p.loopDone)

	p.log.Debug("proxy started")

	return nil
}

// Addr returns the address the proxy listens on, or nil if it is not started
func (p *Proxy) Addr() net.Addr {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.l == nil {
		return nil
	}

	return p.l.Addr()
}

// Disrupt makes the proxy refuse new connections and severs all the connections it carries
func (p *Proxy) Disrupt() {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.blocked = true
	p.severLocked()

	p.log.Debug("proxy disrupted")
}

// Restore makes the proxy relay new connections again
func (p *Proxy) Restore() {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.blocked = false

	p.log.Debug("proxy restored")
}

// Disrupted returns true if the proxy is refusing connections
func (p *Proxy) Disrupted() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	return p.blocked
}

// Close stops accepting connections, severs the open ones and waits up to
// CloseTimeout for the proxy goroutines to return. Calling Close more than once is a noop.
func (p *Proxy) Close() error {
	p.mtx.Lock()
	if p.closed {
		p.mtx.Unlock()
		return nil
	}
	p.closed = true

	var err error
	if p.l != nil {
		err = p.l.Close()
	}
	p.severLocked()
	loopDone := p.loopDone
	p.mtx.Unlock()

	done := make(chan struct{})
	go func() {
		if loopDone != nil {
			<-loopDone
		}
		p.handlers.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(CloseTimeout):
		return fmt.Errorf("%w after %s", ErrLeaked, CloseTimeout)
	}

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("closing proxy listener: %w", err)
	}

	p.log.Debug("proxy closed")

	return nil
}

// severLocked closes all tracked connections. Must be called with the lock held.
func (p *Proxy) severLocked() {
	for conn := range p.conns {
		_ = conn.Close()
		delete(p.conns, conn)
	}
}

// track registers a connection to be severed on disruption. Returns false, closing the
// connection, if the proxy is blocked or closed.
func (p *Proxy) track(conn net.Conn) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.blocked || p.closed {
		_ = conn.Close()
		return false
	}

	p.conns[conn] = struct{}{}

	return true
}

func (p *Proxy) untrack(conn net.Conn) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	delete(p.conns, conn)
	_ = conn.Close()
}

func (p *Proxy) acceptLoop(l net.Listener, done chan struct{}) {
	defer close(done)

	for {
		conn, err := l.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				p.log.WithError(err).Warn("accepting connection")
			}
			return
		}

		if !p.track(conn) {
			p.log.WithField("client", conn.RemoteAddr().String()).Debug("connection refused while disrupted")
			continue
		}

		p.handlers.Add(1)
		go func() {
			defer p.handlers.Done()

			err := p.handleConn(conn)
			if err != nil {
				p.log.WithError(err).Debug("handling connection")
			}
		}()
	}
}

func (p *Proxy) handleConn(downstreamConn net.Conn) error {
	defer p.untrack(downstreamConn)

	upstreamConn, err := net.DialTimeout("tcp", p.upstream, DialTimeout)
	if err != nil {
		return fmt.Errorf("opening upstream connection: %w", err)
	}

	if !p.track(upstreamConn) {
		return nil
	}
	defer p.untrack(upstreamConn)

	opened := time.Now()
	var sent, received int64

	// the first direction to finish closes both connections, unblocking the other
	closeBoth := func() {
		_ = downstreamConn.Close()
		_ = upstreamConn.Close()
	}

	g := errgroup.Group{}
	g.Go(func() error {
		defer closeBoth()
		n, err := io.Copy(upstreamConn, downstreamConn)
		sent = n
		return err
	})
	g.Go(func() error {
		defer closeBoth()
		n, err := io.Copy(downstreamConn, upstreamConn)
		received = n
		return err
	})

	err = g.Wait()

	p.log.WithFields(logrus.Fields{
		"client":   downstreamConn.RemoteAddr().String(),
		"sent":     sent,
		"received": received,
		"duration": time.Since(opened),
	}).Debug("connection finished")

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("forwarding data: %w", err)
	}

	return nil
}
