// Package disruption orchestrates network disruptions on a cluster under test:
// partitions between groups of members and isolation of clients from the members.
package disruption

import (
	"errors"
	"fmt"
	"sync"
)

// Disruptor is a disruption handed out by a Controller. It is either a
// *ServerToServerDisruptor or a *ClientToServerDisruptor.
type Disruptor interface {
	// Start applies the disruption. Starting a started disruptor is a noop.
	Start() error
	// Stop lifts the disruption. Stopping a stopped disruptor is a noop.
	Stop() error
	// Close stops the disruptor if needed, releases its resources and removes it from its
	// controller. Closing a closed disruptor is a noop.
	Close() error
	// Disrupted returns true while the disruption is applied
	Disrupted() bool
	fmt.Stringer

	disruptor()
}

// linkGroup toggles a set of links together. A start or stop either toggles every
// link or leaves all of them as they were.
type linkGroup struct {
	name  string
	links []Link

	mtx       sync.Mutex
	disrupted bool
	closed    bool

	deregister func()
	once       sync.Once
}

func newLinkGroup(name string, links []Link, deregister func()) *linkGroup {
	return &linkGroup{
		name:       name,
		links:      links,
		deregister: deregister,
	}
}

func (g *linkGroup) start() error {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	if g.closed {
		return invalidRequest("%s is closed", g.name)
	}
	if g.disrupted {
		return nil
	}

	for i, l := range g.links {
		if err := l.Disrupt(); err != nil {
			rollback := restoreAll(g.links[:i])
			return transportFailure(errors.Join(err, rollback), "starting %s", g.name)
		}
	}
	g.disrupted = true

	return nil
}

func (g *linkGroup) stop() error {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	if g.closed {
		return invalidRequest("%s is closed", g.name)
	}
	if !g.disrupted {
		return nil
	}

	for i, l := range g.links {
		if err := l.Restore(); err != nil {
			rollback := disruptAll(g.links[:i])
			return transportFailure(errors.Join(err, rollback), "stopping %s", g.name)
		}
	}
	g.disrupted = false

	return nil
}

// add appends links to the group, disrupting them first if the group is disrupted.
// On failure the group is left as it was.
func (g *linkGroup) add(links []Link) error {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	if g.closed {
		return invalidRequest("%s is closed", g.name)
	}

	if g.disrupted {
		for i, l := range links {
			if err := l.Disrupt(); err != nil {
				rollback := restoreAll(links[:i])
				return transportFailure(errors.Join(err, rollback), "extending %s", g.name)
			}
		}
	}
	g.links = append(g.links, links...)

	return nil
}

// close restores and closes every link, even if some fail, and deregisters once.
func (g *linkGroup) close() error {
	g.mtx.Lock()
	if g.closed {
		g.mtx.Unlock()
		return nil
	}
	g.closed = true

	var errs []error
	if g.disrupted {
		errs = append(errs, restoreAll(g.links))
		g.disrupted = false
	}
	for _, l := range g.links {
		errs = append(errs, l.Close())
	}
	g.mtx.Unlock()

	// called without the lock: the controller takes its own lock to deregister
	g.once.Do(func() {
		if g.deregister != nil {
			g.deregister()
		}
	})

	if err := errors.Join(errs...); err != nil {
		return transportFailure(err, "closing %s", g.name)
	}

	return nil
}

func (g *linkGroup) isDisrupted() bool {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	return g.disrupted
}

func restoreAll(links []Link) error {
	var errs []error
	for i := len(links) - 1; i >= 0; i-- {
		errs = append(errs, links[i].Restore())
	}

	return errors.Join(errs...)
}

func disruptAll(links []Link) error {
	var errs []error
	for _, l := range links {
		errs = append(errs, l.Disrupt())
	}

	return errors.Join(errs...)
}

// closeAll releases links that were created for a disruptor that could not be built
func closeAll(links []Link) error {
	var errs []error
	for _, l := range links {
		errs = append(errs, l.Close())
	}

	return errors.Join(errs...)
}
