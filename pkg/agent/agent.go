// Package agent applies a disruption for a period of time, making sure only one
// instance mutates the host network at once and that the disruption is lifted on exit.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/grafana/netsplit/pkg/runtime"
	"github.com/sirupsen/logrus"
)

// ErrAlreadyRunning is returned when another instance holds the process lock
var ErrAlreadyRunning = errors.New("another instance of netsplit is already running")

// Disruption is a disruption the agent can apply
type Disruption interface {
	Start() error
	Stop() error
}

// Agent maintains the state required for applying a disruption
type Agent struct {
	env runtime.Environment
	log logrus.FieldLogger
}

// BuildAgent builds a instance of an agent
func BuildAgent(env runtime.Environment, log logrus.FieldLogger) *Agent {
	if log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		log = discard
	}

	return &Agent{
		env: env,
		log: log,
	}
}

// ApplyDisruption starts the disruption and stops it when the duration elapses, the context is
// cancelled or a termination signal is received. A zero duration applies the disruption until
// cancelled. The disruption is stopped even if waiting ends with an error.
func (a *Agent) ApplyDisruption(ctx context.Context, disruption Disruption, duration time.Duration) (err error) {
	sc := a.env.Signal().Notify(syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer func() {
		a.env.Signal().Reset()
	}()

	acquired, err := a.env.Lock().Acquire()
	if err != nil {
		return fmt.Errorf("could not acquire process lock: %w", err)
	}
	if !acquired {
		return ErrAlreadyRunning
	}

	defer func() {
		_ = a.env.Lock().Release()
	}()

	if err = disruption.Start(); err != nil {
		return fmt.Errorf("starting disruption: %w", err)
	}

	a.log.WithField("duration", duration).Info("disruption started")

	defer func() {
		if stopErr := disruption.Stop(); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("stopping disruption: %w", stopErr))
			return
		}

		a.log.Info("disruption stopped")
	}()

	var expired <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		expired = timer.C
	}

	// wait for expiration or cancellation
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-expired:
		return nil
	case s := <-sc:
		return fmt.Errorf("received signal %q", s)
	}
}
