package disruption

import (
	"errors"
	"fmt"
	"strings"

	"github.com/grafana/netsplit/pkg/topology"
)

var (
	// ErrInvalidRequest is returned when a disruption is requested in a way that can never succeed:
	// disruption disabled on the topology, controller closed, too few or empty groups.
	ErrInvalidRequest = errors.New("invalid disruption request")
	// ErrConflict is returned when a requested partition overlaps a disruption already in effect
	ErrConflict = errors.New("conflicting disruption")
	// ErrTransport is returned when a transport resource could not be created, bound, started or stopped
	ErrTransport = errors.New("transport failure")
)

func invalidRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func transportFailure(err error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s: %w", ErrTransport, fmt.Sprintf(format, args...), err)
}

// ConflictError names the members whose requested peers are already disrupted by
// another server to server disruptor.
type ConflictError struct {
	Members []topology.MemberID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("servers are already linked: %v", e.Members)
}

// Unwrap allows errors.Is(err, ErrConflict)
func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// CloseFailure is the failure to close one disruptor
type CloseFailure struct {
	Disruptor Disruptor
	Err       error
}

// CloseError is returned by Controller.Close when one or more disruptors failed to close.
// Every disruptor was still attempted.
type CloseError struct {
	Failures []CloseFailure
}

func (e *CloseError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, fmt.Sprintf("%s: %v", f.Disruptor, f.Err))
	}

	return fmt.Sprintf("closing %d disruptor(s) failed: %s", len(e.Failures), strings.Join(msgs, "; "))
}

// Unwrap returns the error of every failure
func (e *CloseError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}

	return errs
}
