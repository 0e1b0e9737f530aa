// Package utils offers functions of general utility in other parts of the system
package utils

import (
	"errors"
	"time"
)

// ErrTimeout is returned by Retry when the function did not succeed before the timeout
var ErrTimeout = errors.New("timeout expired")

// Retry retries a function until it returns true, error, or the timeout expires.
// If the function returns false, a new attempt is tried after the backoff period
func Retry(timeout time.Duration, backoff time.Duration, f func() (bool, error)) error {
	expired := time.After(timeout)
	for {
		select {
		case <-expired:
			return ErrTimeout
		default:
			done, err := f()
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			time.Sleep(backoff)
		}
	}
}
