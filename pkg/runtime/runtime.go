// Package runtime abstracts the execution environment of the disruption engine
// so that commands, locks and signals can be replaced with fakes in tests.
package runtime

import (
	"os"
	"strings"
)

// Environment abstracts the execution environment of a process.
type Environment interface {
	// Executor returns a process executor that abstracts os.Exec
	Executor() Executor
	// Lock returns the lock that prevents two instances from mutating netfilter state at once
	Lock() Lock
	// Signal returns the signal handler
	Signal() Signals
	// Vars returns the environment variables
	Vars() map[string]string
	// Args returns the command line arguments
	Args() []string
}

type environment struct {
	executor Executor
	lock     Lock
	signals  Signals
	vars     map[string]string
	args     []string
}

// DefaultEnvironment returns the environment of the running process
func DefaultEnvironment() Environment {
	return &environment{
		executor: DefaultExecutor(),
		lock:     DefaultLock(),
		signals:  DefaultSignals(),
		vars:     getEnv(),
		args:     os.Args,
	}
}

func getEnv() map[string]string {
	vars := map[string]string{}
	for _, v := range os.Environ() {
		name, value, _ := strings.Cut(v, "=")
		vars[name] = value
	}

	return vars
}

func (e *environment) Executor() Executor {
	return e.executor
}

func (e *environment) Lock() Lock {
	return e.lock
}

func (e *environment) Signal() Signals {
	return e.signals
}

func (e *environment) Vars() map[string]string {
	return e.vars
}

func (e *environment) Args() []string {
	return e.args
}
