package runtime

import (
	"os/exec"
)

// Executor offers methods for running processes
type Executor interface {
	// Exec executes a process and waits for its completion, returning
	// the combined stdout and stderr
	Exec(cmd string, args ...string) ([]byte, error)
}

type executor struct{}

// DefaultExecutor returns an executor backed by os/exec
func DefaultExecutor() Executor {
	return &executor{}
}

func (e *executor) Exec(cmd string, args ...string) ([]byte, error) {
	return exec.Command(cmd, args...).CombinedOutput()
}
