package runtime

import (
	"os"
	"strings"
	"sync"
)

// FakeExecutor is an Executor that keeps the history of commands for inspection
// and returns the predefined output and error on every call. If different results
// are needed for each invocation, CallbackExecutor may be a better alternative.
type FakeExecutor struct {
	mtx      sync.Mutex
	commands []string
	err      error
	output   []byte
}

// NewFakeExecutor creates a new instance of a FakeExecutor
func NewFakeExecutor(output []byte, err error) *FakeExecutor {
	return &FakeExecutor{
		err:    err,
		output: output,
	}
}

func (p *FakeExecutor) updateHistory(cmd string, args ...string) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.commands = append(p.commands, cmd+" "+strings.Join(args, " "))
}

// Exec records the command and returns the predefined results
func (p *FakeExecutor) Exec(cmd string, args ...string) ([]byte, error) {
	p.updateHistory(cmd, args...)
	return p.output, p.err
}

// Invocations returns the number of invocations to Exec
func (p *FakeExecutor) Invocations() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	return len(p.commands)
}

// Cmd returns the last command executed, or an empty string
func (p *FakeExecutor) Cmd() string {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if len(p.commands) == 0 {
		return ""
	}

	return p.commands[len(p.commands)-1]
}

// CmdHistory returns a copy of the history of commands executed
func (p *FakeExecutor) CmdHistory() []string {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	history := make([]string, len(p.commands))
	copy(history, p.commands)

	return history
}

// Reset clears the history of invocations
func (p *FakeExecutor) Reset() {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.commands = nil
}

// ExecCallback receives the forward of an Exec invocation and returns its output and error
type ExecCallback func(cmd string, args ...string) ([]byte, error)

// CallbackExecutor is a fake Executor that forwards the invocations to a function
// that can dynamically return error and output.
type CallbackExecutor struct {
	FakeExecutor
	callback ExecCallback
}

// NewCallbackExecutor returns an instance of a CallbackExecutor
func NewCallbackExecutor(callback ExecCallback) *CallbackExecutor {
	return &CallbackExecutor{
		callback: callback,
	}
}

// Exec records the command and returns the callback's results
func (c *CallbackExecutor) Exec(cmd string, args ...string) ([]byte, error) {
	c.FakeExecutor.updateHistory(cmd, args...)
	return c.callback(cmd, args...)
}

// FakeLock implements a Lock for testing
type FakeLock struct {
	locked   bool
	released bool
	owner    int
}

// NewFakeLock returns a free FakeLock
func NewFakeLock() *FakeLock {
	return &FakeLock{owner: -1}
}

// NewFakeLockOwnedBy returns a FakeLock already held by the given pid
func NewFakeLockOwnedBy(pid int) *FakeLock {
	return &FakeLock{locked: true, owner: pid}
}

// Acquire implements Lock. It fails to acquire if another pid owns the lock.
func (l *FakeLock) Acquire() (bool, error) {
	if l.locked && l.owner != os.Getpid() {
		return false, nil
	}

	l.locked = true
	l.owner = os.Getpid()

	return true, nil
}

// Release implements Lock
func (l *FakeLock) Release() error {
	l.released = true
	l.locked = false
	l.owner = -1

	return nil
}

// Owner implements Lock
func (l *FakeLock) Owner() int {
	if !l.locked {
		return -1
	}

	return l.owner
}

// Released returns true if Release was called
func (l *FakeLock) Released() bool {
	return l.released
}

// FakeSignal implements Signals for testing
type FakeSignal struct {
	channel chan os.Signal
}

// NewFakeSignal returns a FakeSignal
func NewFakeSignal() *FakeSignal {
	return &FakeSignal{
		channel: make(chan os.Signal, 1),
	}
}

// Notify implements Signals
func (f *FakeSignal) Notify(_ ...os.Signal) <-chan os.Signal {
	return f.channel
}

// Reset implements Signals. It is a noop.
func (f *FakeSignal) Reset(_ ...os.Signal) {}

// Send delivers the signal to the notification channel
func (f *FakeSignal) Send(signal os.Signal) {
	f.channel <- signal
}

// FakeRuntime holds the state of a fake Environment for testing
type FakeRuntime struct {
	FakeArgs     []string
	FakeVars     map[string]string
	FakeExecutor *FakeExecutor
	FakeLock     *FakeLock
	FakeSignal   *FakeSignal
}

// NewFakeRuntime creates a default FakeRuntime
func NewFakeRuntime(args []string, vars map[string]string) *FakeRuntime {
	return &FakeRuntime{
		FakeArgs:     args,
		FakeVars:     vars,
		FakeExecutor: NewFakeExecutor(nil, nil),
		FakeLock:     NewFakeLock(),
		FakeSignal:   NewFakeSignal(),
	}
}

// Executor implements Environment
func (f *FakeRuntime) Executor() Executor {
	return f.FakeExecutor
}

// Lock implements Environment
func (f *FakeRuntime) Lock() Lock {
	return f.FakeLock
}

// Signal implements Environment
func (f *FakeRuntime) Signal() Signals {
	return f.FakeSignal
}

// Vars implements Environment
func (f *FakeRuntime) Vars() map[string]string {
	return f.FakeVars
}

// Args implements Environment
func (f *FakeRuntime) Args() []string {
	return f.FakeArgs
}
