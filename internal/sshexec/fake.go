package sshexec

import (
	"context"
	"sync"

	"github.com/bokiko/bloxos-sub000/pkg/models"
)

// FakeExecutor is a scripted Executor for tests of packages that drive
// remote commands. Handler receives the command and whether sudo was
// requested; CredHandler additionally sees the credential and wins when
// both are set. Calls records every command in order.
type FakeExecutor struct {
	mu          sync.Mutex
	Handler     func(command string, sudo bool) (string, error)
	CredHandler func(cred *models.Credential, command string, sudo bool) (string, error)
	Calls       []string
}

var _ Executor = (*FakeExecutor)(nil)

func (f *FakeExecutor) run(cred *models.Credential, command string, sudo bool) (string, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, command)
	f.mu.Unlock()
	if f.CredHandler != nil {
		return f.CredHandler(cred, command, sudo)
	}
	if f.Handler == nil {
		return "", nil
	}
	return f.Handler(command, sudo)
}

func (f *FakeExecutor) Execute(_ context.Context, cred *models.Credential, command string) (string, error) {
	return f.run(cred, command, false)
}

func (f *FakeExecutor) ExecuteScript(_ context.Context, cred *models.Credential, script string) (string, error) {
	return f.run(cred, script, false)
}

func (f *FakeExecutor) ExecuteSudo(_ context.Context, cred *models.Credential, command string) (string, error) {
	return f.run(cred, command, true)
}

func (f *FakeExecutor) ExecuteSudoScript(_ context.Context, cred *models.Credential, script string) (string, error) {
	return f.run(cred, script, true)
}

// CallLog returns a copy of the recorded commands.
func (f *FakeExecutor) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Calls))
	copy(out, f.Calls)
	return out
}
