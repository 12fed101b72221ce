// -*- Mode: Go; indent-tabs-mode: t -*-

package capture

import "os/exec"

// MockExecCommand replaces the process-spawning function the Driver uses,
// in the same restore-closure shape as the rest of this module's Mock*
// helpers, so tests can exercise Capture/PrintLdSo without a real
// capture-helper binary.
func MockExecCommand(fn func(name string, args ...string) *exec.Cmd) (restore func()) {
	old := execCommand
	execCommand = fn
	return func() { execCommand = old }
}
