// -*- Mode: Go; indent-tabs-mode: t -*-

package config

// MockIsRunningSystemd replaces the systemd-detection hook FromEnviron
// uses for its XDG_RUNTIME_DIR fallback.
func MockIsRunningSystemd(f func() bool) (restore func()) {
	old := isRunningSystemd
	isRunningSystemd = f
	return func() { isRunningSystemd = old }
}
