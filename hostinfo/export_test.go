// -*- Mode: Go; indent-tabs-mode: t -*-

package hostinfo

import "github.com/godbus/dbus/v5"

// MockSystemBusConnect replaces the system-bus dialer HostTimezone uses.
func MockSystemBusConnect(fn func(opts ...dbus.ConnOption) (*dbus.Conn, error)) (restore func()) {
	old := systemBusConnect
	systemBusConnect = fn
	return func() { systemBusConnect = old }
}
