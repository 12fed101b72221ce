// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2024 The pressure-vessel-runtimecomp authors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package hostinfo

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// timedate1 is the well-known systemd-timedated name this module queries as
// a fallback timezone source, used only by composer's /etc bind-plan step
// (spec.md §4.6 "write a generated /etc/timezone") when /etc/localtime
// cannot be resolved to a zoneinfo name by reading the symlink directly.
// This is explicitly NOT the portal/IPC listener scoped out of the core by
// spec.md §1: it is a single synchronous property read consumed by an
// in-core component, not a long-lived listener.
const (
	timedateBusName    = "org.freedesktop.timedate1"
	timedateObjectPath = "/org/freedesktop/timedate1"
)

// systemBusConnect is overridable in tests so HostTimezone never needs a
// real system bus.
var systemBusConnect = dbus.SystemBus

// HostTimezone queries org.freedesktop.timedate1's Timezone property over
// the system bus, returning e.g. "Europe/London". It is a best-effort
// fallback; callers should prefer resolving the /etc/localtime symlink
// first and only fall back to this when that fails, exactly as the
// composer's bind-plan step does.
func HostTimezone() (string, error) {
	conn, err := systemBusConnect()
	if err != nil {
		return "", fmt.Errorf("cannot connect to system bus: %w", err)
	}
	defer conn.Close()

	obj := conn.Object(timedateBusName, dbus.ObjectPath(timedateObjectPath))
	variant, err := obj.GetProperty(timedateBusName + ".Timezone")
	if err != nil {
		return "", fmt.Errorf("cannot read %s.Timezone: %w", timedateBusName, err)
	}
	tz, ok := variant.Value().(string)
	if !ok || tz == "" {
		return "", fmt.Errorf("%s.Timezone returned an unexpected value: %v", timedateBusName, variant)
	}
	return tz, nil
}
