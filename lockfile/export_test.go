// -*- Mode: Go; indent-tabs-mode: t -*-

package lockfile

// MockOFDUnsupported forces every subsequently-opened Lock to use the
// process-associated fcntl(2) F_SETLK fallback path, so its behaviour can be
// exercised on systems/test sandboxes where OFD locks are unavailable.
func MockOFDUnsupported() (restore func()) {
	old := ofdSupportedFn
	ofdSupportedFn = func() bool { return false }
	return func() { ofdSupportedFn = old }
}
