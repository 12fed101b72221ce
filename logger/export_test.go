// -*- Mode: Go; indent-tabs-mode: t -*-

package logger

// recordingLogger captures Notice calls for white-box assertions.
type recordingLogger struct {
	Notices []string
}

func (r *recordingLogger) Debug(string) {}
func (r *recordingLogger) Notice(msg string) {
	r.Notices = append(r.Notices, msg)
}

// MockRecordingLogger installs a *recordingLogger and returns it along with
// the restore function, for tests that need to assert on message content.
func MockRecordingLogger() (*recordingLogger, func()) {
	rec := &recordingLogger{}
	old := SetLogger(rec)
	return rec, func() { SetLogger(old) }
}
