package audit

import (
	"os"
	"time"
)

// advisoryLock is a sibling lock file guarding the audit log's
// read-prevHash/compute-hash/append critical section across processes
// (spec 4.3, 5). No third-party flock library appears anywhere in the
// retrieved corpus; os.O_CREATE|os.O_EXCL gives the same mutual-exclusion
// guarantee on a POSIX filesystem without inventing a dependency (see
// DESIGN.md).
type advisoryLock struct {
	path string
}

func newAdvisoryLock(logPath string) *advisoryLock {
	return &advisoryLock{path: logPath + ".lock"}
}

const (
	lockRetryInterval = 20 * time.Millisecond
	lockDeadline      = 5 * time.Second
)

// acquire blocks, retrying every 20ms, until the lock file is created or
// the 5s deadline elapses.
func (l *advisoryLock) acquire() error {
	deadline := time.Now().Add(lockDeadline)
	for {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			return f.Close()
		}
		if !os.IsExist(err) {
			return err
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		time.Sleep(lockRetryInterval)
	}
}

func (l *advisoryLock) release() error {
	err := os.Remove(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
