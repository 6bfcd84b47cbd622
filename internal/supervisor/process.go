package supervisor

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Signaller delivers signals to host processes.
type Signaller interface {
	Alive(pid int) bool
	Terminate(pid int) error
	Kill(pid int) error
}

// UnixSignaller signals whole process groups when the target leads one, so
// servers spawned through a shell go down with their children.
type UnixSignaller struct{}

func (UnixSignaller) Alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func (UnixSignaller) Terminate(pid int) error { return signalGroup(pid, unix.SIGTERM) }
func (UnixSignaller) Kill(pid int) error      { return signalGroup(pid, unix.SIGKILL) }

func signalGroup(pid int, sig unix.Signal) error {
	if pgid, err := unix.Getpgid(pid); err == nil && pgid == pid {
		if err := unix.Kill(-pid, sig); err == nil {
			return nil
		}
	}
	err := unix.Kill(pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
