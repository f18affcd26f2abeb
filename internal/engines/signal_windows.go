//go:build windows

package engines

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup is a no-op on Windows; there is no POSIX process
// group to create.
func setProcessGroup(_ *exec.Cmd) {}

// signalGroup approximates POSIX group signalling with a hard kill,
// since Windows has no SIGTERM delivery for console children.
func signalGroup(proc *os.Process, _ syscall.Signal) error {
	if proc == nil {
		return nil
	}
	err := proc.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
