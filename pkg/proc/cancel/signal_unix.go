//go:build !windows

package cancel

import (
	"os"

	"golang.org/x/sys/unix"
)

var defaultSignal os.Signal = unix.SIGUSR1

func raise(sig os.Signal) error {
	s, ok := sig.(unix.Signal)
	if !ok {
		p, err := os.FindProcess(os.Getpid())
		if err != nil {
			return err
		}
		return p.Signal(sig)
	}
	return unix.Kill(unix.Getpid(), s)
}
