//go:build !linux

package launch

import (
	"fmt"
	"runtime"
)

// Attached returns true if process pid is traced.
func Attached(pid int) (bool, error) {
	return false, fmt.Errorf("attach detection not supported on %s", runtime.GOOS)
}
