package cancel

import (
	"errors"
	"os"
)

var defaultSignal os.Signal = os.Interrupt

func raise(sig os.Signal) error {
	return errors.New("raising signals is not supported on windows")
}
