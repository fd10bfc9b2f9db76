//go:build !(linux && amd64)

package cmds

import "github.com/spf13/cobra"

func newTraceCommand() *cobra.Command {
	return nil
}
