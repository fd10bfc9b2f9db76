package cmds

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/go-delve/faultcheck/pkg/logflags"
	"github.com/go-delve/faultcheck/pkg/proc"
	"github.com/go-delve/faultcheck/pkg/proc/fault"
	"github.com/go-delve/faultcheck/pkg/proc/native"
)

var (
	// traceSkip makes trace skip faulting instructions.
	traceSkip bool
	// traceLimit is the number of faults after which the program is killed.
	traceLimit int
)

func newTraceCommand() *cobra.Command {
	traceCommand := &cobra.Command{
		Use:   "trace [flags] -- program [arguments...]",
		Short: "Runs a program and reports the faults it raises.",
		Long: `Runs a program under ptrace and prints every invalid access and integer
division by zero it raises, with the faulting instruction and the address
reported by the kernel.

With --skip the faulting instruction is decoded and execution resumes at
the next one instead of delivering the signal to the program.`,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(traceCmd(os.Stdout, args))
		},
	}
	traceCommand.Flags().BoolVar(&traceSkip, "skip", false, "Skip faulting instructions.")
	traceCommand.Flags().IntVar(&traceLimit, "limit", 100, "Kill the program after this many faults, 0 for no limit.")
	return traceCommand
}

func traceCmd(w io.Writer, args []string) int {
	if err := setupLog(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "you must provide a program to run")
		return 1
	}
	status, err := traceProgram(w, args, traceSkip, traceLimit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}
	return status
}

// traceProgram runs args until it exits and returns its exit status,
// 128+signal if it was killed by a signal.
func traceProgram(w io.Writer, args []string, skip bool, limit int) (int, error) {
	tr := native.NewTracer()
	defer tr.Close()

	pid, err := tr.Launch(args, os.Environ())
	if err != nil {
		return 1, err
	}
	if err := tr.Resume(pid, 0); err != nil {
		return 1, err
	}

	faults := 0
	for {
		ev, err := tr.WaitFault(pid)
		var exited native.ProcessExitedError
		var stop *native.UnexpectedStopError
		switch {
		case errors.As(err, &exited):
			if exited.Status < 0 {
				return 128 - exited.Status, nil
			}
			return exited.Status, nil
		case errors.As(err, &stop):
			if err := tr.Resume(pid, stop.Signal); err != nil {
				return 1, err
			}
			continue
		case err != nil:
			tr.Kill(pid)
			return 1, err
		}

		fmt.Fprintf(w, "%s at pc %#x, address %#x\n", ev.Category, ev.Ctx.PC(), ev.Addr)
		faults++
		if limit > 0 && faults >= limit {
			tr.Kill(pid)
			return 1, fmt.Errorf("program killed after %d faults", faults)
		}

		var l proc.FaultListener = fault.Chain{}
		if skip {
			l = skipperFor(tr, ev)
		}
		if _, err := tr.Dispatch(ev, l); err != nil {
			tr.Kill(pid)
			return 1, err
		}
	}
}

// skipperFor returns a listener that skips the faulting instruction of ev.
func skipperFor(tr *native.Tracer, ev *proc.FaultEvent) proc.FaultListener {
	pc := ev.Ctx.PC()
	buf := make([]byte, 32)
	n, err := tr.ReadMemory(ev.ThreadID, pc, buf)
	if err != nil {
		logflags.FaultLogger().WithError(err).Errorf("could not read instruction at %#x", pc)
		return fault.Chain{}
	}
	addrs, _ := fault.DecodeRoutine(buf[:n], pc, 64)
	s := fault.NewSkipper(ev.Category)
	if len(addrs) >= 2 {
		s.Record(addrs[:2]...)
	}
	return s
}

