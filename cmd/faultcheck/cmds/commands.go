package cmds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-delve/faultcheck/pkg/config"
	"github.com/go-delve/faultcheck/pkg/harness"
	"github.com/go-delve/faultcheck/pkg/launch"
	"github.com/go-delve/faultcheck/pkg/logflags"
	"github.com/go-delve/faultcheck/pkg/proc/cancel"
	"github.com/go-delve/faultcheck/pkg/proc/ctxpatch"
	"github.com/go-delve/faultcheck/pkg/version"
)

const (
	defaultWorkers = 4
	defaultExiters = 4
	cancelTimeout  = 30 * time.Second

	attachPollInterval = 10 * time.Millisecond
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configPath replaces the default configuration file.
	configPath string

	// mode is the processor mode of the exception application.
	mode int
	// processMemory makes the safe copy check read real memory.
	processMemory bool

	// target is the target triple of the ymm command, or "all".
	target string
	// constContext makes the host pass read only contexts to replacements.
	constContext bool

	workers int
	exiters int

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const faultcheckCommandLongDesc = `faultcheck exercises the exception and CPU context services of an
instrumentation host.

It checks that faults raised by instrumentation code and by the application
are reported with the right address and can be resumed elsewhere, that the
vector registers of a thread survive signal delivery, exception dispatch and
replaced function calls with the values the instrumentation put there, and
that a cancellation request reaches every worker thread.`

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Config setup and load.
	var err error
	conf, err = config.LoadConfig()
	if err != nil && !docCall {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}

	rootCommand = &cobra.Command{
		Use:   "faultcheck",
		Short: "faultcheck verifies the exception and context services of an instrumentation host.",
		Long:  faultcheckCommandLongDesc,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return nil
			}
			c, err := config.LoadConfigFrom(configPath)
			if err != nil {
				return err
			}
			conf = c
			return nil
		},
		SilenceUsage: true,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'faultcheck help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'faultcheck help log').")
	rootCommand.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file to use instead of the default one.")

	// 'exceptions' subcommand.
	exceptionsCommand := &cobra.Command{
		Use:   "exceptions",
		Short: "Checks fault interception in instrumentation and application code.",
		Long: `Runs an application that divides by zero under a tool that raises an
invalid access and a division by zero in its own code.

The tool must intercept both of its faults and resume after them, see the
application's division by zero with the address of the dividing instruction
and skip it, and get address 0 back from a safe copy out of address 0.`,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(exceptionsCmd(os.Stdout))
		},
	}
	exceptionsCommand.Flags().IntVar(&mode, "mode", 64, "Processor mode of the application, 32 or 64.")
	exceptionsCommand.Flags().BoolVar(&processMemory, "process-memory", false, "Run the safe copy check against the memory of this process.")
	rootCommand.AddCommand(exceptionsCommand)

	// 'ymm' subcommand.
	ymmCommand := &cobra.Command{
		Use:   "ymm",
		Short: "Checks vector register state across context transitions.",
		Long: `Runs an application that fills its vector registers and raises an
exception under a tool that rewrites the registers when the exception is
delivered, redirects the thread, replaces one of the application's functions
and spills scratch registers in an analysis call.

Stack alignment at the redirected entry point follows the target's calling
convention, built-in values can be changed with the stack-entry-alignment
configuration key.`,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(ymmCmd(os.Stdout))
		},
	}
	ymmCommand.Flags().StringVar(&target, "target", "", `Target triple (GOOS/GOARCH), "all" for every known target. Defaults to the host.`)
	ymmCommand.Flags().BoolVar(&constContext, "const-context", false, "Pass read only contexts to replaced functions.")
	rootCommand.AddCommand(ymmCommand)

	// 'cancel' subcommand.
	cancelCommand := &cobra.Command{
		Use:   "cancel",
		Short: "Checks that a cancellation request reaches every worker thread.",
		Long: `Starts worker threads pinned to OS threads, and a few threads that exit
right away, then sends the cancellation signal to the process. Every
worker must be cancelled exactly once, further signals are ignored.`,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(cancelCmd(cmd, os.Stdout))
		},
	}
	cancelCommand.Flags().IntVar(&workers, "th-num", defaultWorkers, "Number of worker threads.")
	cancelCommand.Flags().IntVar(&exiters, "exit-threads", defaultExiters, "Number of short lived threads.")
	rootCommand.AddCommand(cancelCommand)

	// 'launch' subcommand.
	launchCommand := &cobra.Command{
		Use:   "launch [-th_num N] -pin <path> -pinarg <args> -t <tool> <tool args>",
		Short: "Attaches an instrumenter to this process.",
		Long: `Starts N-1 worker threads, then runs the instrumenter with -pid set to
the pid of this process followed by the arguments given after -pinarg.
The exit status is the exit status of the instrumenter.

If -pin is omitted the instrumenter configuration key is used.`,
		DisableFlagParsing: true,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(launchCmd(args))
		},
	}
	rootCommand.AddCommand(launchCommand)

	if traceCommand := newTraceCommand(); traceCommand != nil {
		rootCommand.AddCommand(traceCommand)
	}

	// 'config' subcommand.
	configCommand := &cobra.Command{
		Use:   "config [key=value ...]",
		Short: "Shows or changes the configuration.",
		Long: `Without arguments prints the configuration in use.

Each key=value argument sets a configuration key, the value is read as
YAML and an empty value removes the key. The result is written back to the
configuration file, the one given with --config if any. Comments in the
file are not kept.`,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(configCmd(os.Stdout, args))
		},
	}
	rootCommand.AddCommand(configCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("faultcheck\n%s\n", version.FaultcheckVersion)
			if log {
				fmt.Printf("%s\n", version.BuildInfo())
			}
		},
	}
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	fault		Log fault interception and skipped instructions
	context		Log vector register state at context transitions
	cancel		Log worker start up and cancellation
	host		Log the instrumentation host
	launch		Log the instrumenter command line

If --log-output is not given the log-output configuration key is used.

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func configCmd(w io.Writer, args []string) int {
	if len(args) == 0 {
		if err := conf.Dump(w); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		return 0
	}
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			fmt.Fprintf(os.Stderr, "invalid argument %q, expected key=value\n", arg)
			return 1
		}
		if err := conf.Set(key, value); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
	}
	var err error
	if configPath != "" {
		err = config.SaveConfigTo(conf, configPath)
	} else {
		err = config.SaveConfig(conf)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not save configuration: %v\n", err)
		return 1
	}
	return 0
}

func setupLog() error {
	logstr := logOutput
	if logstr == "" && log {
		logstr = conf.LogOutput
	}
	return logflags.Setup(log, logstr, logDest)
}

func printReport(w io.Writer, r *harness.Report) int {
	r.Print(w)
	if !r.Passed() {
		return 1
	}
	return 0
}

func exceptionsCmd(w io.Writer) int {
	if err := setupLog(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	opts := harness.ExceptionOptions{Mode: mode}
	if processMemory {
		opts.Memory = harness.ProcessMemory{}
	}
	r, err := harness.RunExceptions(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return printReport(w, r)
}

func ymmCmd(w io.Writer) int {
	if err := setupLog(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	var targets []ctxpatch.Target
	switch target {
	case "":
		t, err := ctxpatch.HostTarget(conf.StackEntryAlignment)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		targets = append(targets, t)
	case "all":
		for _, triple := range ctxpatch.Triples() {
			t, err := ctxpatch.LookupTarget(triple, conf.StackEntryAlignment)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				return 1
			}
			targets = append(targets, t)
		}
	default:
		t, err := ctxpatch.LookupTarget(target, conf.StackEntryAlignment)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		targets = append(targets, t)
	}

	status := 0
	for _, t := range targets {
		r, err := harness.RunVector(t, constContext)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", t.Triple, err)
			status = 1
			continue
		}
		r.Tool = "ymm " + t.Triple
		if printReport(w, r) != 0 {
			status = 1
		}
	}
	return status
}

func cancelCmd(cmd *cobra.Command, w io.Writer) int {
	if err := setupLog(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	n := flagOrConfig(cmd.Flags(), "th-num", workers, conf.Workers)
	m := flagOrConfig(cmd.Flags(), "exit-threads", exiters, conf.Exiters)
	r, err := runCancel(n, m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return printReport(w, r)
}

// flagOrConfig returns v if the flag name was set on the command line,
// the configured value otherwise.
func flagOrConfig(flags *pflag.FlagSet, name string, v int, configured func(int) int) int {
	if flags.Changed(name) {
		return v
	}
	return configured(v)
}

func runCancel(n, m int) (*harness.Report, error) {
	ctx, cancelFn := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancelFn()

	b := cancel.New(n, m)
	if err := b.Start(ctx); err != nil {
		return nil, err
	}
	defer b.Stop()

	r := &harness.Report{Tool: "cancel"}
	r.Add("workers cancelled before signal", !b.Cancelled(), "cancelled flag set before the signal was sent")
	if err := b.Raise(); err != nil {
		return nil, err
	}
	if err := b.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for cancellation: %v", err)
	}
	r.Add("every worker cancelled", b.CancelRequests() == n,
		fmt.Sprintf("%d cancellation requests for %d workers", b.CancelRequests(), n))

	// a second signal must not cancel anything
	if err := b.Raise(); err != nil {
		return nil, err
	}
	err := spin(ctx, func() bool { return b.Ignored() > 0 })
	r.Add("repeated signal ignored", err == nil && b.CancelRequests() == n,
		fmt.Sprintf("%d cancellation requests after second signal", b.CancelRequests()))
	return r, nil
}

func spin(ctx context.Context, cond func() bool) error {
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}

func launchCmd(args []string) int {
	if err := logflags.Setup(conf.LogOutput != "", conf.LogOutput, ""); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	opts, err := launch.ParseDefault(args, conf.Instrumenter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	status, err := runLaunch(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}
	return status
}

func runLaunch(opts *launch.Options) (int, error) {
	ctx := context.Background()
	var b *cancel.Broadcaster
	if n := opts.SecondaryThreads(); n > 0 {
		b = cancel.New(n, 0)
		if err := b.Start(ctx); err != nil {
			return 1, err
		}
		defer b.Stop()
	}

	cmd, err := opts.Attach(ctx, os.Getpid())
	if err != nil {
		return 1, err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	actx, stopWaiting := context.WithCancel(ctx)
	defer stopWaiting()
	attached := make(chan error, 1)
	go func() { attached <- launch.WaitAttached(actx, os.Getpid(), attachPollInterval) }()

	select {
	case aerr := <-attached:
		if aerr != nil {
			logflags.LaunchLogger().Warnf("could not detect instrumenter: %v", aerr)
		} else {
			logflags.LaunchLogger().Infof("instrumenter attached")
		}
		err = <-done
	case err = <-done:
	}

	if b != nil {
		if err := b.Broadcast(); err != nil {
			logflags.LaunchLogger().WithError(err).Warn("could not cancel worker threads")
		}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return 1, err
	}
	return 0, nil
}
