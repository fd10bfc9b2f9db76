// Package launch builds and runs the command line that attaches an
// instrumenter to a running process.
//
// The command line understood by Parse is
//
//	[-th_num N] -pin <path> -pinarg <args> -t <tool> <tool args>
//
// where everything after -pinarg is handed to the instrumenter unchanged.
package launch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/cosiner/argv"

	"github.com/go-delve/faultcheck/pkg/logflags"
)

// DefaultThreads is the number of threads of the attached process,
// including the main thread, when -th_num is not given.
const DefaultThreads = 4

var (
	errNoInstrumenter = errors.New("no instrumenter specified, use -pin <path>")
	errNoTool         = errors.New("no tool specified after -pinarg, use -t <tool>")
)

// Options describes an attach-and-launch run.
type Options struct {
	// Threads is the total number of threads the attached process runs,
	// main thread included.
	Threads int
	// Instrumenter is the path of the instrumenter executable.
	Instrumenter string
	// Args are the instrumenter arguments, tool and tool arguments
	// included.
	Args []string
}

// Parse reads options out of a command line (without the program name).
// A single argument after -pinarg holding several words is split the way
// a shell would split it.
func Parse(args []string) (*Options, error) {
	return ParseDefault(args, "")
}

// ParseDefault is like Parse but uses instrumenter when the command line
// has no -pin. The first word of instrumenter is the instrumenter path,
// the others are passed to it ahead of the -pinarg arguments.
func ParseDefault(args []string, instrumenter string) (*Options, error) {
	o, err := parse(args)
	if err != nil {
		return nil, err
	}
	if o.Instrumenter == "" && instrumenter != "" {
		words, err := ParsePinArgs(instrumenter)
		if err != nil {
			return nil, fmt.Errorf("invalid instrumenter %q: %v", instrumenter, err)
		}
		o.Instrumenter = words[0]
		o.Args = append(words[1:len(words):len(words)], o.Args...)
	}
	if o.Instrumenter == "" {
		return nil, errNoInstrumenter
	}
	return o, nil
}

func parse(args []string) (*Options, error) {
	o := &Options{Threads: DefaultThreads}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-th_num":
			i++
			if i >= len(args) {
				return nil, fmt.Errorf("-th_num requires an argument")
			}
			n, err := strconv.Atoi(args[i])
			if err != nil {
				return nil, fmt.Errorf("invalid thread number %q: %v", args[i], err)
			}
			if n < 1 {
				return nil, fmt.Errorf("invalid thread number %d", n)
			}
			o.Threads = n
		case "-pin":
			i++
			if i >= len(args) {
				return nil, errNoInstrumenter
			}
			o.Instrumenter = args[i]
		case "-pinarg":
			rest := args[i+1:]
			if len(rest) == 1 && strings.ContainsAny(rest[0], " \t\n") {
				words, err := ParsePinArgs(rest[0])
				if err != nil {
					return nil, err
				}
				rest = words
			}
			o.Args = append([]string(nil), rest...)
			i = len(args)
		default:
			return nil, fmt.Errorf("unknown argument %q", args[i])
		}
	}
	return o, nil
}

// ParsePinArgs splits a single instrumenter argument string the way a
// shell would. Backticks and pipes are not supported.
func ParsePinArgs(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	v, err := argv.Argv(s,
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal instrumenter arguments '%s'", s)
	}
	return v[0], nil
}

// SecondaryThreads returns the number of threads started besides the main
// thread.
func (o *Options) SecondaryThreads() int {
	return o.Threads - 1
}

// Tool returns the tool named by the -t argument.
func (o *Options) Tool() (string, error) {
	for i, arg := range o.Args {
		if arg == "-t" && i+1 < len(o.Args) {
			return o.Args[i+1], nil
		}
	}
	return "", errNoTool
}

// CommandLine returns the command line o was parsed from.
func (o *Options) CommandLine() []string {
	var r []string
	if o.Threads != DefaultThreads {
		r = append(r, "-th_num", strconv.Itoa(o.Threads))
	}
	r = append(r, "-pin", o.Instrumenter, "-pinarg")
	return append(r, o.Args...)
}

// AttachArgv returns the argument vector that runs the instrumenter
// against process pid.
func (o *Options) AttachArgv(pid int) []string {
	r := []string{o.Instrumenter, "-pid", strconv.Itoa(pid)}
	return append(r, o.Args...)
}

// Attach starts the instrumenter against process pid. The caller waits
// for the returned command.
func (o *Options) Attach(ctx context.Context, pid int) (*exec.Cmd, error) {
	if _, err := o.Tool(); err != nil {
		return nil, err
	}
	args := o.AttachArgv(pid)
	logflags.LaunchLogger().Infof("going to run: %s", strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("could not start %s: %v", o.Instrumenter, err)
	}
	logflags.LaunchLogger().Debugf("instrumenter pid %d", cmd.Process.Pid)
	return cmd, nil
}
