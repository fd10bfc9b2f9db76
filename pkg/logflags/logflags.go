package logflags

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var fault = false
var context = false
var cancel = false
var host = false
var launch = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	logger := logrus.New()
	logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Out = logOut
	}
	logger.Level = level
	return &entryLogger{logger.WithFields(logrus.Fields(fields))}
}

// makeFlaggableLogger returns a logger that only prints debug messages if
// flag is set, errors and fatal messages are always printed.
func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.ErrorLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

// Fault returns true if the fault interception layer should log.
func Fault() bool {
	return fault
}

// FaultLogger returns a logger for fault site lookups and interception
// decisions.
func FaultLogger() Logger {
	return makeFlaggableLogger(fault, Fields{layerKey: "fault"})
}

// Context returns true if context transitions and register snapshots should
// be logged.
func Context() bool {
	return context
}

// ContextLogger returns a logger for the context patching layer.
func ContextLogger() Logger {
	return makeFlaggableLogger(context, Fields{layerKey: "context"})
}

// Cancel returns true if the thread cancellation broadcaster should log.
func Cancel() bool {
	return cancel
}

// CancelLogger returns a logger for the thread cancellation broadcaster.
func CancelLogger() Logger {
	return makeFlaggableLogger(cancel, Fields{layerKey: "cancel"})
}

// Host returns true if the instrumentation host should log the events it
// delivers.
func Host() bool {
	return host
}

func HostLogger() Logger {
	return makeFlaggableLogger(host, Fields{layerKey: "host"})
}

// Launch returns true if attach-and-launch sequencing should be logged.
func Launch() bool {
	return launch
}

func LaunchLogger() Logger {
	return makeFlaggableLogger(launch, Fields{layerKey: "launch"})
}

// WriteError writes an error message to the log, regardless of whether any
// layer is enabled.
func WriteError(msg string) {
	makeLogger(logrus.ErrorLevel, Fields{}).Error(msg)
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the layer flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "faultcheck-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "fault,context"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		// If adding another value, do make sure to
		// update "Help about logging flags" in commands.go.
		switch logcmd {
		case "fault":
			fault = true
		case "context":
			context = true
		case "cancel":
			cancel = true
		case "host":
			host = true
		case "launch":
			launch = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'faultcheck help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}
