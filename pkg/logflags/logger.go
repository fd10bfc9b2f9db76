package logflags

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// Logger is the logger handed to every layer. Entries carry the layer
// name, and the thread and addresses involved when the caller knows them.
type Logger interface {
	WithField(key string, value interface{}) Logger
	WithError(err error) Logger
	// WithThread tags entries with the id of the thread they are about.
	WithThread(tid int) Logger
	// WithAddr adds addr, formatted in hex, under key.
	WithAddr(key string, addr uint64) Logger

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
}

// Fields are the fields a layer logger starts with.
type Fields map[string]interface{}

const (
	layerKey  = "layer"
	threadKey = "thread"
)

var textFormatterInstance = &logrus.TextFormatter{
	DisableTimestamp: true,
	SortingFunc:      sortKeys,
}

// sortKeys orders entry keys as: level, layer, thread, other fields by
// name, msg.
func sortKeys(keys []string) {
	rank := func(k string) int {
		switch k {
		case logrus.FieldKeyLevel:
			return 0
		case layerKey:
			return 1
		case threadKey:
			return 2
		case logrus.FieldKeyMsg:
			return 4
		}
		return 3
	}
	sort.SliceStable(keys, func(i, j int) bool {
		if ri, rj := rank(keys[i]), rank(keys[j]); ri != rj {
			return ri < rj
		}
		return keys[i] < keys[j]
	})
}

type entryLogger struct {
	*logrus.Entry
}

func (l *entryLogger) WithField(key string, value interface{}) Logger {
	return &entryLogger{l.Entry.WithField(key, value)}
}

func (l *entryLogger) WithError(err error) Logger {
	return &entryLogger{l.Entry.WithError(err)}
}

func (l *entryLogger) WithThread(tid int) Logger {
	return &entryLogger{l.Entry.WithField(threadKey, tid)}
}

func (l *entryLogger) WithAddr(key string, addr uint64) Logger {
	return &entryLogger{l.Entry.WithField(key, fmt.Sprintf("%#x", addr))}
}
