package logflags

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestMakeFlaggableLogger(t *testing.T) {
	for _, tc := range []struct {
		flag bool
		want logrus.Level
	}{
		{false, logrus.ErrorLevel},
		{true, logrus.DebugLevel},
	} {
		l, ok := makeFlaggableLogger(tc.flag, Fields{layerKey: "fault"}).(*entryLogger)
		if !ok {
			t.Fatalf("flag=%v: unexpected logger type", tc.flag)
		}
		if l.Logger.Level != tc.want {
			t.Errorf("flag=%v: level %v, expected %v", tc.flag, l.Logger.Level, tc.want)
		}
		if l.Logger.Formatter != textFormatterInstance {
			t.Errorf("flag=%v: unexpected formatter %v", tc.flag, l.Logger.Formatter)
		}
		if l.Data[layerKey] != "fault" {
			t.Errorf("flag=%v: fields %v", tc.flag, l.Data)
		}
	}
}

func TestLoggerFields(t *testing.T) {
	out := &bufferWriter{}
	logOut = out
	defer func() {
		logOut = nil
	}()

	makeLogger(logrus.InfoLevel, Fields{layerKey: "fault"}).
		WithAddr("pc", 0x401000).
		WithThread(3).
		Info("redirected")
	want := "level=info layer=fault thread=3 pc=0x401000 msg=redirected\n"
	if got := out.String(); got != want {
		t.Errorf("got %q, expected %q", got, want)
	}

	out.Reset()
	makeLogger(logrus.InfoLevel, Fields{layerKey: "cancel"}).Debug("dropped")
	if out.Len() != 0 {
		t.Errorf("debug entry written at info level: %q", out.String())
	}
}

type bufferWriter struct {
	bytes.Buffer
}

func (bw *bufferWriter) Close() error {
	return nil
}

func TestSetup(t *testing.T) {
	defer func() {
		fault, context, cancel, host, launch = false, false, false, false, false
	}()

	if err := Setup(false, "fault", ""); err != errLogstrWithoutLog {
		t.Fatalf("expected <%v>; but was <%v>", errLogstrWithoutLog, err)
	}

	if err := Setup(true, "", ""); err != nil {
		t.Fatal(err)
	}
	if !Fault() || !Context() || Cancel() {
		t.Fatalf("default layers: fault=%v context=%v cancel=%v", Fault(), Context(), Cancel())
	}

	if err := Setup(true, "cancel,launch", ""); err != nil {
		t.Fatal(err)
	}
	if !Cancel() || !Launch() || Host() {
		t.Fatalf("expected cancel and launch enabled; cancel=%v launch=%v host=%v", Cancel(), Launch(), Host())
	}
}
