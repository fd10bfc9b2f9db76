package launch

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   []string
		want *Options
	}{
		{
			[]string{"-pin", "/opt/pin/pin", "-pinarg", "-t", "tool.so", "-o", "out"},
			&Options{Threads: DefaultThreads, Instrumenter: "/opt/pin/pin", Args: []string{"-t", "tool.so", "-o", "out"}},
		},
		{
			[]string{"-th_num", "8", "-pin", "pin", "-pinarg", "-t", "tool.so", "-th_num", "2"},
			&Options{Threads: 8, Instrumenter: "pin", Args: []string{"-t", "tool.so", "-th_num", "2"}},
		},
		{
			[]string{"-pin", "pin"},
			&Options{Threads: DefaultThreads, Instrumenter: "pin"},
		},
	}
	for _, tc := range tests {
		got, err := Parse(tc.in)
		if err != nil {
			t.Errorf("Parse(%q): %v", tc.in, err)
			continue
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("Parse(%q) mismatch (-want +got):\n%s", tc.in, diff)
		}
		if diff := cmp.Diff(tc.in, got.CommandLine()); tc.want.Args != nil && diff != "" {
			t.Errorf("CommandLine mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestParseQuotedPinArgs(t *testing.T) {
	got, err := Parse([]string{"-pin", "pin", "-pinarg", "-t tool -o 'a b'"})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"-t", "tool", "-o", "a b"}
	if diff := cmp.Diff(want, got.Args); diff != "" {
		t.Errorf("arguments mismatch (-want +got):\n%s", diff)
	}

	// a single word is passed through
	got, err = Parse([]string{"-pin", "pin", "-pinarg", "-v"})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"-v"}, got.Args); diff != "" {
		t.Errorf("arguments mismatch (-want +got):\n%s", diff)
	}

	if _, err := Parse([]string{"-pin", "pin", "-pinarg", "-t `tool`"}); err == nil {
		t.Error("backtick in -pinarg accepted")
	}
}

func TestParseDefault(t *testing.T) {
	tests := []struct {
		args         []string
		instrumenter string
		want         *Options
	}{
		{
			[]string{"-pinarg", "-t", "tool.so"},
			"/opt/pin/pin -follow_execv",
			&Options{Threads: DefaultThreads, Instrumenter: "/opt/pin/pin", Args: []string{"-follow_execv", "-t", "tool.so"}},
		},
		{
			[]string{"-th_num", "2", "-pin", "mypin", "-pinarg", "-t", "tool.so"},
			"/opt/pin/pin -follow_execv",
			&Options{Threads: 2, Instrumenter: "mypin", Args: []string{"-t", "tool.so"}},
		},
		{
			[]string{"-pinarg", "-t tool.so"},
			"'/opt/my pin/pin'",
			&Options{Threads: DefaultThreads, Instrumenter: "/opt/my pin/pin", Args: []string{"-t", "tool.so"}},
		},
	}
	for _, tc := range tests {
		got, err := ParseDefault(tc.args, tc.instrumenter)
		if err != nil {
			t.Errorf("ParseDefault(%q, %q): %v", tc.args, tc.instrumenter, err)
			continue
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("ParseDefault(%q, %q) mismatch (-want +got):\n%s", tc.args, tc.instrumenter, diff)
		}
	}
	if _, err := ParseDefault([]string{"-pinarg", "-t", "tool.so"}, ""); err == nil {
		t.Error("missing instrumenter accepted")
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range [][]string{
		{},
		{"-th_num"},
		{"-th_num", "x", "-pin", "pin"},
		{"-th_num", "0", "-pin", "pin"},
		{"-pin"},
		{"-pinarg", "-t", "tool.so"},
		{"-pin", "pin", "extra"},
	} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q) did not fail", in)
		}
	}
}

func TestParsePinArgs(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"-t tool.so", []string{"-t", "tool.so"}},
		{`-t "my tool.so" -o 'out file'`, []string{"-t", "my tool.so", "-o", "out file"}},
	}
	for _, tc := range tests {
		got, err := ParsePinArgs(tc.in)
		if err != nil {
			t.Errorf("ParsePinArgs(%q): %v", tc.in, err)
			continue
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("ParsePinArgs(%q) mismatch (-want +got):\n%s", tc.in, diff)
		}
	}
	for _, in := range []string{"-t `tool`", "-t tool | cat"} {
		if _, err := ParsePinArgs(in); err == nil {
			t.Errorf("ParsePinArgs(%q) did not fail", in)
		}
	}
}

func TestOptions(t *testing.T) {
	o := &Options{Threads: 3, Instrumenter: "pin", Args: []string{"-t", "tool.so", "-v"}}
	if o.SecondaryThreads() != 2 {
		t.Errorf("SecondaryThreads() = %d, expected 2", o.SecondaryThreads())
	}
	tool, err := o.Tool()
	if err != nil || tool != "tool.so" {
		t.Errorf("Tool() = %q, %v", tool, err)
	}
	want := []string{"pin", "-pid", "1234", "-t", "tool.so", "-v"}
	if diff := cmp.Diff(want, o.AttachArgv(1234)); diff != "" {
		t.Errorf("AttachArgv mismatch (-want +got):\n%s", diff)
	}
	if _, err := (&Options{Instrumenter: "pin"}).Tool(); err == nil {
		t.Error("Tool() without -t did not fail")
	}
}

func TestAttach(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	o := &Options{
		Threads:      1,
		Instrumenter: writeScript(t, `[ "$1" = -pid ] && [ "$2" = `+strconv.Itoa(os.Getpid())+` ] && [ "$3" = -t ] && [ "$4" = tool.so ]`),
		Args:         []string{"-t", "tool.so"},
	}
	cmd, err := o.Attach(context.Background(), os.Getpid())
	if err != nil {
		t.Fatal(err)
	}
	if err := cmd.Wait(); err != nil {
		t.Fatalf("instrumenter failed: %v", err)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := t.TempDir() + "/instrumenter"
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}
