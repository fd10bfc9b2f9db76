package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoadConfigCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	c, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(&Config{}, c); diff != "" {
		t.Errorf("default config is not empty (-want +got):\n%s", diff)
	}
	buf, err := os.ReadFile(filepath.Join(dir, "faultcheck", "config.yml"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(buf), "# stack-entry-alignment:") {
		t.Errorf("default config not written:\n%s", buf)
	}
}

func TestSaveLoadConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if _, err := LoadConfig(); err != nil {
		t.Fatal(err)
	}
	workers := 6
	want := &Config{
		StackEntryAlignment: map[string]int{"linux/386": 4},
		WorkerThreads:       &workers,
		LogOutput:           "fault,cancel",
	}
	if err := SaveConfig(want); err != nil {
		t.Fatal(err)
	}
	got, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if got.Workers(4) != 6 || got.Exiters(3) != 3 {
		t.Errorf("Workers/Exiters = %d/%d", got.Workers(4), got.Exiters(3))
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	for _, content := range []string{
		"stack-entry-alignment:\n  plan9/mips: 8\n",
		"stack-entry-alignment:\n  linux/amd64: 16\n",
		"worker-threads: 0\n",
		"exit-threads: -1\n",
		"worker-threads: [\n",
	} {
		path := filepath.Join(t.TempDir(), "config.yml")
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadConfigFrom(path); err == nil {
			t.Errorf("config %q accepted", content)
		}
	}
}

func TestSet(t *testing.T) {
	c := &Config{}
	for _, kv := range [][2]string{
		{"worker-threads", "8"},
		{"exit-threads", "2"},
		{"instrumenter", "/opt/pin/pin -follow_execv"},
		{"stack-entry-alignment", "{linux/386: 4}"},
		{"exit-threads", ""},
	} {
		if err := c.Set(kv[0], kv[1]); err != nil {
			t.Fatalf("Set(%q, %q): %v", kv[0], kv[1], err)
		}
	}
	workers := 8
	want := &Config{
		StackEntryAlignment: map[string]int{"linux/386": 4},
		WorkerThreads:       &workers,
		Instrumenter:        "/opt/pin/pin -follow_execv",
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	for _, kv := range [][2]string{
		{"no-such-key", "1"},
		{"worker-threads", "0"},
		{"worker-threads", "[1"},
		{"stack-entry-alignment", "{plan9/mips: 8}"},
	} {
		if err := c.Set(kv[0], kv[1]); err == nil {
			t.Errorf("Set(%q, %q) accepted", kv[0], kv[1])
		}
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("config changed by a failed Set (-want +got):\n%s", diff)
	}
}

func TestSaveConfigTo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	c := &Config{LogOutput: "cancel"}
	if err := c.Set("worker-threads", "3"); err != nil {
		t.Fatal(err)
	}
	if err := SaveConfigTo(c, path); err != nil {
		t.Fatal(err)
	}
	got, err := LoadConfigFrom(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(c, got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}
