package version

import (
	"strings"
	"testing"
)

func TestVersionString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Patch: "3", Metadata: "rc1", Build: "abcdef"}
	if got, want := v.String(), "Version: 1.2.3-rc1\nBuild: abcdef"; got != want {
		t.Errorf("String() = %q, expected %q", got, want)
	}
	if !strings.HasPrefix(FaultcheckVersion.String(), "Version: 0.3.0\n") {
		t.Errorf("unexpected version %q", FaultcheckVersion.String())
	}
}
