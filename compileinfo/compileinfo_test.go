package compileinfo

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	c := CompileInfo{
		Package:    "github.com/carbocation/geomx/cmd/geomx",
		Version:    "(devel)",
		GoVersion:  "go1.18",
		Commit:     "abc123",
		CommitTime: "2022-04-01T00:00:00Z",
		Modified:   true,
	}

	s := c.String()
	for _, want := range []string{"cmd/geomx binary", "go1.18", "abc123", "modified"} {
		if !strings.Contains(s, want) {
			t.Errorf("%q does not contain %q", s, want)
		}
	}
	if strings.Contains(s, "(devel)") {
		t.Errorf("Development version should not be printed: %q", s)
	}
}
