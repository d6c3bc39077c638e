package debug

import (
	"bytes"
	"strings"
	"testing"
)

func TestWriterLog(t *testing.T) {
	var bf bytes.Buffer
	l := New(&bf)
	l.Log("schedule", "dropped %d commands", 3)

	got := bf.String()
	if !strings.Contains(got, "schedule") || !strings.HasSuffix(got, "dropped 3 commands\n") {
		t.Errorf("got %q", got)
	}
}

func TestWriterLogEvery(t *testing.T) {
	var bf bytes.Buffer
	l := New(&bf)
	for i := 0; i < 10; i++ {
		l.LogEvery(5, "tick", "overload")
	}

	if got, expected := strings.Count(bf.String(), "\n"), 2; got != expected {
		t.Errorf("got %d lines, expected %d:\n%s", got, expected, bf.String())
	}
	if !strings.Contains(bf.String(), "count=10") {
		t.Errorf("missing count in %q", bf.String())
	}
}
