package console

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestSinkWritesLiveAndSnapshot(t *testing.T) {
	var buf bytes.Buffer
	s := NewSinkTo(&buf)

	if err := s.WriteLive("[COINFEED] ethereum 3012.50"); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(buf.String(), "\n") {
		t.Errorf("live line must not end with newline: %q", buf.String())
	}

	buf.Reset()
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := s.WriteSnapshot(ts, "snap"); err != nil {
		t.Fatal(err)
	}
	if got, want := buf.String(), "\n2024-05-01 12:00:00 snap\n\n"; got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
