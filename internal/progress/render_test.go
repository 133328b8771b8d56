package progress

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestWriteTable(t *testing.T) {
	var buf bytes.Buffer
	rows := []Row{
		{Session: "0123456789abcdef", Peer: "laptop", Direction: "outbound", File: "report.pdf", State: "transferring",
			Stats: Stats{Percent: 50, RateBps: 2 * 1024 * 1024, ETA: 3 * time.Second}},
		{Session: "fedcba98", Peer: "desk", Direction: "inbound", File: "a.iso", State: "failed",
			Reason: "transport_error: stalled"},
	}
	lines := writeTable(&buf, "dropzone", rows, false)

	out := buf.String()
	if got := strings.Count(out, "\n"); got != lines {
		t.Fatalf("writeTable() reported %d lines, wrote %d", lines, got)
	}
	for _, want := range []string{"01234567", "report.pdf", "2.0 MB/s", "00:00:03", "transport_error: stalled"} {
		if !strings.Contains(out, want) {
			t.Fatalf("table missing %q:\n%s", want, out)
		}
	}
}

func TestRenderSessionsNonTTY(t *testing.T) {
	var buf bytes.Buffer
	stop := RenderSessions(context.Background(), &buf, "", func() []Row {
		return []Row{{Session: "s1", Peer: "p", State: "completed", Stats: Stats{Percent: 100}}}
	})
	stop()
	stop()

	if !strings.Contains(buf.String(), "session=s1 peer=p") {
		t.Fatalf("output = %q", buf.String())
	}
}

func TestFormatHelpers(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{formatRate(512), "512 B/s"},
		{formatRate(4096), "4 KB/s"},
		{formatETA(0), "--:--:--"},
		{formatETA(3725 * time.Second), "01:02:05"},
		{renderBar(50, 4), "[██░░]"},
		{renderBar(150, 2), "[██]"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}
