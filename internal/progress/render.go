package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Row is one session line of the watch view.
type Row struct {
	Session   string
	Peer      string
	Direction string
	File      string
	State     string
	Stats     Stats
	Reason    string
}

const (
	colorReset = "\033[0m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
	colorCyan  = "\033[36m"
)

func colorize(s string, color string, enabled bool) string {
	if !enabled || color == "" {
		return s
	}
	return color + s + colorReset
}

func IsTTY(w io.Writer) bool {
	f, ok := w.(interface{ Stat() (os.FileInfo, error) })
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// RenderSessions redraws the session table on w until the returned stop func is
// called. On a terminal the table is redrawn in place; otherwise one line per
// session is printed every second.
func RenderSessions(ctx context.Context, w io.Writer, header string, view func() []Row) func() {
	isTTY := IsTTY(w)
	interval := 250 * time.Millisecond
	if !isTTY {
		interval = time.Second
	} else {
		fmt.Fprint(w, "\033[?25l")
	}
	ticker := time.NewTicker(interval)
	stop := make(chan struct{})
	lastLines := 0
	var renderMu sync.Mutex

	renderOnce := func() {
		renderMu.Lock()
		defer renderMu.Unlock()
		rows := view()
		if isTTY {
			if lastLines > 0 {
				fmt.Fprintf(w, "\033[%dA", lastLines)
				fmt.Fprint(w, "\033[J")
			}
			lastLines = writeTable(w, header, rows, true)
			return
		}
		for _, row := range rows {
			fmt.Fprintln(w, formatLine(row))
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				renderOnce()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			renderOnce()
			if isTTY {
				fmt.Fprint(w, "\033[?25h")
			}
		})
	}
}

func writeTable(w io.Writer, header string, rows []Row, isTTY bool) int {
	lines := writeHeader(w, header, isTTY)
	headers := []string{"session", "peer", "dir", "file", "state", "progress", "rate", "ETA"}
	widths := []int{8, 12, 8, 20, 12, 30, 10, 8}
	cells := make([][]string, 0, len(rows))
	for _, row := range rows {
		cells = append(cells, []string{
			shortID(row.Session),
			row.Peer,
			row.Direction,
			row.File,
			colorize(row.State, stateColor(row.State), isTTY),
			fmt.Sprintf("%s %5.1f%%", renderBar(row.Stats.Percent, 20), row.Stats.Percent),
			formatRate(row.Stats.RateBps),
			formatETA(row.Stats.ETA),
		})
	}
	lines += renderTable(w, headers, cells, widths)
	for _, row := range rows {
		if row.Reason == "" {
			continue
		}
		fmt.Fprintf(w, "  [%s] %s\n", shortID(row.Session), colorize(row.Reason, colorRed, isTTY))
		lines++
	}
	return lines
}

func formatLine(row Row) string {
	line := fmt.Sprintf("session=%s peer=%s dir=%s file=%s state=%s %.1f%% %s ETA %s",
		shortID(row.Session),
		row.Peer,
		row.Direction,
		row.File,
		row.State,
		row.Stats.Percent,
		formatRate(row.Stats.RateBps),
		formatETA(row.Stats.ETA),
	)
	if row.Reason != "" {
		line += " reason=" + row.Reason
	}
	return line
}

func stateColor(state string) string {
	switch state {
	case "completed":
		return colorGreen
	case "failed", "denied", "timed_out", "cancelled":
		return colorRed
	default:
		return colorCyan
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func writeHeader(w io.Writer, header string, isTTY bool) int {
	header = strings.TrimSuffix(header, "\n")
	if header == "" {
		return 0
	}
	lines := strings.Split(header, "\n")
	for _, line := range lines {
		fmt.Fprintln(w, colorize(line, colorCyan, isTTY))
	}
	return len(lines)
}

func renderBar(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := int((percent / 100) * float64(width))
	if filled > width {
		filled = width
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}

func renderTable(w io.Writer, headers []string, rows [][]string, widths []int) int {
	lines := 0
	border := buildBorder(widths)
	fmt.Fprintln(w, border)
	lines++
	fmt.Fprintln(w, buildRow(headers, widths))
	lines++
	fmt.Fprintln(w, border)
	lines++
	for _, row := range rows {
		fmt.Fprintln(w, buildRow(row, widths))
		lines++
	}
	fmt.Fprintln(w, border)
	lines++
	return lines
}

func buildBorder(widths []int) string {
	var b strings.Builder
	b.WriteString("+")
	for _, width := range widths {
		b.WriteString(strings.Repeat("-", width+2))
		b.WriteString("+")
	}
	return b.String()
}

func buildRow(values []string, widths []int) string {
	var b strings.Builder
	b.WriteString("|")
	for i, width := range widths {
		cell := ""
		if i < len(values) {
			cell = values[i]
		}
		b.WriteString(" ")
		b.WriteString(padRight(cell, width))
		b.WriteString(" |")
	}
	return b.String()
}

func padRight(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

func formatRate(bps float64) string {
	const (
		k = 1024
		m = 1024 * k
		g = 1024 * m
	)
	if bps >= g {
		return fmt.Sprintf("%.2f GB/s", bps/float64(g))
	}
	if bps >= m {
		return fmt.Sprintf("%.1f MB/s", bps/float64(m))
	}
	if bps >= k {
		return fmt.Sprintf("%.0f KB/s", bps/float64(k))
	}
	return fmt.Sprintf("%.0f B/s", bps)
}

func formatETA(d time.Duration) string {
	if d <= 0 {
		return "--:--:--"
	}
	secs := int(d.Seconds())
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
