package termio

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriterPreservesOrderAndFlushes(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	w := newWriter(f)
	for _, s := range []string{"alpha ", "beta ", "gamma"} {
		if _, err := w.Write([]byte(s)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	w.flush()

	got, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "alpha beta gamma" {
		t.Fatalf("output = %q, want %q", got, "alpha beta gamma")
	}
}

func TestWriterCopiesCallerBuffer(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	w := newWriter(f)
	buf := []byte("first")
	w.Write(buf)
	copy(buf, "XXXXX")
	w.flush()

	got, _ := os.ReadFile(f.Name())
	if !strings.HasPrefix(string(got), "first") {
		t.Fatalf("output = %q, want the bytes as they were at Write", got)
	}
}

func TestWriterStat(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	info, err := newWriter(f).Stat()
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Mode()&os.ModeCharDevice != 0 {
		t.Fatal("regular file reported as a terminal")
	}
}
