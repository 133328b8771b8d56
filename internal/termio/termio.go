// Package termio serializes CLI output through one goroutine per stream, so
// the progress renderer and event printer never interleave partial writes.
package termio

import (
	"io"
	"os"
	"sync"
)

type item struct {
	buf []byte
	ack chan struct{}
}

type writer struct {
	file *os.File
	ch   chan item
}

func (w *writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	w.ch <- item{buf: buf}
	return len(p), nil
}

// Stat lets progress.IsTTY see through the writer.
func (w *writer) Stat() (os.FileInfo, error) {
	return w.file.Stat()
}

func (w *writer) flush() {
	ack := make(chan struct{})
	w.ch <- item{ack: ack}
	<-ack
}

type manager struct {
	once   sync.Once
	stdout *writer
	stderr *writer
}

var global manager

func Init() {
	global.once.Do(func() {
		global.stdout = newWriter(os.Stdout)
		global.stderr = newWriter(os.Stderr)
	})
}

func newWriter(f *os.File) *writer {
	w := &writer{
		file: f,
		ch:   make(chan item, 1024),
	}
	go func() {
		for it := range w.ch {
			if it.ack != nil {
				close(it.ack)
				continue
			}
			_, _ = w.file.Write(it.buf)
		}
	}()
	return w
}

func Stdout() io.Writer {
	Init()
	return global.stdout
}

func Stderr() io.Writer {
	Init()
	return global.stderr
}

func StdoutFile() *os.File {
	Init()
	return global.stdout.file
}

func StderrFile() *os.File {
	Init()
	return global.stderr.file
}

// Flush blocks until everything written so far reached the terminal. Call it
// before os.Exit.
func Flush() {
	Init()
	global.stdout.flush()
	global.stderr.flush()
}
