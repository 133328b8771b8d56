package transfer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/sheerbytes/dropzone/internal/bufpool"
)

const (
	partSuffix         = ".part"
	maxPublishAttempts = 100
)

var hashBuffers = bufpool.New(DefaultChunkSize)

// ChunkSource reads file bytes by offset. Implementations never buffer the whole
// file.
type ChunkSource interface {
	// ReadChunk fills buf from offset. It returns the number of bytes read; a short
	// read is only allowed at the end of the file.
	ReadChunk(offset int64, buf []byte) (int, error)
	Close() error
}

// ChunkSink writes file bytes by offset into a destination that only becomes
// visible under its final name on Commit.
type ChunkSink interface {
	WriteChunk(offset int64, p []byte) error
	// Commit flushes and closes the destination and publishes it.
	Commit() (string, error)
	// Discard closes and removes the partial destination.
	Discard() error
}

// FileSource is a ChunkSource over a regular file.
type FileSource struct {
	f    *os.File
	name string
	size int64
}

// OpenSource opens path for chunked reading.
func OpenSource(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	return &FileSource{f: f, name: info.Name(), size: info.Size()}, nil
}

// Name returns the base name of the file.
func (s *FileSource) Name() string { return s.name }

// Size returns the file size at open time.
func (s *FileSource) Size() int64 { return s.size }

func (s *FileSource) ReadChunk(offset int64, buf []byte) (int, error) {
	n, err := s.f.ReadAt(buf, offset)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

func (s *FileSource) Close() error {
	return s.f.Close()
}

// FileSink writes into "<final>.part" and renames it on Commit.
type FileSink struct {
	dir   string
	name  string
	part  string
	f     *os.File
	final string
}

// CreateSink prepares a sink for a file called name inside dir. name is reduced
// to its base name so a peer cannot write outside dir.
func CreateSink(dir, name string, size int64) (*FileSink, error) {
	base, err := SanitizeName(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	part, err := os.CreateTemp(dir, "."+base+".*"+partSuffix)
	if err != nil {
		return nil, err
	}
	if size > 0 {
		if err := part.Truncate(size); err != nil {
			part.Close()
			os.Remove(part.Name())
			return nil, err
		}
	}
	return &FileSink{dir: dir, name: base, part: part.Name(), f: part}, nil
}

// PartPath returns the path of the partial file.
func (s *FileSink) PartPath() string { return s.part }

func (s *FileSink) WriteChunk(offset int64, p []byte) error {
	n, err := s.f.WriteAt(p, offset)
	if err != nil {
		return err
	}
	if n != len(p) {
		return io.ErrShortWrite
	}
	return nil
}

// Sum returns the BLAKE2b-256 of the partial file.
func (s *FileSink) Sum(ctx context.Context) (string, error) {
	if err := s.f.Sync(); err != nil {
		return "", err
	}
	return hashReader(ctx, io.NewSectionReader(s.f, 0, 1<<62))
}

func (s *FileSink) Commit() (string, error) {
	if err := s.f.Sync(); err != nil {
		s.Discard()
		return "", err
	}
	if err := s.f.Close(); err != nil {
		os.Remove(s.part)
		return "", err
	}
	final, err := s.publish()
	os.Remove(s.part)
	if err != nil {
		return "", err
	}
	s.final = final
	return final, nil
}

// publish hard-links the partial file under a free name. Link fails instead of
// replacing a file another sink committed between UniqueName and the link, so a
// taken name is retried with the next candidate.
func (s *FileSink) publish() (string, error) {
	for attempt := 0; attempt < maxPublishAttempts; attempt++ {
		final, err := UniqueName(s.dir, s.name)
		if err != nil {
			return "", err
		}
		err = os.Link(s.part, final)
		if err == nil {
			return final, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("no free name for %s in %s", s.name, s.dir)
}

func (s *FileSink) Discard() error {
	s.f.Close()
	if err := os.Remove(s.part); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// SanitizeName reduces a peer-supplied file name to a safe base name.
func SanitizeName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == ".." || base == "" {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return base, nil
}

// UniqueName returns a path in dir for name that does not exist yet, adding
// " (1)", " (2)", ... before the extension as needed.
func UniqueName(dir, name string) (string, error) {
	candidate := filepath.Join(dir, name)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; i < 10000; i++ {
		_, err := os.Lstat(candidate)
		if errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
	}
	return "", fmt.Errorf("no free name for %s in %s", name, dir)
}

// HashFile returns the hex BLAKE2b-256 of the file at path.
func HashFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return hashReader(ctx, f)
}

func hashReader(ctx context.Context, r io.Reader) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	buf := hashBuffers.Get()
	defer hashBuffers.Put(buf)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
