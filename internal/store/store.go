// Package store gives random access to the lines of the backing log file.
//
// All reads are positional (ReadAt), so a Store carries no read cursor and
// may be shared by any number of concurrent query workers.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

const initialReadSize = 256

var ErrInvalidOffset = errors.New("offset is not a line start")

// Fingerprint identifies one version of a log file.
type Fingerprint struct {
	Path    string
	Size    int64
	ModTime time.Time
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%s:%d:%d", f.Path, f.Size, f.ModTime.UnixNano())
}

type Store struct {
	file        *os.File
	fingerprint Fingerprint
}

// Open opens the log at path for reading.
func Open(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat log file: %w", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("opening log file: %s is a directory", path)
	}
	return &Store{
		file: f,
		fingerprint: Fingerprint{
			Path:    path,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		},
	}, nil
}

// FetchLine returns the line that begins exactly at offset, without its
// terminator. The byte before offset must be a newline unless offset is 0.
func (s *Store) FetchLine(offset int64) (string, error) {
	size := s.fingerprint.Size
	if offset < 0 || offset >= size {
		return "", fmt.Errorf("%w: %d outside [0, %d)", ErrInvalidOffset, offset, size)
	}
	// Read from the byte before offset so the line-start check and the line
	// itself come from the same read.
	body := 0
	if offset > 0 {
		body = 1
	}
	start := offset - int64(body)
	buf := make([]byte, initialReadSize)
	scanned := 0
	for {
		n, err := s.file.ReadAt(buf[scanned:], start+int64(scanned))
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("reading line at offset %d: %w", offset, err)
		}
		if scanned == 0 && body == 1 && (n == 0 || buf[0] != '\n') {
			return "", fmt.Errorf("%w: %d", ErrInvalidOffset, offset)
		}
		from, end := max(scanned, body), scanned+n
		if from < end {
			if i := bytes.IndexByte(buf[from:end], '\n'); i >= 0 {
				return trimCR(buf[body : from+i]), nil
			}
		}
		scanned = end
		if errors.Is(err, io.EOF) || start+int64(scanned) >= size {
			return trimCR(buf[body:scanned]), nil
		}
		if scanned == len(buf) {
			grown := make([]byte, len(buf)*2)
			copy(grown, buf)
			buf = grown
		}
	}
}

// Fingerprint reports the path, size and modification time observed at open.
func (s *Store) Fingerprint() Fingerprint {
	return s.fingerprint
}

func (s *Store) Path() string {
	return s.fingerprint.Path
}

func (s *Store) Size() int64 {
	return s.fingerprint.Size
}

func (s *Store) Close() error {
	return s.file.Close()
}

func trimCR(b []byte) string {
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	return string(b)
}
