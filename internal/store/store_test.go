package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func writeLog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "track.txt")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing log: %v", err)
	}
	return path
}

func openStore(t *testing.T, content string) *Store {
	t.Helper()
	s, err := Open(writeLog(t, content))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFetchLine(t *testing.T) {
	long := strings.Repeat("9", 1000)
	content := "first\nsecond\r\n\n" + long + "\nlast"
	s := openStore(t, content)

	tests := []struct {
		offset int64
		want   string
	}{
		{0, "first"},
		{6, "second"},
		{14, ""},
		{15, long},
		{int64(16 + len(long)), "last"},
	}
	for _, tt := range tests {
		got, err := s.FetchLine(tt.offset)
		if err != nil {
			t.Fatalf("FetchLine(%d): %v", tt.offset, err)
		}
		if got != tt.want {
			t.Errorf("FetchLine(%d) = %q, want %q", tt.offset, got, tt.want)
		}
	}
}

func TestFetchLineRejectsNonLineStart(t *testing.T) {
	s := openStore(t, "alpha\nbeta\n")
	for _, off := range []int64{-1, 1, 7, 11, 100} {
		if _, err := s.FetchLine(off); !errors.Is(err, ErrInvalidOffset) {
			t.Errorf("FetchLine(%d): expected ErrInvalidOffset, got %v", off, err)
		}
	}
}

func TestFetchLineConcurrent(t *testing.T) {
	var b strings.Builder
	offsets := make([]int64, 0, 500)
	for i := 0; i < 500; i++ {
		offsets = append(offsets, int64(b.Len()))
		b.WriteString(strings.Repeat(string(rune('a'+i%26)), i%40+1))
		b.WriteByte('\n')
	}
	s := openStore(t, b.String())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i, off := range offsets {
				got, err := s.FetchLine(off)
				if err != nil {
					errs <- err
					return
				}
				if len(got) != i%40+1 || got[0] != byte('a'+i%26) {
					errs <- errors.New("interleaved read: " + got)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestOpenMissingFile(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "nope.txt")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFingerprint(t *testing.T) {
	s := openStore(t, "a\nb\n")
	fp := s.Fingerprint()
	if fp.Size != 4 || s.Size() != 4 {
		t.Errorf("size = %d", fp.Size)
	}
	if !strings.HasPrefix(fp.String(), s.Path()+":4:") {
		t.Errorf("fingerprint string = %q", fp.String())
	}
}
