package body

import (
	"fmt"
	"os"
)

// spillThreshold is how many bytes a Store keeps in memory before moving
// its backing to a temporary file.
const spillThreshold = 512 * 1024

// Store captures a full message body regardless of size so it can be
// replayed outbound after the verdict. Small bodies stay in memory; once
// the threshold is crossed the backing spills to a temp file.
type Store struct {
	mem  []byte
	file *os.File
	size int64
}

// NewStore returns an empty passthrough store.
func NewStore() *Store {
	return &Store{}
}

// Write appends p to the store, spilling to disk past the threshold.
func (s *Store) Write(p []byte) (int, error) {
	if s.file == nil && int64(len(s.mem)+len(p)) > spillThreshold {
		f, err := os.CreateTemp("", "polis-body-*")
		if err != nil {
			return 0, fmt.Errorf("spill to disk: %w", err)
		}
		if _, err := f.Write(s.mem); err != nil {
			f.Close()
			os.Remove(f.Name())
			return 0, fmt.Errorf("spill flush: %w", err)
		}
		s.file = f
		s.mem = nil
	}
	if s.file != nil {
		n, err := s.file.Write(p)
		s.size += int64(n)
		if err != nil {
			return n, fmt.Errorf("spill write: %w", err)
		}
		return n, nil
	}
	s.mem = append(s.mem, p...)
	s.size += int64(len(p))
	return len(p), nil
}

// Size returns the number of bytes captured.
func (s *Store) Size() int64 { return s.size }

// ReadAt fills p with stored bytes starting at off and returns the count.
// A read at or past the end returns 0.
func (s *Store) ReadAt(p []byte, off int64) (int, error) {
	if off >= s.size {
		return 0, nil
	}
	if s.file != nil {
		n, err := s.file.ReadAt(p, off)
		if err != nil && n > 0 {
			// partial tail read at EOF
			return n, nil
		}
		if err != nil && n == 0 {
			return 0, fmt.Errorf("spill read: %w", err)
		}
		return n, nil
	}
	n := copy(p, s.mem[off:])
	return n, nil
}

// Replace discards the captured body and substitutes b as the outbound
// source (synthesized error pages, rewritten or re-encoded bodies).
func (s *Store) Replace(b []byte) {
	s.discardFile()
	s.mem = append([]byte(nil), b...)
	s.size = int64(len(b))
}

// Close releases the disk backing, if any.
func (s *Store) Close() {
	s.discardFile()
	s.mem = nil
	s.size = 0
}

func (s *Store) discardFile() {
	if s.file != nil {
		name := s.file.Name()
		s.file.Close()
		os.Remove(name)
		s.file = nil
	}
}
