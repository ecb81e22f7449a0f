package respmod

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
)

// Decompression bomb defense limits.
const (
	maxDecompressSize  = 10 * 1024 * 1024
	maxDecompressRatio = 100
)

// ErrBomb reports a decompression bomb: the body blew the absolute size
// cap or the compression-ratio cap. The caller passes the original body
// through unchanged — a bomb is not grounds to fabricate a block.
var ErrBomb = errors.New("decompression bomb detected")

// inflate decompresses a gzip body with three defenses: the absolute
// cap, the ratio cap, and per-iteration checks so neither is ever
// exceeded mid-inflate by more than one read buffer.
func inflate(in []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(in))
	if err != nil {
		return nil, fmt.Errorf("gzip header: %w", err)
	}
	defer zr.Close()

	initial := 4 * len(in)
	if initial > maxDecompressSize {
		initial = maxDecompressSize
	}
	out := make([]byte, 0, initial)
	buf := make([]byte, 32*1024)
	for {
		n, err := zr.Read(buf)
		out = append(out, buf[:n]...)

		if len(out) > maxDecompressSize {
			return nil, ErrBomb
		}
		if len(in) > 0 && len(out)/len(in) > maxDecompressRatio {
			return nil, ErrBomb
		}

		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("gzip inflate: %w", err)
		}
	}
}

// deflate re-encodes a modified plaintext body back to gzip.
func deflate(in []byte) ([]byte, error) {
	var out bytes.Buffer
	zw := gzip.NewWriter(&out)
	if _, err := zw.Write(in); err != nil {
		zw.Close()
		return nil, fmt.Errorf("gzip deflate: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip flush: %w", err)
	}
	return out.Bytes(), nil
}
