package icap

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxChunkLine sets the line limit readLine enforces on every line it
// reads (chunk-size lines and heads alike): a line longer than eight times
// this, 1024 bytes, is a protocol violation.
const maxChunkLine = 128

// readChunk reads one ICAP chunk. It returns the chunk payload (nil for
// the terminating zero chunk), whether this was the final chunk, and
// whether the client signalled ieof (preview contains the entire body).
func readChunk(r *bufio.Reader) (data []byte, last, ieof bool, err error) {
	line, err := readLine(r)
	if err != nil {
		return nil, false, false, err
	}
	sizeStr := line
	if i := strings.IndexByte(line, ';'); i >= 0 {
		sizeStr = line[:i]
		if strings.Contains(line[i:], "ieof") {
			ieof = true
		}
	}
	size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 32)
	if err != nil {
		return nil, false, false, fmt.Errorf("bad chunk size %q: %w", line, err)
	}
	if size == 0 {
		// Terminator: consume the trailing CRLF.
		if _, err := readLine(r); err != nil && err != io.EOF {
			return nil, true, ieof, err
		}
		return nil, true, ieof, nil
	}
	data = make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, false, false, fmt.Errorf("short chunk read: %w", err)
	}
	if _, err := readLine(r); err != nil {
		return nil, false, false, fmt.Errorf("chunk trailer: %w", err)
	}
	return data, false, ieof, nil
}

// writeChunk emits one chunk in hex-length framing.
func writeChunk(w io.Writer, data []byte) error {
	if _, err := fmt.Fprintf(w, "%x\r\n", len(data)); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// writeChunkEnd emits the zero-length terminator.
func writeChunkEnd(w io.Writer) error {
	_, err := io.WriteString(w, "0\r\n\r\n")
	return err
}

// readLine reads a CRLF-terminated line without the terminator.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) > maxChunkLine*8 {
		return "", fmt.Errorf("header line too long (%d bytes)", len(line))
	}
	return strings.TrimRight(line, "\r\n"), nil
}
