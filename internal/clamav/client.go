// Package clamav speaks the clamd INSTREAM protocol: the literal
// "zINSTREAM\0" command, the body as 4-byte big-endian length-prefixed
// frames of at most 16 KiB, a zero-length terminator frame, then a single
// response line. Each scan uses a fresh connection with hard deadlines; a
// circuit breaker stops hammering a daemon that keeps failing.
package clamav

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/odralabshq/polis/internal/config"
	"github.com/odralabshq/polis/internal/metrics"
)

const (
	chunkSize       = 16 * 1024
	scanTimeout     = 30 * time.Second
	maxResponseLine = 1024
)

// Result is a completed scan verdict.
type Result struct {
	Infected bool
	Virus    string
}

// Scanner is the AV surface the RESPMOD engine depends on.
type Scanner interface {
	Scan(ctx context.Context, body []byte) (Result, error)
}

// Client scans bodies against a clamd daemon over TCP or a Unix socket.
type Client struct {
	network string // "tcp" or "unix"
	addr    string
	breaker *breaker

	// dial is swappable in tests.
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewClient builds a client from config: an explicit socket path selects
// Unix-domain mode, otherwise TCP host:port. Breaker open/close
// transitions drive the breaker-state gauge on m.
func NewClient(cfg config.ClamdConfig, m *metrics.Metrics) *Client {
	c := &Client{breaker: newBreaker(func(open bool) {
		if open {
			m.BreakerOpen.Set(1)
		} else {
			m.BreakerOpen.Set(0)
		}
	})}
	if cfg.Socket != "" {
		c.network = "unix"
		c.addr = cfg.Socket
	} else {
		c.network = "tcp"
		c.addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}
	var d net.Dialer
	c.dial = d.DialContext
	return c
}

// Scan streams body to clamd and interprets the verdict line. A line
// containing FOUND reports the virus name; OK is clean; anything else is
// an error. While the breaker is open the call fails immediately with
// ErrCircuitOpen.
func (c *Client) Scan(ctx context.Context, body []byte) (Result, error) {
	if !c.breaker.allow() {
		return Result{}, ErrCircuitOpen
	}

	res, err := c.scanOnce(ctx, body)
	if err != nil {
		c.breaker.recordFailure()
		return Result{}, err
	}
	c.breaker.recordSuccess()
	return res, nil
}

func (c *Client) scanOnce(ctx context.Context, body []byte) (Result, error) {
	conn, err := c.dial(ctx, c.network, c.addr)
	if err != nil {
		return Result{}, fmt.Errorf("dial clamd %s: %w", c.addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(scanTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return Result{}, fmt.Errorf("set clamd deadline: %w", err)
	}

	if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
		return Result{}, fmt.Errorf("send INSTREAM command: %w", err)
	}

	var frame [4]byte
	for off := 0; off < len(body); off += chunkSize {
		end := off + chunkSize
		if end > len(body) {
			end = len(body)
		}
		binary.BigEndian.PutUint32(frame[:], uint32(end-off))
		if _, err := conn.Write(frame[:]); err != nil {
			return Result{}, fmt.Errorf("send chunk header: %w", err)
		}
		if _, err := conn.Write(body[off:end]); err != nil {
			return Result{}, fmt.Errorf("send chunk body: %w", err)
		}
	}

	// Zero-length terminator frame.
	binary.BigEndian.PutUint32(frame[:], 0)
	if _, err := conn.Write(frame[:]); err != nil {
		return Result{}, fmt.Errorf("send terminator: %w", err)
	}

	line, err := readResponseLine(conn)
	if err != nil {
		return Result{}, fmt.Errorf("read clamd verdict: %w", err)
	}
	return parseVerdict(line)
}

func readResponseLine(conn net.Conn) (string, error) {
	r := bufio.NewReaderSize(conn, maxResponseLine)
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	if len(line) > maxResponseLine {
		line = line[:maxResponseLine]
	}
	return strings.TrimRight(line, "\x00\r\n"), nil
}

// parseVerdict interprets a clamd reply such as
// "stream: Eicar-Test-Signature FOUND" or "stream: OK".
func parseVerdict(line string) (Result, error) {
	switch {
	case strings.Contains(line, "FOUND"):
		return Result{Infected: true, Virus: virusName(line)}, nil
	case strings.Contains(line, "OK"):
		return Result{}, nil
	default:
		return Result{}, fmt.Errorf("unexpected clamd reply %q", line)
	}
}

func virusName(line string) string {
	name := strings.TrimSuffix(strings.TrimSpace(line), "FOUND")
	if i := strings.Index(name, ":"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "Unknown"
	}
	return name
}
