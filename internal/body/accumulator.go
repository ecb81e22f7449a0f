// Package body accumulates request/response bodies arriving in
// arbitrary-size chunks from the ICAP I/O callbacks. It maintains three
// views of the stream: a capped in-memory scan buffer, a rolling tail
// window of the last bytes seen, and a full passthrough store.
//
// The tail window exists because an attacker who knows the scan cap can
// push a credential past it with padding; scanning the last TailSize
// bytes closes that hole.
package body

import "bytes"

const (
	// ReqmodScanCap bounds the REQMOD scan buffer.
	ReqmodScanCap = 1 * 1024 * 1024
	// RespmodScanCap bounds the RESPMOD scan buffer.
	RespmodScanCap = 2 * 1024 * 1024
	// TailSize is the rolling tail window length.
	TailSize = 10 * 1024
)

// Accumulator is the per-request body sink. Not safe for concurrent use;
// each request's callbacks own exactly one.
type Accumulator struct {
	scanCap int
	scan    []byte
	total   int64
	pass    *Store

	tail     [TailSize]byte
	tailLen  int
	tailNext int // ring write position once the window is full
}

// NewAccumulator returns an accumulator with the given scan cap.
func NewAccumulator(scanCap int) *Accumulator {
	return &Accumulator{
		scanCap: scanCap,
		pass:    NewStore(),
	}
}

// Write feeds one body chunk into all three views.
func (a *Accumulator) Write(p []byte) (int, error) {
	if room := a.scanCap - len(a.scan); room > 0 {
		n := room
		if n > len(p) {
			n = len(p)
		}
		a.scan = append(a.scan, p[:n]...)
	}
	a.writeTail(p)
	a.total += int64(len(p))
	return a.pass.Write(p)
}

func (a *Accumulator) writeTail(p []byte) {
	// Only the final TailSize bytes of p matter.
	if len(p) > TailSize {
		p = p[len(p)-TailSize:]
		a.tailLen = 0
		a.tailNext = 0
	}
	for _, b := range p {
		if a.tailLen < TailSize {
			a.tail[a.tailLen] = b
			a.tailLen++
			continue
		}
		a.tail[a.tailNext] = b
		a.tailNext = (a.tailNext + 1) % TailSize
	}
}

// Scan returns the capped scan buffer. The slice aliases internal storage;
// the OTT rewrite writes token bytes into it in place.
func (a *Accumulator) Scan() []byte { return a.scan }

// Total returns the number of body bytes observed.
func (a *Accumulator) Total() int64 { return a.total }

// Overflowed reports whether the body exceeded the scan cap, meaning the
// tail window must also be scanned.
func (a *Accumulator) Overflowed() bool { return a.total > int64(a.scanCap) }

// Tail returns the last min(Total, TailSize) bytes in stream order.
func (a *Accumulator) Tail() []byte {
	if a.tailLen < TailSize {
		return append([]byte(nil), a.tail[:a.tailLen]...)
	}
	out := make([]byte, 0, TailSize)
	out = append(out, a.tail[a.tailNext:]...)
	out = append(out, a.tail[:a.tailNext]...)
	return out
}

// TailSegments splits the tail window on NUL bytes and returns the
// non-empty runs. Embedded NULs act as segment separators so a NUL can
// never mask the bytes behind it from a scan.
func (a *Accumulator) TailSegments() [][]byte {
	segs := make([][]byte, 0, 4)
	for _, run := range bytes.Split(a.Tail(), []byte{0}) {
		if len(run) > 0 {
			segs = append(segs, run)
		}
	}
	return segs
}

// Passthrough returns the full-body store used to replay the original or
// substituted body outbound.
func (a *Accumulator) Passthrough() *Store { return a.pass }

// Release frees all per-request buffers. Called exactly once, from the
// framework's release callback.
func (a *Accumulator) Release() {
	a.pass.Close()
	a.scan = nil
}
