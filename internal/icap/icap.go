// Package icap hosts the sentinel's ICAP/1.0 front-end: a minimal server
// that parses REQMOD/RESPMOD transactions and drives registered services
// through the per-request callback contract (init/release request data,
// preview check, body I/O, end-of-data). Services never touch the wire;
// they see parsed heads and body chunks, and hand back verdicts plus an
// outbound body stream.
package icap

import (
	"context"
	"net/http"

	"github.com/odralabshq/polis/internal/config"
)

// Mode is the ICAP vector a service handles.
type Mode int

const (
	ModeReqmod Mode = iota
	ModeRespmod
)

func (m Mode) String() string {
	if m == ModeRespmod {
		return "RESPMOD"
	}
	return "REQMOD"
}

// Verdict is a service's decision at preview or end-of-data.
type Verdict int

const (
	// VerdictContinue asks for (more of) the body.
	VerdictContinue Verdict = iota
	// VerdictAllow204 passes the message through unmodified.
	VerdictAllow204
	// VerdictDone means the (possibly replaced) message is ready to stream.
	VerdictDone
)

// EOF is returned as the write length from ServiceIO when the service has
// no more outbound body bytes.
const EOF = -1

// Service is the per-request callback contract, consumed from the host
// front-end. All callbacks for one request run on one goroutine; state
// travels on the Request handle, never in goroutine-locals.
type Service interface {
	// Name is the ICAP service name, which is also its URI path.
	Name() string
	// Vector reports which ICAP method the service handles.
	Vector() Mode
	// InitService runs once before the listener starts. An error refuses
	// startup.
	InitService(cfg *config.Config) error
	// CloseService runs once at shutdown.
	CloseService()
	// InitRequestData allocates per-request state.
	InitRequestData(req *Request) any
	// ReleaseRequestData is the sole release point for per-request state,
	// called exactly once including on error paths.
	ReleaseRequestData(data any)
	// CheckPreview sees the preview bytes (possibly nil) and decides
	// whether to continue, allow, or finish.
	CheckPreview(preview []byte, req *Request) Verdict
	// EndOfData runs after the last body byte has been consumed.
	EndOfData(req *Request) Verdict
	// ServiceIO moves body bytes. r carries inbound body bytes for the
	// service to consume (rn = bytes consumed); eof marks the end of the
	// inbound stream. w, when non-nil, receives outbound bytes
	// (wn = bytes written, or EOF when the output is exhausted).
	ServiceIO(w, r []byte, eof bool, req *Request) (wn, rn int, err error)
}

// Request is the per-transaction handle passed to every callback.
type Request struct {
	Mode Mode

	// Encapsulated HTTP request head (REQMOD and RESPMOD).
	Method     string
	RequestURI string
	ReqHeader  http.Header

	// Encapsulated HTTP response head (RESPMOD only).
	RespStatusLine string
	RespHeader     http.Header

	// HasBody reports whether the transaction carries a body section.
	HasBody bool
	// Allow204 reports whether the ICAP client accepts a 204 reply.
	Allow204 bool

	// BodyModified tells the front-end the outbound body differs in
	// length from the original, so the Content-Length header must go.
	BodyModified bool

	// Data is the service's per-request state, set from InitRequestData.
	Data any

	ctx context.Context

	synthStatus string
	synthHeader [][2]string
}

// Context returns the per-request context.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// Host returns the destination host of the encapsulated request, without
// any port.
func (r *Request) Host() string {
	return stripPort(r.ReqHeader.Get("Host"))
}

// ResponseHost returns the host a RESPMOD response came from: response
// headers first, falling back to the originating request's Host.
func (r *Request) ResponseHost() string {
	if h := r.RespHeader.Get("Host"); h != "" {
		return stripPort(h)
	}
	return r.Host()
}

// ReplaceResponse swaps the encapsulated message for a synthesized HTTP
// response. Headers keep their given order on the wire. The body, if any,
// still streams through ServiceIO.
func (r *Request) ReplaceResponse(statusLine string, headers [][2]string) {
	r.synthStatus = statusLine
	r.synthHeader = headers
	r.BodyModified = true
}

// ResponseReplaced reports whether ReplaceResponse was called.
func (r *Request) ResponseReplaced() bool { return r.synthStatus != "" }

// SynthesizedStatus returns the replacement status line, if any.
func (r *Request) SynthesizedStatus() string { return r.synthStatus }

// SynthesizedHeaders returns the replacement headers in wire order.
func (r *Request) SynthesizedHeaders() [][2]string { return r.synthHeader }

func stripPort(host string) string {
	for i := 0; i < len(host); i++ {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}
