package icap

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/odralabshq/polis/internal/config"
)

// ISTag identifies the current service configuration generation.
const ISTag = `"polis-sentinel-1.0"`

const ioBufSize = 16 * 1024

// Server is the ICAP listener. One goroutine per connection; per-request
// state never crosses goroutines.
type Server struct {
	cfg      *config.Config
	services map[string]Service

	mu sync.Mutex
	ln net.Listener
}

// NewServer returns a server with no services registered.
func NewServer(cfg *config.Config) *Server {
	return &Server{cfg: cfg, services: make(map[string]Service)}
}

// Register initializes svc and mounts it at /<name>. Initialization
// errors are startup-fatal.
func (s *Server) Register(svc Service) error {
	if err := svc.InitService(s.cfg); err != nil {
		return fmt.Errorf("init service %s: %w", svc.Name(), err)
	}
	s.services[svc.Name()] = svc
	slog.Info("icap: service registered", "service", svc.Name(), "vector", svc.Vector().String())
	return nil
}

// ListenAndServe listens on the configured address and serves until the
// listener closes.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.ICAP.Addr)
	if err != nil {
		return fmt.Errorf("icap listen %s: %w", s.cfg.ICAP.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	slog.Info("icap: listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("icap accept: %w", err)
		}
		go s.handleConn(conn)
	}
}

// Shutdown closes the listener and tears down all services.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.ln != nil {
		s.ln.Close()
		s.ln = nil
	}
	s.mu.Unlock()
	for _, svc := range s.services {
		svc.CloseService()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReaderSize(conn, ioBufSize)
	w := bufio.NewWriterSize(conn, ioBufSize)
	for {
		if err := s.handleTransaction(r, w); err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("icap: transaction ended", "error", err)
			}
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) handleTransaction(r *bufio.Reader, w *bufio.Writer) error {
	method, uri, err := readICAPRequestLine(r)
	if err != nil {
		return err
	}
	icapHdr, err := readMIMEHeader(r)
	if err != nil {
		return fmt.Errorf("icap headers: %w", err)
	}

	svc, ok := s.services[servicePath(uri)]
	if !ok {
		return writeICAPError(w, "404 ICAP Service not found")
	}

	if method == "OPTIONS" {
		return writeOptions(w, svc)
	}
	if (method == "REQMOD") != (svc.Vector() == ModeReqmod) {
		return writeICAPError(w, "405 Method not allowed for service")
	}

	req, err := s.buildRequest(r, svc, icapHdr)
	if err != nil {
		return err
	}

	data := svc.InitRequestData(req)
	req.Data = data
	defer svc.ReleaseRequestData(data)

	return s.runCallbacks(r, w, svc, req, icapHdr)
}

// buildRequest parses the Encapsulated sections into a Request.
func (s *Server) buildRequest(r *bufio.Reader, svc Service, icapHdr http.Header) (*Request, error) {
	parts, err := parseEncapsulated(icapHdr.Get("Encapsulated"))
	if err != nil {
		return nil, err
	}

	req := &Request{
		Mode:      svc.Vector(),
		ReqHeader: make(http.Header),
		Allow204:  strings.Contains(icapHdr.Get("Allow"), "204"),
		ctx:       context.Background(),
	}

	for i, p := range parts {
		switch p.name {
		case "req-hdr", "res-hdr":
			if i+1 >= len(parts) {
				return nil, fmt.Errorf("encapsulated header section %s has no end offset", p.name)
			}
			raw := make([]byte, parts[i+1].offset-p.offset)
			if _, err := io.ReadFull(r, raw); err != nil {
				return nil, fmt.Errorf("read %s: %w", p.name, err)
			}
			if p.name == "req-hdr" {
				if err := parseRequestHead(raw, req); err != nil {
					return nil, err
				}
			} else {
				if err := parseResponseHead(raw, req); err != nil {
					return nil, err
				}
			}
		case "req-body", "res-body":
			req.HasBody = true
		case "null-body":
		default:
			return nil, fmt.Errorf("unknown encapsulated section %q", p.name)
		}
	}
	return req, nil
}

func (s *Server) runCallbacks(r *bufio.Reader, w *bufio.Writer, svc Service, req *Request, icapHdr http.Header) error {
	feed := func(chunk []byte) error {
		for len(chunk) > 0 {
			_, rn, err := svc.ServiceIO(nil, chunk, false, req)
			if err != nil {
				return fmt.Errorf("service %s read: %w", svc.Name(), err)
			}
			if rn <= 0 {
				return fmt.Errorf("service %s stalled consuming body", svc.Name())
			}
			chunk = chunk[rn:]
		}
		return nil
	}

	bodyDone := !req.HasBody

	if req.HasBody && icapHdr.Get("Preview") != "" {
		var preview []byte
		for {
			chunk, last, ieof, err := readChunk(r)
			if err != nil {
				return err
			}
			if len(chunk) > 0 {
				preview = append(preview, chunk...)
			}
			if last {
				bodyDone = ieof
				break
			}
		}

		verdict := svc.CheckPreview(preview, req)
		if verdict == VerdictAllow204 && req.Allow204 {
			return writeNoModification(w)
		}
		if err := feed(preview); err != nil {
			return err
		}
		if !bodyDone {
			if _, err := io.WriteString(w, "ICAP/1.0 100 Continue\r\n\r\n"); err != nil {
				return err
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}
	} else {
		verdict := svc.CheckPreview(nil, req)
		if verdict == VerdictAllow204 && !req.HasBody && req.Allow204 {
			return writeNoModification(w)
		}
	}

	for !bodyDone {
		chunk, last, _, err := readChunk(r)
		if err != nil {
			return err
		}
		if len(chunk) > 0 {
			if err := feed(chunk); err != nil {
				return err
			}
		}
		if last {
			bodyDone = true
		}
	}

	if _, _, err := svc.ServiceIO(nil, nil, true, req); err != nil {
		return fmt.Errorf("service %s eof: %w", svc.Name(), err)
	}

	verdict := svc.EndOfData(req)
	if verdict == VerdictAllow204 && req.Allow204 {
		return writeNoModification(w)
	}
	return writeModified(w, svc, req)
}

// writeModified emits the ICAP 200 with the (possibly replaced) HTTP head
// and streams the outbound body from the service.
func writeModified(w *bufio.Writer, svc Service, req *Request) error {
	var head bytes.Buffer
	var bodyTag string

	switch {
	case req.ResponseReplaced():
		bodyTag = "res-body"
		head.WriteString(req.synthStatus + "\r\n")
		for _, kv := range req.synthHeader {
			head.WriteString(kv[0] + ": " + kv[1] + "\r\n")
		}
		head.WriteString("\r\n")

	case req.Mode == ModeRespmod:
		bodyTag = "res-body"
		if req.BodyModified {
			req.RespHeader.Del("Content-Length")
		}
		head.WriteString(req.RespStatusLine + "\r\n")
		writeHeader(&head, req.RespHeader)

	default: // REQMOD pass-through or rewritten
		bodyTag = "req-body"
		if req.BodyModified {
			req.ReqHeader.Del("Content-Length")
		}
		head.WriteString(req.Method + " " + req.RequestURI + " HTTP/1.1\r\n")
		writeHeader(&head, req.ReqHeader)
	}

	hasOutBody := req.HasBody || req.ResponseReplaced()
	encap := fmt.Sprintf("%s=%d", bodyTag, head.Len())
	if !hasOutBody {
		encap = fmt.Sprintf("null-body=%d", head.Len())
	}
	hdrTag := "res-hdr"
	if bodyTag == "req-body" {
		hdrTag = "req-hdr"
	}

	fmt.Fprintf(w, "ICAP/1.0 200 OK\r\nISTag: %s\r\nEncapsulated: %s=0, %s\r\n\r\n", ISTag, hdrTag, encap)
	if _, err := w.Write(head.Bytes()); err != nil {
		return err
	}
	if !hasOutBody {
		return w.Flush()
	}

	buf := make([]byte, ioBufSize)
	for {
		wn, _, err := svc.ServiceIO(buf, nil, true, req)
		if err != nil {
			return fmt.Errorf("service %s write: %w", svc.Name(), err)
		}
		if wn == EOF || wn == 0 {
			break
		}
		if err := writeChunk(w, buf[:wn]); err != nil {
			return err
		}
	}
	if err := writeChunkEnd(w); err != nil {
		return err
	}
	return w.Flush()
}

func writeHeader(b *bytes.Buffer, hdr http.Header) {
	keys := make([]string, 0, len(hdr))
	for k := range hdr {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range hdr[k] {
			b.WriteString(k + ": " + v + "\r\n")
		}
	}
	b.WriteString("\r\n")
}

func writeNoModification(w *bufio.Writer) error {
	_, err := fmt.Fprintf(w, "ICAP/1.0 204 No modifications needed\r\nISTag: %s\r\nEncapsulated: null-body=0\r\n\r\n", ISTag)
	if err != nil {
		return err
	}
	return w.Flush()
}

func writeOptions(w *bufio.Writer, svc Service) error {
	_, err := fmt.Fprintf(w,
		"ICAP/1.0 200 OK\r\nMethods: %s\r\nService: polis sentinel\r\nISTag: %s\r\nAllow: 204\r\nPreview: 0\r\nEncapsulated: null-body=0\r\n\r\n",
		svc.Vector().String(), ISTag)
	if err != nil {
		return err
	}
	return w.Flush()
}

func writeICAPError(w *bufio.Writer, status string) error {
	_, err := fmt.Fprintf(w, "ICAP/1.0 %s\r\nISTag: %s\r\nEncapsulated: null-body=0\r\n\r\n", status, ISTag)
	if err != nil {
		return err
	}
	return w.Flush()
}

// --- wire parsing ---

func readICAPRequestLine(r *bufio.Reader) (method, uri string, err error) {
	line, err := readLine(r)
	if err != nil {
		return "", "", err
	}
	fields := strings.Fields(line)
	if len(fields) != 3 || !strings.HasPrefix(fields[2], "ICAP/") {
		return "", "", fmt.Errorf("malformed ICAP request line %q", line)
	}
	return fields[0], fields[1], nil
}

func readMIMEHeader(r *bufio.Reader) (http.Header, error) {
	tp := textproto.NewReader(r)
	mime, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, err
	}
	return http.Header(mime), nil
}

// servicePath extracts the service name from an ICAP URI such as
// icap://sentinel:1344/polis_dlp.
func servicePath(uri string) string {
	rest := uri
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[i+1:]
	} else {
		rest = ""
	}
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

type encapPart struct {
	name   string
	offset int
}

func parseEncapsulated(v string) ([]encapPart, error) {
	if v == "" {
		return nil, errors.New("missing Encapsulated header")
	}
	parts := make([]encapPart, 0, 3)
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		name, offStr, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("malformed Encapsulated entry %q", entry)
		}
		off, err := strconv.Atoi(offStr)
		if err != nil {
			return nil, fmt.Errorf("malformed Encapsulated offset %q: %w", entry, err)
		}
		parts = append(parts, encapPart{name: name, offset: off})
	}
	if !sort.SliceIsSorted(parts, func(i, j int) bool { return parts[i].offset < parts[j].offset }) {
		return nil, errors.New("Encapsulated offsets out of order")
	}
	return parts, nil
}

func parseRequestHead(raw []byte, req *Request) error {
	r := bufio.NewReader(bytes.NewReader(raw))
	line, err := readLine(r)
	if err != nil {
		return fmt.Errorf("request head: %w", err)
	}
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return fmt.Errorf("malformed request line %q", line)
	}
	req.Method, req.RequestURI = fields[0], fields[1]
	hdr, err := readMIMEHeader(r)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("request headers: %w", err)
	}
	if hdr != nil {
		req.ReqHeader = hdr
	}
	return nil
}

func parseResponseHead(raw []byte, req *Request) error {
	r := bufio.NewReader(bytes.NewReader(raw))
	line, err := readLine(r)
	if err != nil {
		return fmt.Errorf("response head: %w", err)
	}
	if !strings.HasPrefix(line, "HTTP/") {
		return fmt.Errorf("malformed status line %q", line)
	}
	req.RespStatusLine = line
	hdr, err := readMIMEHeader(r)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("response headers: %w", err)
	}
	req.RespHeader = hdr
	if req.RespHeader == nil {
		req.RespHeader = make(http.Header)
	}
	return nil
}
