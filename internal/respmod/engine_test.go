package respmod

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/odralabshq/polis/internal/clamav"
	"github.com/odralabshq/polis/internal/config"
	"github.com/odralabshq/polis/internal/icap"
	"github.com/odralabshq/polis/internal/metrics"
	"github.com/odralabshq/polis/internal/store"
)

type memExec struct{ mem *store.Memory }

func (m memExec) With(ctx context.Context, role store.Role, fn func(store.Commands) error) error {
	return fn(m.mem)
}

// stubScanner returns a fixed verdict.
type stubScanner struct {
	res clamav.Result
	err error
}

func (s stubScanner) Scan(ctx context.Context, body []byte) (clamav.Result, error) {
	return s.res, s.err
}

func newEngine(t *testing.T, mem *store.Memory, scanner clamav.Scanner) *Engine {
	t.Helper()
	e := New(memExec{mem}, scanner, metrics.New(nil))
	err := e.InitService(&config.Config{
		Approval: config.ApprovalConfig{Domains: []string{".api.telegram.org"}, TimeGateSecs: 15, OTTTTLSecs: 600},
	})
	if err != nil {
		t.Fatalf("InitService: %v", err)
	}
	return e
}

func runResponse(t *testing.T, e *Engine, host string, hdr http.Header, bodyBytes []byte) (icap.Verdict, *icap.Request, []byte) {
	t.Helper()
	if hdr == nil {
		hdr = make(http.Header)
	}
	req := &icap.Request{
		Mode:           icap.ModeRespmod,
		Method:         "GET",
		RequestURI:     "/",
		ReqHeader:      http.Header{"Host": {host}},
		RespStatusLine: "HTTP/1.1 200 OK",
		RespHeader:     hdr,
		HasBody:        len(bodyBytes) > 0,
		Allow204:       true,
	}
	data := e.InitRequestData(req)
	req.Data = data
	defer e.ReleaseRequestData(data)

	e.CheckPreview(nil, req)
	rest := bodyBytes
	for len(rest) > 0 {
		_, rn, err := e.ServiceIO(nil, rest, false, req)
		if err != nil {
			t.Fatalf("ServiceIO read: %v", err)
		}
		rest = rest[rn:]
	}
	if _, _, err := e.ServiceIO(nil, nil, true, req); err != nil {
		t.Fatalf("ServiceIO eof: %v", err)
	}
	verdict := e.EndOfData(req)

	var out []byte
	buf := make([]byte, 1024)
	for {
		wn, _, err := e.ServiceIO(buf, nil, true, req)
		if err != nil {
			t.Fatalf("ServiceIO write: %v", err)
		}
		if wn == icap.EOF || wn == 0 {
			break
		}
		out = append(out, buf[:wn]...)
	}
	return verdict, req, out
}

func seedApproval(t *testing.T, mem *store.Memory, ott, requestID string, armedAfter int64, originHost string) {
	t.Helper()
	ctx := context.Background()
	mapping := `{"ott_code":"` + ott + `","request_id":"` + requestID +
		`","armed_after":` + strconv.FormatInt(armedAfter, 10) + `,"origin_host":"` + originHost + `"}`
	mem.SetEX(ctx, "polis:ott:"+ott, mapping, 10*time.Minute)
	mem.SetEX(ctx, "polis:blocked:"+requestID,
		`{"destination":"https://httpbin.org/post"}`, time.Hour)
}

func gzipBytes(t *testing.T, plain []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(plain); err != nil {
		t.Fatal(err)
	}
	zw.Close()
	return buf.Bytes()
}

func TestVirusBlocks(t *testing.T) {
	e := newEngine(t, store.NewMemory(), stubScanner{res: clamav.Result{Infected: true, Virus: "Eicar-Test-Signature"}})
	verdict, req, out := runResponse(t, e, "downloads.example.com", nil, []byte("X5O!..."))
	if verdict != icap.VerdictDone {
		t.Fatalf("verdict = %v", verdict)
	}
	if !req.ResponseReplaced() {
		t.Fatal("expected synthesized 403")
	}
	if !strings.Contains(string(out), "Eicar-Test-Signature") {
		t.Error("threat name missing from block page")
	}
}

func TestScannerDownFailsClosed(t *testing.T) {
	e := newEngine(t, store.NewMemory(), stubScanner{err: errors.New("dial clamd: refused")})
	verdict, _, out := runResponse(t, e, "random.example.com", nil, []byte("data"))
	if verdict != icap.VerdictDone {
		t.Fatalf("verdict = %v, want blocked Done", verdict)
	}
	if !strings.Contains(string(out), "Scanner Unavailable") {
		t.Error("scanner-unavailable page missing")
	}
}

func TestScannerDownFailsOpenForRegistries(t *testing.T) {
	e := newEngine(t, store.NewMemory(), stubScanner{err: errors.New("dial clamd: refused")})
	verdict, _, _ := runResponse(t, e, "registry.npmjs.org", nil, []byte("tarball bytes"))
	if verdict != icap.VerdictAllow204 {
		t.Fatalf("registry download should fail open, got %v", verdict)
	}
}

func TestCircuitOpenAlsoFailsClosed(t *testing.T) {
	e := newEngine(t, store.NewMemory(), stubScanner{err: clamav.ErrCircuitOpen})
	verdict, _, _ := runResponse(t, e, "random.example.com", nil, []byte("data"))
	if verdict != icap.VerdictDone {
		t.Fatalf("open breaker should fail closed for unknown hosts, got %v", verdict)
	}
}

func TestNonChannelHostPassesThrough(t *testing.T) {
	mem := store.NewMemory()
	seedApproval(t, mem, "ott-ABCDEFGH", "req-12345678", time.Now().Unix()-1, "api.slack.com")
	e := newEngine(t, mem, stubScanner{})

	verdict, _, _ := runResponse(t, e, "api.slack.com", nil, []byte(`{"text":"ott-ABCDEFGH"}`))
	if verdict != icap.VerdictAllow204 {
		t.Fatalf("non-allowlisted channel should pass through, got %v", verdict)
	}
	if _, found, _ := mem.Get(context.Background(), "polis:ott:ott-ABCDEFGH"); !found {
		t.Error("ott must not be consumed outside the messaging allowlist")
	}
}

func TestApprovalCommit(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	seedApproval(t, mem, "ott-ABCDEFGH", "req-12345678", time.Now().Unix()-1, "api.telegram.org")
	e := newEngine(t, mem, stubScanner{})

	bodyIn := []byte(`{"ok":true,"text":"ott-ABCDEFGH"}`)
	verdict, req, out := runResponse(t, e, "api.telegram.org", nil, bodyIn)
	if verdict != icap.VerdictDone {
		t.Fatalf("verdict = %v, want Done", verdict)
	}
	if req.BodyModified {
		t.Error("plaintext strip preserves length; Content-Length must survive")
	}

	want := strings.Replace(string(bodyIn), "ott-ABCDEFGH", "************", 1)
	if string(out) != want {
		t.Fatalf("out = %q, want %q", out, want)
	}

	if _, found, _ := mem.Get(ctx, "polis:ott:ott-ABCDEFGH"); found {
		t.Error("ott key should be consumed")
	}
	if found, _ := mem.Exists(ctx, "polis:blocked:req-12345678"); found {
		t.Error("blocked record should be deleted")
	}
	if v, found, _ := mem.Get(ctx, "polis:approved:req-12345678"); !found || v != "approved" {
		t.Error("per-request approval missing")
	}
	if ttl := mem.TTL("polis:approved:req-12345678"); ttl <= 0 || ttl > 300*time.Second {
		t.Errorf("approval TTL = %v", ttl)
	}
	if found, _ := mem.Exists(ctx, "polis:approved:host:httpbin.org"); !found {
		t.Error("host-scoped approval should use the blocked record's destination host")
	}

	audited := false
	for _, m := range mem.Members("polis:log:events") {
		if strings.Contains(m, `"event":"approved_via_proxy"`) &&
			strings.Contains(m, `"request_id":"req-12345678"`) &&
			strings.Contains(m, `"ott_code":"ott-ABCDEFGH"`) {
			audited = true
		}
	}
	if !audited {
		t.Error("approved_via_proxy audit event missing")
	}
}

func TestApprovalIdempotence(t *testing.T) {
	mem := store.NewMemory()
	seedApproval(t, mem, "ott-ABCDEFGH", "req-12345678", time.Now().Unix()-1, "api.telegram.org")
	e := newEngine(t, mem, stubScanner{})

	if out := e.commitApproval(context.Background(), "api.telegram.org", "ott-ABCDEFGH"); out != outcomeApproved {
		t.Fatalf("first commit = %v, want approved", out)
	}
	if out := e.commitApproval(context.Background(), "api.telegram.org", "ott-ABCDEFGH"); out != outcomeSkipped {
		t.Fatalf("second commit = %v, want skipped", out)
	}
}

func TestTimeGateRejectsEarly(t *testing.T) {
	mem := store.NewMemory()
	seedApproval(t, mem, "ott-ABCDEFGH", "req-12345678", time.Now().Unix()+10, "api.telegram.org")
	e := newEngine(t, mem, stubScanner{})

	verdict, _, _ := runResponse(t, e, "api.telegram.org", nil, []byte(`"ott-ABCDEFGH"`))
	// Unconsumed tokens are not stripped; body passes unmodified.
	if verdict != icap.VerdictAllow204 {
		t.Fatalf("verdict = %v, want Allow204", verdict)
	}
	if _, found, _ := mem.Get(context.Background(), "polis:ott:ott-ABCDEFGH"); !found {
		t.Error("unarmed ott must not be consumed")
	}
	if found, _ := mem.Exists(context.Background(), "polis:blocked:req-12345678"); !found {
		t.Error("blocked record must survive a time-gate skip")
	}
}

func TestTimeGateExactEqualityPermits(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now()
	seedApproval(t, mem, "ott-ABCDEFGH", "req-12345678", now.Unix(), "api.telegram.org")
	e := newEngine(t, mem, stubScanner{})
	e.now = func() time.Time { return now }

	if out := e.commitApproval(context.Background(), "api.telegram.org", "ott-ABCDEFGH"); out != outcomeApproved {
		t.Fatalf("now == armed_after must permit, got %v", out)
	}
}

func TestCrossChannelReplayRejected(t *testing.T) {
	mem := store.NewMemory()
	seedApproval(t, mem, "ott-ABCDEFGH", "req-12345678", time.Now().Unix()-1, "api.telegram.org")
	e := newEngine(t, mem, stubScanner{})
	// Widen the allowlist so slack reaches the token scan.
	e.approvalDomains = []string{".api.telegram.org", ".api.slack.com"}

	verdict, _, _ := runResponse(t, e, "api.slack.com", nil, []byte(`"ott-ABCDEFGH"`))
	if verdict != icap.VerdictAllow204 {
		t.Fatalf("verdict = %v", verdict)
	}
	if _, found, _ := mem.Get(context.Background(), "polis:ott:ott-ABCDEFGH"); !found {
		t.Error("cross-channel replay must not consume the ott")
	}
}

func TestOriginHostCaseInsensitive(t *testing.T) {
	mem := store.NewMemory()
	seedApproval(t, mem, "ott-ABCDEFGH", "req-12345678", time.Now().Unix()-1, "API.Telegram.ORG")
	e := newEngine(t, mem, stubScanner{})
	if out := e.commitApproval(context.Background(), "api.telegram.org", "ott-ABCDEFGH"); out != outcomeApproved {
		t.Fatalf("case-only host difference must permit, got %v", out)
	}
}

func TestMalformedMappingNoStateChange(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	mem.SetEX(ctx, "polis:ott:ott-ABCDEFGH", `{"ott_code":"ott-ABCDEFGH","request_id":"req-12345678"}`, time.Hour)
	mem.SetEX(ctx, "polis:blocked:req-12345678", `{}`, time.Hour)
	e := newEngine(t, mem, stubScanner{})

	if out := e.commitApproval(ctx, "api.telegram.org", "ott-ABCDEFGH"); out != outcomeFailed {
		t.Fatalf("missing armed_after should fail as malformed, got %v", out)
	}
	if found, _ := mem.Exists(ctx, "polis:blocked:req-12345678"); !found {
		t.Error("malformed mapping must not change state")
	}
	if _, found, _ := mem.Get(ctx, "polis:ott:ott-ABCDEFGH"); !found {
		t.Error("malformed mapping must not consume the ott")
	}
}

func TestGzipRoundTripStrip(t *testing.T) {
	mem := store.NewMemory()
	seedApproval(t, mem, "ott-AbCd1234", "req-deadbeef", time.Now().Unix()-1, "api.telegram.org")
	e := newEngine(t, mem, stubScanner{})

	plain := []byte(`{"result":{"text":"/polis-approve ott-AbCd1234"}}`)
	hdr := http.Header{"Content-Encoding": {"gzip"}}
	verdict, req, out := runResponse(t, e, "api.telegram.org", hdr, gzipBytes(t, plain))
	if verdict != icap.VerdictDone {
		t.Fatalf("verdict = %v", verdict)
	}
	if !req.BodyModified {
		t.Error("re-encoded gzip body changes length; Content-Length must be dropped")
	}

	// The outbound body must be valid gzip decompressing to the stripped text.
	zr, err := gzip.NewReader(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("outbound body is not gzip: %v", err)
	}
	var result bytes.Buffer
	if _, err := result.ReadFrom(zr); err != nil {
		t.Fatalf("decompress outbound: %v", err)
	}
	want := strings.Replace(string(plain), "ott-AbCd1234", "************", 1)
	if result.String() != want {
		t.Fatalf("round-trip = %q, want %q", result.String(), want)
	}
}

func TestBombPassesOriginalThrough(t *testing.T) {
	mem := store.NewMemory()
	e := newEngine(t, mem, stubScanner{})

	// Highly compressible 2 MiB of zeros inside ~2 KiB of gzip: ratio
	// explodes past 100:1.
	bomb := gzipBytes(t, make([]byte, 2*1024*1024))
	hdr := http.Header{"Content-Encoding": {"gzip"}}
	verdict, _, _ := runResponse(t, e, "api.telegram.org", hdr, bomb)
	if verdict != icap.VerdictAllow204 {
		t.Fatalf("bomb should pass the original through unchanged, got %v", verdict)
	}
}

func TestDestinationHost(t *testing.T) {
	cases := []struct {
		record string
		want   string
	}{
		{`{"destination":"https://httpbin.org/post"}`, "httpbin.org"},
		{`{"destination":"http://api.example.com:8443/x"}`, "api.example.com"},
		{`{"destination":"api.example.com/x"}`, "api.example.com"},
		{`{"destination":""}`, ""},
		{`{}`, ""},
		{`not json`, ""},
	}
	for _, tc := range cases {
		if got := destinationHost(tc.record); got != tc.want {
			t.Errorf("destinationHost(%s) = %q, want %q", tc.record, got, tc.want)
		}
	}
}

func TestInflateBombDefense(t *testing.T) {
	var huge bytes.Buffer
	zw := gzip.NewWriter(&huge)
	chunk := make([]byte, 1024*1024)
	for i := 0; i < 12; i++ { // 12 MiB > absolute cap
		zw.Write(chunk)
	}
	zw.Close()

	if _, err := inflate(huge.Bytes()); !errors.Is(err, ErrBomb) {
		t.Fatalf("expected ErrBomb, got %v", err)
	}
}

func TestInflateDeflateRoundTrip(t *testing.T) {
	// Varied lines keep the compression ratio well under the 100:1 bomb cap.
	var sb strings.Builder
	for i := 0; i < 512; i++ {
		sb.WriteString("telegram payload " + strconv.Itoa(i) + "\n")
	}
	plain := []byte(sb.String())
	encoded, err := deflate(plain)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := inflate(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decoded, plain) {
		t.Error("gzip round trip corrupted body")
	}
}
