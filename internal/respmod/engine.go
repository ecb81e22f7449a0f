// Package respmod implements the polis_sentinel_resp ICAP service:
// antivirus scanning of every inbound response, and — for allowlisted
// messaging channels — one-time-token discovery, the approval commit, and
// in-place token stripping.
package respmod

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/odralabshq/polis/internal/audit"
	"github.com/odralabshq/polis/internal/body"
	"github.com/odralabshq/polis/internal/clamav"
	"github.com/odralabshq/polis/internal/config"
	"github.com/odralabshq/polis/internal/domain"
	"github.com/odralabshq/polis/internal/icap"
	"github.com/odralabshq/polis/internal/metrics"
	"github.com/odralabshq/polis/internal/store"
)

// ServiceName is the RESPMOD service registration name.
const ServiceName = "polis_sentinel_resp"

const approvalTTL = 300 * time.Second

var ottRe = regexp.MustCompile(`ott-[A-Za-z0-9]{8}`)

// StoreExec mirrors reqmod.StoreExec for the respmod identity.
type StoreExec interface {
	With(ctx context.Context, role store.Role, fn func(store.Commands) error) error
}

// Engine is the AV + approval-commit service.
type Engine struct {
	scanner clamav.Scanner
	stores  StoreExec
	auditor *audit.Writer
	metrics *metrics.Metrics

	approvalDomains []string
	registries      []string
	now             func() time.Time
}

// New wires the engine; the clamd client is built in InitService unless a
// scanner was injected (tests).
func New(stores StoreExec, scanner clamav.Scanner, m *metrics.Metrics) *Engine {
	return &Engine{
		scanner:    scanner,
		stores:     stores,
		auditor:    audit.NewWriter(),
		metrics:    m,
		registries: domain.PackageRegistries,
		now:        time.Now,
	}
}

type responseState struct {
	acc  *body.Accumulator
	host string

	isGzip     bool
	virusFound bool
	virusName  string

	errorPage []byte
	outBuf    []byte // replacement body after token stripping
	modified  bool
	cursor    int64
}

// ottMapping is the stored OTT record.
type ottMapping struct {
	OTTCode    string `json:"ott_code"`
	RequestID  string `json:"request_id"`
	ArmedAfter int64  `json:"armed_after"`
	OriginHost string `json:"origin_host"`
}

type commitOutcome int

const (
	outcomeApproved commitOutcome = iota
	outcomeSkipped
	outcomeRejected
	outcomeFailed
)

// --- icap.Service ---

func (e *Engine) Name() string      { return ServiceName }
func (e *Engine) Vector() icap.Mode { return icap.ModeRespmod }

func (e *Engine) InitService(cfg *config.Config) error {
	if e.scanner == nil {
		e.scanner = clamav.NewClient(cfg.Clamd, e.metrics)
	}
	e.approvalDomains = cfg.Approval.Domains
	return nil
}

func (e *Engine) CloseService() {}

func (e *Engine) InitRequestData(req *icap.Request) any {
	return &responseState{acc: body.NewAccumulator(body.RespmodScanCap)}
}

func (e *Engine) ReleaseRequestData(data any) {
	if st, ok := data.(*responseState); ok && st != nil {
		st.acc.Release()
	}
}

// CheckPreview records the origin host and the gzip flag.
func (e *Engine) CheckPreview(preview []byte, req *icap.Request) icap.Verdict {
	st := req.Data.(*responseState)
	st.host = req.ResponseHost()
	st.isGzip = strings.Contains(req.RespHeader.Get("Content-Encoding"), "gzip")

	if !req.HasBody {
		return icap.VerdictAllow204
	}
	return icap.VerdictContinue
}

func (e *Engine) ServiceIO(w, r []byte, eof bool, req *icap.Request) (wn, rn int, err error) {
	st := req.Data.(*responseState)

	if len(r) > 0 {
		rn, err = st.acc.Write(r)
		if err != nil {
			return 0, rn, err
		}
	}
	if w != nil {
		wn, err = e.readOut(st, w)
	}
	return wn, rn, err
}

func (e *Engine) readOut(st *responseState, w []byte) (int, error) {
	var src []byte
	switch {
	case st.virusFound:
		src = st.errorPage
	case st.modified:
		src = st.outBuf
	default:
		n, err := st.acc.Passthrough().ReadAt(w, st.cursor)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return icap.EOF, nil
		}
		st.cursor += int64(n)
		return n, nil
	}
	if st.cursor >= int64(len(src)) {
		return icap.EOF, nil
	}
	n := copy(w, src[st.cursor:])
	st.cursor += int64(n)
	return n, nil
}

func (e *Engine) EndOfData(req *icap.Request) icap.Verdict {
	st := req.Data.(*responseState)
	ctx := req.Context()
	e.metrics.RequestsScanned.WithLabelValues("respmod").Inc()

	// Step 1: antivirus verdict over the accumulated body.
	start := e.now()
	res, err := e.scanner.Scan(ctx, st.acc.Scan())
	e.metrics.ScanDuration.WithLabelValues("clamd").Observe(e.now().Sub(start).Seconds())

	switch {
	case err == nil && res.Infected:
		e.metrics.ScanVerdicts.WithLabelValues("infected").Inc()
		e.blockVirus(st, req, res.Virus)
		return icap.VerdictDone

	case err != nil:
		if domain.Matches(st.host, e.registries) {
			// Scanner outage must not break package installs from
			// trusted registries.
			e.metrics.ScanVerdicts.WithLabelValues("fail_open").Inc()
			slog.Warn("respmod: av scan failed for known registry, failing open",
				"host", st.host, "error", err)
		} else {
			e.metrics.ScanVerdicts.WithLabelValues("error").Inc()
			e.blockScannerUnavailable(st, req)
			return icap.VerdictDone
		}

	default:
		e.metrics.ScanVerdicts.WithLabelValues("clean").Inc()
	}

	// Step 2: channel gate — only allowlisted messaging domains carry
	// approval traffic.
	if !domain.Matches(st.host, e.approvalDomains) {
		return icap.VerdictAllow204
	}

	// Oversized bodies cannot be faithfully re-emitted from the scan
	// buffer; pass them through untouched.
	if st.acc.Overflowed() {
		slog.Warn("respmod: body exceeds scan cap, skipping token scan", "host", st.host)
		return icap.VerdictAllow204
	}

	// Step 3: decompression with bomb defense.
	plain := st.acc.Scan()
	if st.isGzip {
		inflated, err := inflate(plain)
		if err != nil {
			// Bomb or inflate failure: pass the original body through
			// unchanged.
			slog.Warn("respmod: decompression failed, passing original body",
				"host", st.host, "error", err)
			return icap.VerdictAllow204
		}
		plain = inflated
	}

	// Step 4: token scan and approval commits.
	matches := ottRe.FindAllIndex(plain, -1)
	stripped := false
	for _, m := range matches {
		ott := string(plain[m[0]:m[1]])
		outcome := e.commitApproval(ctx, st.host, ott)
		e.metrics.ApprovalCommits.WithLabelValues(outcome.String()).Inc()
		if outcome != outcomeApproved {
			continue
		}
		// Overwrite the token bytes in place so the code never reaches
		// the client. Only committed tokens are stripped.
		for i := m[0]; i < m[1]; i++ {
			plain[i] = '*'
		}
		stripped = true
		e.metrics.TokensStripped.Inc()
	}
	if !stripped {
		return icap.VerdictAllow204
	}

	// Step 5: re-encode if the body came in gzip.
	if st.isGzip {
		encoded, err := deflate(plain)
		if err != nil {
			slog.Error("respmod: re-encode failed, passing original body", "error", err)
			return icap.VerdictAllow204
		}
		st.outBuf = encoded
		req.BodyModified = true // compressed length changed
	} else {
		st.outBuf = plain
	}
	st.modified = true
	st.cursor = 0
	return icap.VerdictDone
}

// commitApproval executes the 8-step approval commit for one token inside
// a single critical section. The ordering is deliberate: the audit write
// precedes every destructive change, and the OTT is deleted last so any
// earlier failure leaves it usable for retry.
func (e *Engine) commitApproval(ctx context.Context, respHost, ott string) commitOutcome {
	outcome := outcomeSkipped

	err := e.stores.With(ctx, store.RoleGovRespmod, func(cmd store.Commands) error {
		ottKey := "polis:ott:" + ott

		// (1) fetch the mapping; a missing key means the token was
		// already consumed or expired.
		raw, found, err := cmd.Get(ctx, ottKey)
		if err != nil {
			return err
		}
		if !found {
			slog.Debug("respmod: ott not found", "ott", ott)
			return nil
		}

		// (2) parse and validate.
		var mapping ottMapping
		if err := json.Unmarshal([]byte(raw), &mapping); err != nil ||
			mapping.RequestID == "" || mapping.OriginHost == "" || mapping.ArmedAfter == 0 {
			slog.Warn("respmod: malformed ott mapping", "ott", ott)
			outcome = outcomeFailed
			return nil
		}

		// (3) time-gate: echo-reflecting channels bounce the message
		// back instantly; an unarmed token is not yet consumable.
		// Exact equality is armed.
		if e.now().Unix() < mapping.ArmedAfter {
			slog.Info("respmod: ott not yet armed", "ott", ott,
				"armed_after", mapping.ArmedAfter)
			return nil
		}

		// (4) context binding: the response must come from the channel
		// the token was issued into.
		if !strings.EqualFold(respHost, mapping.OriginHost) {
			slog.Warn("respmod: cross-channel replay rejected",
				"ott", ott, "resp_host", respHost, "origin_host", mapping.OriginHost)
			outcome = outcomeRejected
			return nil
		}

		blockedKey := "polis:blocked:" + mapping.RequestID

		// (5) the blocked record must still exist.
		exists, err := cmd.Exists(ctx, blockedKey)
		if err != nil {
			return err
		}
		if !exists {
			slog.Info("respmod: blocked record gone, ott stale",
				"request_id", mapping.RequestID)
			return nil
		}

		// (6) preserve the blocked record for the audit trail and pull
		// the destination host for the host-scoped approval.
		blockedRecord, found, err := cmd.Get(ctx, blockedKey)
		if err != nil {
			return err
		}
		if !found || blockedRecord == "" {
			blockedRecord = "{}"
		}
		approvalHost := destinationHost(blockedRecord)
		if approvalHost == "" {
			approvalHost = mapping.OriginHost
		}

		// (7) audit before destroy: a crash after this point loses no
		// evidence. An audit failure aborts the whole commit.
		if err := e.auditor.ApprovedViaProxy(ctx, cmd, mapping.RequestID, ott,
			mapping.OriginHost, blockedRecord); err != nil {
			outcome = outcomeFailed
			return err
		}

		// (8) destroy and approve.
		if err := cmd.Del(ctx, blockedKey); err != nil {
			outcome = outcomeFailed
			return err
		}
		if err := cmd.SetEX(ctx, "polis:approved:"+mapping.RequestID, "approved", approvalTTL); err != nil {
			outcome = outcomeFailed
			return err
		}
		if err := cmd.SetEX(ctx, "polis:approved:host:"+approvalHost, "approved", approvalTTL); err != nil {
			slog.Warn("respmod: host approval write failed", "host", approvalHost, "error", err)
		}
		// Consume the token last; if this fails the approval stands and
		// the key expires via TTL.
		if err := cmd.Del(ctx, ottKey); err != nil {
			slog.Warn("respmod: ott delete failed, will expire via ttl", "ott", ott, "error", err)
		}

		outcome = outcomeApproved
		slog.Info("respmod: approval committed", "request_id", mapping.RequestID,
			"ott", ott, "origin_host", mapping.OriginHost)
		return nil
	})
	if err != nil {
		e.metrics.StoreFailures.WithLabelValues(store.RoleGovRespmod.String()).Inc()
		slog.Warn("respmod: approval commit aborted", "ott", ott, "error", err)
		if outcome == outcomeApproved {
			return outcomeApproved
		}
		return outcomeFailed
	}
	return outcome
}

// destinationHost extracts the host from the blocked record's destination
// URL field: the scheme is skipped and the host ends at '/', ':' or the
// end of the decoded value.
func destinationHost(blockedRecord string) string {
	var rec struct {
		Destination string `json:"destination"`
	}
	if err := json.Unmarshal([]byte(blockedRecord), &rec); err != nil || rec.Destination == "" {
		return ""
	}
	dest := rec.Destination
	if i := strings.Index(dest, "://"); i >= 0 {
		dest = dest[i+3:]
	}
	end := len(dest)
	for i := 0; i < len(dest); i++ {
		if dest[i] == '/' || dest[i] == ':' {
			end = i
			break
		}
	}
	return dest[:end]
}

func (e *Engine) blockVirus(st *responseState, req *icap.Request, virus string) {
	st.virusFound = true
	st.virusName = virus
	st.cursor = 0
	st.errorPage = []byte(fmt.Sprintf("<!DOCTYPE html>\n"+
		"<html><head><title>Virus Detected</title></head>\n"+
		"<body>\n"+
		"<h1>403 Forbidden - Virus Detected</h1>\n"+
		"<p>The requested content was blocked by antivirus scanning.</p>\n"+
		"<p>Threat: %s</p>\n"+
		"</body></html>\n", virus))
	req.ReplaceResponse("HTTP/1.1 403 Forbidden", [][2]string{
		{"Content-Type", "text/html"},
		{"Connection", "close"},
	})
	e.metrics.Blocks.WithLabelValues("virus").Inc()
	slog.Warn("respmod: virus blocked", "host", st.host, "threat", virus)
}

func (e *Engine) blockScannerUnavailable(st *responseState, req *icap.Request) {
	st.virusFound = true
	st.cursor = 0
	st.errorPage = []byte("<!DOCTYPE html>\n" +
		"<html><head><title>Scanner Unavailable</title></head>\n" +
		"<body>\n" +
		"<h1>403 Forbidden - Scanner Unavailable</h1>\n" +
		"<p>The antivirus scanner is temporarily unavailable.</p>\n" +
		"<p>Please try again later.</p>\n" +
		"</body></html>\n")
	req.ReplaceResponse("HTTP/1.1 403 Forbidden", [][2]string{
		{"Content-Type", "text/html"},
		{"Connection", "close"},
	})
	e.metrics.Blocks.WithLabelValues("scanner_unavailable").Inc()
	slog.Error("respmod: av scanner unavailable, failing closed", "host", st.host)
}

func (o commitOutcome) String() string {
	switch o {
	case outcomeApproved:
		return "approved"
	case outcomeSkipped:
		return "skipped"
	case outcomeRejected:
		return "rejected"
	default:
		return "failed"
	}
}
