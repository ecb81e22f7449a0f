// Package reqmod implements the polis_dlp ICAP service: credential
// scanning over outbound request bodies, the domain-risk policy, and the
// /polis-approve OTT rewrite.
package reqmod

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/odralabshq/polis/internal/audit"
	"github.com/odralabshq/polis/internal/body"
	"github.com/odralabshq/polis/internal/config"
	"github.com/odralabshq/polis/internal/domain"
	"github.com/odralabshq/polis/internal/icap"
	"github.com/odralabshq/polis/internal/metrics"
	"github.com/odralabshq/polis/internal/pattern"
	"github.com/odralabshq/polis/internal/policy"
	"github.com/odralabshq/polis/internal/store"
	"github.com/odralabshq/polis/internal/token"
)

// ServiceName is the REQMOD service registration name.
const ServiceName = "polis_dlp"

const (
	ottLockTTL             = 30 * time.Second
	reasonNewDomainBlocked = "new_domain_blocked"
	reasonNewDomainPrompt  = "new_domain_prompt"
	reasonStoreUnavailable = "approval_service_unavailable"
)

// StoreExec runs a function under one store identity's critical section.
// *store.Coordinator satisfies it; tests wire an in-memory fake.
type StoreExec interface {
	With(ctx context.Context, role store.Role, fn func(store.Commands) error) error
}

// Sentinel errors for the silent-skip branches of the rewrite path.
var (
	errLockContention  = errors.New("ott lock contention")
	errNoBlockedRecord = errors.New("no blocked record for request id")
	errOTTCollision    = errors.New("ott collision after retry")
)

// Engine is the DLP + OTT-rewrite service. One instance serves all
// requests; per-request state lives in requestState.
type Engine struct {
	patterns *pattern.Registry
	stores   StoreExec
	poller   *policy.Poller
	auditor  *audit.Writer
	metrics  *metrics.Metrics

	knownDomains []string
	timeGate     time.Duration
	ottTTL       time.Duration

	approveRe *regexp.Regexp
	now       func() time.Time
}

// New wires the engine. The pattern catalog loads in InitService so that
// an empty catalog refuses startup.
func New(stores StoreExec, poller *policy.Poller, m *metrics.Metrics) *Engine {
	return &Engine{
		stores:       stores,
		poller:       poller,
		auditor:      audit.NewWriter(),
		metrics:      m,
		knownDomains: domain.KnownDomains,
		now:          time.Now,
	}
}

type requestState struct {
	acc  *body.Accumulator
	host string

	blocked   bool
	reason    string
	requestID string
	rewritten bool

	errorPage []byte
	cursor    int64
}

// --- icap.Service ---

func (e *Engine) Name() string      { return ServiceName }
func (e *Engine) Vector() icap.Mode { return icap.ModeReqmod }

func (e *Engine) InitService(cfg *config.Config) error {
	reg, err := pattern.Load(cfg.DLP.PatternFile)
	if err != nil {
		return err
	}
	e.patterns = reg

	e.approveRe, err = regexp.Compile(`/polis-approve\s+(req-[a-f0-9]{8})`)
	if err != nil {
		return fmt.Errorf("compile approve command regex: %w", err)
	}

	e.timeGate = time.Duration(cfg.Approval.TimeGateSecs) * time.Second
	e.ottTTL = time.Duration(cfg.Approval.OTTTTLSecs) * time.Second
	return nil
}

func (e *Engine) CloseService() {}

func (e *Engine) InitRequestData(req *icap.Request) any {
	return &requestState{acc: body.NewAccumulator(body.ReqmodScanCap)}
}

func (e *Engine) ReleaseRequestData(data any) {
	if st, ok := data.(*requestState); ok && st != nil {
		st.acc.Release()
	}
}

// CheckPreview records the destination and, for bodyless requests to
// known destinations, allows immediately. New destinations defer to
// end-of-data so a blocking response can still be synthesized.
func (e *Engine) CheckPreview(preview []byte, req *icap.Request) icap.Verdict {
	st := req.Data.(*requestState)
	st.host = req.Host()

	if !req.HasBody && domain.Matches(st.host, e.knownDomains) {
		return icap.VerdictAllow204
	}
	return icap.VerdictContinue
}

func (e *Engine) ServiceIO(w, r []byte, eof bool, req *icap.Request) (wn, rn int, err error) {
	st := req.Data.(*requestState)

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

func (e *Engine) readOut(st *requestState, w []byte) (int, error) {
	switch {
	case st.blocked:
		if st.cursor >= int64(len(st.errorPage)) {
			return icap.EOF, nil
		}
		n := copy(w, st.errorPage[st.cursor:])
		st.cursor += int64(n)
		return n, nil
	case st.rewritten:
		scan := st.acc.Scan()
		if st.cursor >= int64(len(scan)) {
			return icap.EOF, nil
		}
		n := copy(w, scan[st.cursor:])
		st.cursor += int64(n)
		return n, nil
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
}

// EndOfData runs the scan and decides the verdict.
func (e *Engine) EndOfData(req *icap.Request) icap.Verdict {
	st := req.Data.(*requestState)
	ctx := req.Context()
	e.metrics.RequestsScanned.WithLabelValues("reqmod").Inc()

	matched, credBlocked := e.patterns.Match(st.acc.Scan(), st.host)
	if !credBlocked && st.acc.Overflowed() {
		matched, credBlocked = e.patterns.MatchSegments(st.acc.TailSegments(), st.host)
	}

	level := e.poller.Current(ctx)
	e.metrics.PolicyLevel.Set(float64(level))
	known := domain.Matches(st.host, e.knownDomains)

	reason := ""
	switch {
	case credBlocked:
		reason = matched
	case !known && level == policy.LevelStrict:
		reason = reasonNewDomainBlocked
	case !known && level == policy.LevelBalanced:
		reason = reasonNewDomainPrompt
	}

	if reason != "" && e.hostApproved(ctx, st.host) {
		slog.Info("dlp: host-scoped approval honored", "host", st.host)
		reason = ""
	}

	if reason != "" {
		e.block(ctx, st, req, reason)
		return icap.VerdictDone
	}

	if verdict, done := e.tryRewrite(ctx, st, req); done {
		return verdict
	}
	return icap.VerdictAllow204
}

// hostApproved checks the host-scoped approval key left by a prior
// user-approved block.
func (e *Engine) hostApproved(ctx context.Context, host string) bool {
	if host == "" {
		return false
	}
	approved := false
	err := e.stores.With(ctx, store.RoleGovReqmod, func(cmd store.Commands) error {
		var err error
		approved, err = cmd.Exists(ctx, "polis:approved:host:"+host)
		return err
	})
	if err != nil {
		e.metrics.StoreFailures.WithLabelValues(store.RoleGovReqmod.String()).Inc()
		return false
	}
	return approved
}

func (e *Engine) block(ctx context.Context, st *requestState, req *icap.Request, reason string) {
	st.blocked = true
	st.reason = reason
	st.cursor = 0
	e.metrics.Blocks.WithLabelValues(reason).Inc()

	if id, err := token.NewRequestID(); err == nil {
		st.requestID = id
	} else {
		slog.Error("dlp: request id generation failed", "error", err)
	}

	page := fmt.Sprintf("<html><head><title>403 Forbidden</title></head>"+
		"<body><h1>403 Forbidden</h1>"+
		"<p>Request blocked by DLP: %s</p></body></html>", reason)
	st.errorPage = []byte(page)

	headers := [][2]string{
		{"Server", "polis-sentinel"},
		{"Content-Type", "text/html"},
		{"Connection", "close"},
		{"Content-Length", strconv.Itoa(len(st.errorPage))},
		{"X-polis-Block", "true"},
		{"X-polis-Reason", reason},
		{"X-polis-Pattern", reason},
	}
	if st.requestID != "" {
		headers = append(headers, [2]string{"X-polis-Request-Id", st.requestID})
	}
	req.ReplaceResponse("HTTP/1.1 403 Forbidden", headers)

	slog.Info("dlp: request blocked", "host", st.host, "reason", reason, "request_id", st.requestID)

	// Best-effort audit; the block stands regardless.
	if err := e.stores.With(ctx, store.RoleGovReqmod, func(cmd store.Commands) error {
		return e.auditor.Blocked(ctx, cmd, st.requestID, st.host, reason)
	}); err != nil {
		slog.Warn("dlp: block audit write failed", "error", err)
	}
}

// tryRewrite runs the /polis-approve OTT substitution on an allowed
// request. The returned verdict is meaningful only when done is true.
func (e *Engine) tryRewrite(ctx context.Context, st *requestState, req *icap.Request) (icap.Verdict, bool) {
	scan := st.acc.Scan()
	m := e.approveRe.FindSubmatchIndex(scan)
	if m == nil {
		return 0, false
	}
	// The scan buffer doubles as the outbound stream for a rewritten
	// body, so a body that overflowed the buffer cannot be rewritten
	// without truncation.
	if st.acc.Overflowed() {
		slog.Warn("dlp: approve command in oversized body, skipping rewrite", "host", st.host)
		return 0, false
	}

	requestID := string(scan[m[2]:m[3]])
	if !token.ValidRequestID(requestID) || st.host == "" {
		return 0, false
	}

	var ott string
	err := e.stores.With(ctx, store.RoleGovReqmod, func(cmd store.Commands) error {
		locked, err := cmd.SetNX(ctx, "polis:ott_lock:"+requestID, "1", ottLockTTL)
		if err != nil {
			return err
		}
		if !locked {
			return errLockContention
		}

		exists, err := cmd.Exists(ctx, "polis:blocked:"+requestID)
		if err != nil {
			return err
		}
		if !exists {
			return errNoBlockedRecord
		}

		ott, err = e.registerOTT(ctx, cmd, requestID, st.host)
		if err != nil {
			return err
		}

		if err := e.auditor.OTTRewrite(ctx, cmd, requestID, ott, st.host); err != nil {
			slog.Warn("dlp: rewrite audit write failed", "error", err)
		}
		return nil
	})

	switch {
	case err == nil:
		// Length-preserving in-place substitution.
		if m[3]-m[2] != len(ott) {
			slog.Error("dlp: substitution length mismatch, abandoning rewrite",
				"request_id", requestID)
			return 0, false
		}
		before := len(scan)
		copy(scan[m[2]:m[3]], ott)
		if len(st.acc.Scan()) != before {
			slog.Error("dlp: buffer size changed during rewrite, abandoning")
			return 0, false
		}
		st.rewritten = true
		st.cursor = 0
		e.metrics.OTTRewrites.Inc()
		slog.Info("dlp: ott rewrite complete", "request_id", requestID, "host", st.host)
		return icap.VerdictDone, true

	case errors.Is(err, errLockContention),
		errors.Is(err, errNoBlockedRecord),
		errors.Is(err, errOTTCollision):
		slog.Info("dlp: rewrite skipped", "request_id", requestID, "cause", err)
		return 0, false

	default:
		// Store unreachable: never let the raw request id reach the
		// destination.
		e.metrics.StoreFailures.WithLabelValues(store.RoleGovReqmod.String()).Inc()
		e.blockStoreUnavailable(st, req)
		return icap.VerdictDone, true
	}
}

// registerOTT generates and registers the token set-if-absent, retrying
// one collision.
func (e *Engine) registerOTT(ctx context.Context, cmd store.Commands, requestID, host string) (string, error) {
	armedAfter := e.now().Add(e.timeGate).Unix()
	for attempt := 0; attempt < 2; attempt++ {
		ott, err := token.NewOTT()
		if err != nil {
			return "", err
		}
		mapping := fmt.Sprintf(
			`{"ott_code":"%s","request_id":"%s","armed_after":%d,"origin_host":"%s"}`,
			ott, requestID, armedAfter, host)
		ok, err := cmd.SetNX(ctx, "polis:ott:"+ott, mapping, e.ottTTL)
		if err != nil {
			return "", err
		}
		if ok {
			return ott, nil
		}
		slog.Warn("dlp: ott collision, regenerating", "attempt", attempt)
	}
	return "", errOTTCollision
}

func (e *Engine) blockStoreUnavailable(st *requestState, req *icap.Request) {
	st.blocked = true
	st.reason = reasonStoreUnavailable
	st.cursor = 0
	st.errorPage = []byte("Approval service temporarily unavailable. Please retry shortly.\n")
	e.metrics.Blocks.WithLabelValues(reasonStoreUnavailable).Inc()

	req.ReplaceResponse("HTTP/1.1 403 Forbidden", [][2]string{
		{"Content-Type", "text/plain"},
		{"Connection", "close"},
		{"Content-Length", strconv.Itoa(len(st.errorPage))},
		{"X-polis-Block", reasonStoreUnavailable},
	})
	slog.Error("dlp: approval store unreachable, failing closed", "host", st.host)
}
