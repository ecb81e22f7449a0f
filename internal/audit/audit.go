// Package audit appends governance events to the time-ordered log at
// polis:log:events (a score-ordered set, scored by epoch seconds).
package audit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odralabshq/polis/internal/store"
)

// EventsKey is the score-ordered audit set.
const EventsKey = "polis:log:events"

// Writer appends events through a store command surface. The caller is
// responsible for invoking it inside the right identity's critical
// section.
type Writer struct {
	now func() time.Time
}

// NewWriter returns an audit writer.
func NewWriter() *Writer {
	return &Writer{now: time.Now}
}

// OTTRewrite records a completed request-id → token substitution.
func (w *Writer) OTTRewrite(ctx context.Context, cmd store.Commands, requestID, ottCode, originHost string) error {
	ts := w.now().Unix()
	entry := fmt.Sprintf(
		`{"event":"ott_rewrite","event_id":"%s","request_id":"%s","ott_code":"%s","origin_host":"%s","timestamp":%d}`,
		uuid.NewString(), requestID, ottCode, jsonEscape(originHost), ts)
	if err := cmd.ZAdd(ctx, EventsKey, float64(ts), entry); err != nil {
		return fmt.Errorf("audit ott_rewrite: %w", err)
	}
	return nil
}

// ApprovedViaProxy records an approval commit. blockedRecord is the raw
// blocked-request payload: embedded as a JSON object when it starts with
// '{', otherwise wrapped as a quoted string. Credential values never pass
// through here — only pattern names and metadata.
func (w *Writer) ApprovedViaProxy(ctx context.Context, cmd store.Commands, requestID, ottCode, originHost, blockedRecord string) error {
	ts := w.now().Unix()

	var blockedField string
	if strings.HasPrefix(blockedRecord, "{") {
		blockedField = blockedRecord
	} else {
		blockedField = strconv.Quote(blockedRecord)
	}

	entry := fmt.Sprintf(
		`{"event":"approved_via_proxy","event_id":"%s","request_id":"%s","ott_code":"%s","origin_host":"%s","timestamp":%d,"blocked_request":%s}`,
		uuid.NewString(), requestID, ottCode, jsonEscape(originHost), ts, blockedField)
	if err := cmd.ZAdd(ctx, EventsKey, float64(ts), entry); err != nil {
		return fmt.Errorf("audit approved_via_proxy: %w", err)
	}
	return nil
}

// Blocked records a DLP block verdict.
func (w *Writer) Blocked(ctx context.Context, cmd store.Commands, requestID, host, reason string) error {
	ts := w.now().Unix()
	entry := fmt.Sprintf(
		`{"event":"request_blocked","event_id":"%s","request_id":"%s","host":"%s","reason":"%s","timestamp":%d}`,
		uuid.NewString(), requestID, jsonEscape(host), jsonEscape(reason), ts)
	if err := cmd.ZAdd(ctx, EventsKey, float64(ts), entry); err != nil {
		return fmt.Errorf("audit request_blocked: %w", err)
	}
	return nil
}

// jsonEscape covers the characters that can appear in hosts and reason
// tags; full payloads go through strconv.Quote instead.
func jsonEscape(s string) string {
	if !strings.ContainsAny(s, `"\`) {
		return s
	}
	q := strconv.Quote(s)
	return q[1 : len(q)-1]
}
