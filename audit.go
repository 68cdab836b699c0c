package identity

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/cropai/identity/metrics"
	"github.com/cropai/identity/store"
)

// AuditSink receives a copy of every login history entry after it has been
// written. It is optional and must not block.
type AuditSink interface {
	Emit(ctx context.Context, entry store.HistoryEntry)
}

// JSONWriterSink writes one JSON document per entry.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

func (s *JSONWriterSink) Emit(_ context.Context, entry store.HistoryEntry) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}

// attempt carries the request context shared by every audit entry of one
// login or MFA verification.
type attempt struct {
	identityID int64
	address    string
	userAgent  string
	deviceName string
	deviceType store.DeviceType
	method     string
}

func (a attempt) entry(status store.LoginStatus, reason string) *store.HistoryEntry {
	return &store.HistoryEntry{
		IdentityID:    a.identityID,
		Status:        status,
		Method:        a.method,
		Address:       a.address,
		UserAgent:     a.userAgent,
		DeviceType:    a.deviceType,
		DeviceName:    a.deviceName,
		FailureReason: reason,
	}
}

// audit appends entry synchronously. A failed write is logged and counted
// but never changes the caller's result.
func (e *Engine) audit(ctx context.Context, entry *store.HistoryEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = e.now()
	}
	if err := e.store.AppendHistory(ctx, entry); err != nil {
		e.metrics.AuditFailure()
		e.logger.Warn("audit write failed",
			zap.Int64("identity_id", entry.IdentityID),
			zap.String("status", string(entry.Status)),
			zap.Error(err))
		return
	}
	if e.sink != nil {
		e.sink.Emit(ctx, *entry)
	}
}

// deny writes exactly one audit entry for a refused login and returns
// cause. Lockouts are recorded as blocked, everything else as failed. An
// empty reason is derived from cause.
func (e *Engine) deny(ctx context.Context, a attempt, reason string, cause error) error {
	status := store.StatusFailed
	if errors.Is(cause, ErrAccountLocked) {
		status = store.StatusBlocked
	}
	if reason == "" {
		reason = failureReason(cause)
	}
	e.audit(ctx, a.entry(status, reason))
	e.metrics.Login(outcome(cause))
	return cause
}

// denyMFA is deny for the MFA sub-flow.
func (e *Engine) denyMFA(ctx context.Context, a attempt, mfaMethod string, cause error) error {
	entry := a.entry(store.StatusMFAFailed, failureReason(cause))
	if errors.Is(cause, ErrAccountLocked) {
		entry.Status = store.StatusBlocked
	}
	entry.MFAMethod = mfaMethod
	e.audit(ctx, entry)
	e.metrics.MFA(mfaMethod, outcome(cause))
	return cause
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, ErrAccountLocked):
		return metrics.OutcomeBlocked
	case errors.Is(err, ErrChallengeExpired), errors.Is(err, ErrTokenExpired):
		return metrics.OutcomeExpired
	case errors.Is(err, ErrChallengeExhausted):
		return metrics.OutcomeExhausted
	case errors.Is(err, ErrChallengeNotFound):
		return metrics.OutcomeNotFound
	case errors.Is(err, ErrTokenRevoked):
		return metrics.OutcomeRevoked
	case errors.Is(err, ErrTokenInvalid):
		return metrics.OutcomeInvalid
	case errors.Is(err, ErrBackendUnavailable):
		return metrics.OutcomeError
	}
	return metrics.OutcomeFailed
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrAccountLocked):
		return "locked"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrInactiveIdentity):
		return "inactive"
	case errors.Is(err, ErrChallengeNotFound):
		return "challenge_not_found"
	case errors.Is(err, ErrChallengeExpired):
		return "challenge_expired"
	case errors.Is(err, ErrChallengeExhausted):
		return "challenge_exhausted"
	case errors.Is(err, ErrInvalidMFACode):
		return "invalid_mfa_code"
	case errors.Is(err, ErrCodeDeliveryFailed):
		return "code_delivery_failed"
	case errors.Is(err, ErrMFAMethodUnsupported):
		return "mfa_method_unsupported"
	case errors.Is(err, ErrBackendUnavailable):
		return "backend_unavailable"
	}
	return "error"
}
