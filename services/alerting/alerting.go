package alerting

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Alert kinds raised by the orchestrator and its background workers
const (
	KindCompensationFailure = "compensation_failure"
	KindLedgerIntegrity     = "ledger_integrity"
	KindCertificateExpiring = "certificate_expiring"
	KindCommitFailure       = "commit_failure"
)

// Alert is one operator-facing escalation. Alerts supplement the audit
// ledger; they are the push channel, the ledger is the record.
type Alert struct {
	RunID   uuid.UUID `json:"run_id,omitempty"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
}

// Notifier delivers alerts to operators. Notify must not block the caller
// beyond its context; delivery failures are the caller's to log, never to
// escalate further.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the service log at error level. Deployments
// that page operators wire a real delivery channel in its place.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a new LogNotifier instance
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier
func (n *LogNotifier) Notify(ctx context.Context, alert Alert) error {
	n.logger.Error("alert raised",
		zap.String("kind", alert.Kind),
		zap.String("run_id", alert.RunID.String()),
		zap.String("message", alert.Message))
	return nil
}
