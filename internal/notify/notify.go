// Package notify fans transaction lifecycle events out to interested parties.
//
// Events are fire-and-forget: publishing never blocks or fails a state
// transition. The NATS-backed notifier is used when a broker is configured;
// otherwise events land in the structured log so local development still sees
// the full stream.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/itembazaar/bazaar/internal/idgen"
)

var (
	notifyEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bazaar",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Total notification emit attempts by event kind.",
	}, []string{"kind"})

	notifyEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bazaar",
		Subsystem: "notify",
		Name:      "emit_errors_total",
		Help:      "Total notification emit failures by event kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(notifyEmitTotal, notifyEmitErrors)
}

// Kind identifies a lifecycle event.
type Kind string

const (
	KindPurchaseCreated      Kind = "purchase.created"
	KindTransferConfirmed    Kind = "transfer.confirmed"
	KindReceiptConfirmed     Kind = "receipt.confirmed"
	KindTransactionCompleted Kind = "transaction.completed"
	KindTransactionCancelled Kind = "transaction.cancelled"
	KindTransactionDisputed  Kind = "transaction.disputed"
	KindTransactionRefunded  Kind = "transaction.refunded"
	KindListingExpired       Kind = "listing.expired"
)

// Event is the wire payload for a notification.
type Event struct {
	ID        string                 `json:"id"`
	Kind      Kind                   `json:"kind"`
	UserID    string                 `json:"userId"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Notifier delivers events to one user. Implementations must not block the
// caller beyond a short publish.
type Notifier interface {
	Notify(ctx context.Context, userID string, kind Kind, data map[string]interface{})
}

// NATSNotifier publishes events to a NATS subject per event kind.
type NATSNotifier struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNATSNotifier connects to the broker at url.
func NewNATSNotifier(url string, logger *slog.Logger) (*NATSNotifier, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &NATSNotifier{conn: conn, logger: logger}, nil
}

func (n *NATSNotifier) Notify(ctx context.Context, userID string, kind Kind, data map[string]interface{}) {
	notifyEmitTotal.WithLabelValues(string(kind)).Inc()

	payload, err := json.Marshal(Event{
		ID:        idgen.WithPrefix("evt_"),
		Kind:      kind,
		UserID:    userID,
		Timestamp: time.Now(),
		Data:      data,
	})
	if err != nil {
		notifyEmitErrors.WithLabelValues(string(kind)).Inc()
		n.logger.Warn("notify marshal failed", "kind", kind, "error", err)
		return
	}

	subject := "bazaar.notify." + string(kind)
	if err := n.conn.Publish(subject, payload); err != nil {
		notifyEmitErrors.WithLabelValues(string(kind)).Inc()
		n.logger.Warn("notify publish failed", "kind", kind, "user", userID, "error", err)
	}
}

// Close drains the connection.
func (n *NATSNotifier) Close() {
	if n.conn != nil {
		n.conn.Close()
	}
}

// LogNotifier writes events to the structured log. Used when no broker is
// configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, userID string, kind Kind, data map[string]interface{}) {
	notifyEmitTotal.WithLabelValues(string(kind)).Inc()
	l.logger.Info("notify", "kind", kind, "user", userID, "data", data)
}

var (
	_ Notifier = (*NATSNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
