package events

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/taskloop/taskloop/internal/common/logger"
)

// NATSBridge mirrors fan-out publications to NATS so external consumers
// can follow task streams without a websocket to this process. Delivery
// is best-effort: a publish failure is logged, never surfaced.
type NATSBridge struct {
	conn *nats.Conn
	log  *logger.Logger
}

// NewNATSBridge connects to the given NATS URL.
func NewNATSBridge(url string, log *logger.Logger) (*NATSBridge, error) {
	conn, err := nats.Connect(url,
		nats.Name("taskloop-events"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATSBridge{
		conn: conn,
		log:  log.WithFields(zap.String("component", "events.nats")),
	}, nil
}

// Publish sends the event to tasks.<task_id>.events.
func (b *NATSBridge) Publish(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		b.log.Error("failed to marshal event", zap.Error(err))
		return
	}
	subject := fmt.Sprintf("tasks.%s.events", event.TaskID)
	if err := b.conn.Publish(subject, data); err != nil {
		b.log.Warn("failed to publish event to nats",
			zap.String("subject", subject), zap.Error(err))
	}
}

// Close drains and closes the connection.
func (b *NATSBridge) Close() {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}
