// Package eventstream optionally publishes DECIDED operations to a NATS
// subject for external audit consumers, generalizing the reference
// repo's nats.Connect/Publish usage into a decision-audit sink. Disabled
// entirely when NATS_URL is unset; the node's own operation is never
// made to depend on it.
package eventstream

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/bftswarm/node/internal/wire"
)

// Publisher publishes decided operations to NATS. A nil *Publisher is
// valid and PublishDecision on it is a no-op, so callers need not branch
// on whether NATS_URL was configured.
type Publisher struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

// Connect dials natsURL and returns a Publisher scoped to swarmName's
// decision subject (swarm.<swarm_name>.decisions). Returns an error if
// the broker is unreachable; callers should treat event publishing as
// optional and proceed without it rather than failing node startup.
func Connect(natsURL, swarmName string, logger *zap.Logger) (*Publisher, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("connect nats at %s: %w", natsURL, err)
	}
	return &Publisher{conn: conn, subject: fmt.Sprintf("swarm.%s.decisions", swarmName), logger: logger}, nil
}

// PublishDecision publishes a decided operation. Errors are logged, not
// returned, since a failed audit publish must never block or fail the
// decision path itself.
func (p *Publisher) PublishDecision(op wire.Operation) {
	if p == nil || p.conn == nil {
		return
	}
	data, err := json.Marshal(op)
	if err != nil {
		p.logger.Error("failed to encode decision for event stream", zap.String("op_id", op.OpID), zap.Error(err))
		return
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		p.logger.Warn("failed to publish decision to event stream", zap.String("op_id", op.OpID), zap.Error(err))
	}
}

// Close closes the NATS connection without draining it.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.conn.Close()
}
