package notify

import (
	"sync/atomic"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/margin/pkg/margin"
)

// NATSPublisher publishes encoded events to <prefix>.<topic>.
type NATSPublisher struct {
	prefix  string
	publish func(subject string, data []byte) error
	logger  log.Logger

	seq       uint64
	published uint64
	failed    uint64
}

// NewNATSPublisher publishes on nc. An empty prefix defaults to "margin".
func NewNATSPublisher(nc *nats.Conn, prefix string, logger log.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "margin"
	}
	if logger == nil {
		logger = log.Root().New("module", "nats")
	}
	return &NATSPublisher{prefix: prefix, publish: nc.Publish, logger: logger}
}

// Subject returns the subject an event with topic is published to.
func (p *NATSPublisher) Subject(topic string) string {
	return p.prefix + "." + topic
}

func (p *NATSPublisher) Emit(ev margin.Event) {
	seq := atomic.AddUint64(&p.seq, 1)
	data, err := margin.EncodeEvent(seq, ev)
	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Warn("Failed to encode event", "error", err)
		return
	}
	if err := p.publish(p.Subject(ev.Topic()), data); err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Warn("Failed to publish event", "topic", ev.Topic(), "error", err)
		return
	}
	atomic.AddUint64(&p.published, 1)
}

// Stats returns the number of published and failed events.
func (p *NATSPublisher) Stats() (published, failed uint64) {
	return atomic.LoadUint64(&p.published), atomic.LoadUint64(&p.failed)
}
