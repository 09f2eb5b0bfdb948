//go:build cgo

package notify

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/luxfi/log"
	zmq "github.com/pebbe/zmq4"

	"github.com/luxfi/margin/pkg/margin"
)

// ZMQPublisher sends events on a PUB socket as two frames: the topic and
// the JSON envelope.
type ZMQPublisher struct {
	socket *zmq.Socket
	logger log.Logger
	seq    uint64
	mu     sync.Mutex
}

// NewZMQPublisher binds a PUB socket to endpoint, e.g. "tcp://*:5560".
func NewZMQPublisher(endpoint string, logger log.Logger) (*ZMQPublisher, error) {
	if logger == nil {
		logger = log.Root().New("module", "zmq")
	}
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create PUB socket: %w", err)
	}
	if err := socket.Bind(endpoint); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to bind PUB socket: %w", err)
	}
	logger.Info("ZMQ event publisher bound", "endpoint", endpoint)
	return &ZMQPublisher{socket: socket, logger: logger}, nil
}

func (p *ZMQPublisher) Emit(ev margin.Event) {
	data, err := margin.EncodeEvent(atomic.AddUint64(&p.seq, 1), ev)
	if err != nil {
		p.logger.Warn("Failed to encode event", "error", err)
		return
	}

	// zmq sockets are not safe for concurrent use.
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.socket.Send(ev.Topic(), zmq.SNDMORE|zmq.DONTWAIT); err != nil {
		p.logger.Debug("ZMQ send failed", "error", err)
		return
	}
	if _, err := p.socket.SendBytes(data, zmq.DONTWAIT); err != nil {
		p.logger.Debug("ZMQ send failed", "error", err)
	}
}

// Close closes the socket.
func (p *ZMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.socket.Close()
}
