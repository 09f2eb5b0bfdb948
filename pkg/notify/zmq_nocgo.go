//go:build !cgo

package notify

import (
	"github.com/luxfi/log"

	"github.com/luxfi/margin/pkg/margin"
)

// ZMQPublisher is unavailable without cgo.
type ZMQPublisher struct{}

func NewZMQPublisher(string, log.Logger) (*ZMQPublisher, error) {
	return nil, ErrZMQUnavailable
}

func (*ZMQPublisher) Emit(margin.Event) {}

func (*ZMQPublisher) Close() error { return nil }
