package bus

import (
	"fmt"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// New creates an event bus for cfg.Type: "channel" (in-process), "nats" or
// "kafka".
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "", "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	case "kafka":
		return NewKafkaBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}
