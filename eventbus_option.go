package essayflow

import "github.com/ZanzyTHEbar/essayflow/internal/eventbus"

// WithEventBus publishes turn lifecycle events on bus.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(c *Coach) {
		c.eventBus = bus
	}
}
