package channel

import (
	"fmt"

	"github.com/beaconhq/beacon/internal/alert"
)

// Registry maps delivery types to channel instances. It is built once at
// startup and never mutated afterwards, so lookups need no locking.
type Registry struct {
	channels map[alert.DeliveryType]Channel
}

// NewRegistry builds the immutable channel registry. Registering two
// channels for the same delivery type is a wiring bug and fails loudly.
func NewRegistry(channels ...Channel) (*Registry, error) {
	m := make(map[alert.DeliveryType]Channel, len(channels))
	for _, ch := range channels {
		if _, dup := m[ch.Type()]; dup {
			return nil, fmt.Errorf("duplicate channel registered for type %s", ch.Type())
		}
		m[ch.Type()] = ch
	}
	return &Registry{channels: m}, nil
}

// Get returns the channel serving the given delivery type.
func (r *Registry) Get(t alert.DeliveryType) (Channel, bool) {
	ch, ok := r.channels[t]
	return ch, ok
}

// Types lists the delivery types with a registered channel.
func (r *Registry) Types() []alert.DeliveryType {
	types := make([]alert.DeliveryType, 0, len(r.channels))
	for t := range r.channels {
		types = append(types, t)
	}
	return types
}
