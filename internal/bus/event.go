package bus

import "time"

// Event is a domain event published on the bus. Kind is dot-namespaced
// ("store.upserted", "live.channel_error", "message.send_ack").
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
