package metrics

import (
	"relaybot/internal/bus"
)

// Relay holds the metrics recorded for relayed messages.
type Relay struct {
	Delivered *Counter
	Failed    *Counter
	Dropped   *Counter
	InFlight  *Gauge
	Latency   *Histogram
}

// NewRelay registers the relay metrics on c.
func NewRelay(c *Collector) *Relay {
	const deliveries = "relaybot_deliveries_total"
	const deliveriesHelp = "Relayed messages by result"
	return &Relay{
		Delivered: c.Counter(deliveries, deliveriesHelp, `result="delivered"`),
		Failed:    c.Counter(deliveries, deliveriesHelp, `result="failed"`),
		Dropped:   c.Counter("relaybot_attachments_dropped_total", "Attachments left out of a relay", ""),
		InFlight:  c.Gauge("relaybot_inflight", "Relays currently being processed", ""),
		Latency: c.Histogram("relaybot_delivery_latency_seconds", "Time from event receipt to relay outcome", "",
			[]float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}),
	}
}

// Subscribe feeds relay outcome events from eb into the metrics.
func (m *Relay) Subscribe(eb *bus.EventBus) {
	eb.On(bus.EventRelayStarted, func(e bus.Event) {
		m.InFlight.Inc()
	})
	eb.On(bus.EventRelayDelivered, func(e bus.Event) {
		m.InFlight.Dec()
		m.Delivered.Inc()
		m.Latency.Observe(e.Outcome.Elapsed.Seconds())
	})
	eb.On(bus.EventRelayFailed, func(e bus.Event) {
		m.InFlight.Dec()
		m.Failed.Inc()
		m.Latency.Observe(e.Outcome.Elapsed.Seconds())
	})
	eb.On(bus.EventAttachmentDropped, func(e bus.Event) {
		m.Dropped.Inc()
	})
}
