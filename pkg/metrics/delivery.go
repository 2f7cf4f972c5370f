package metrics

import "time"

// DeliveryMetrics records retry queue activity.
type DeliveryMetrics struct {
	registry *Registry
}

// Delivery returns the delivery metrics interface for the registry.
func (r *Registry) Delivery() *DeliveryMetrics {
	return &DeliveryMetrics{registry: r}
}

// RecordQueued counts an accepted event.
func (d *DeliveryMetrics) RecordQueued() {
	d.registry.deliveryQueued.Inc()
}

// RecordProcessed counts a successful redelivery.
func (d *DeliveryMetrics) RecordProcessed() {
	d.registry.deliveryProcessed.Inc()
}

// RecordFailedAttempt counts a failed redelivery attempt.
func (d *DeliveryMetrics) RecordFailedAttempt() {
	d.registry.deliveryFailed.Inc()
}

// RecordDeadLettered counts an item moved to the dead-letter store.
func (d *DeliveryMetrics) RecordDeadLettered() {
	d.registry.deliveryDeadLettered.Inc()
}

// RecordArchiveError counts a dead letter the archive could not store.
func (d *DeliveryMetrics) RecordArchiveError() {
	d.registry.deliveryArchiveErrors.Inc()
}

// SetSizes publishes the current queue and dead-letter store sizes.
func (d *DeliveryMetrics) SetSizes(pending, deadLetters int) {
	d.registry.deliveryPending.Set(float64(pending))
	d.registry.deliveryDeadLetters.Set(float64(deadLetters))
}

// ObservePass records the duration of a processing pass.
func (d *DeliveryMetrics) ObservePass(dur time.Duration) {
	d.registry.deliveryPassDuration.Observe(dur.Seconds())
}
