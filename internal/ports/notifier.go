package ports

import "context"

// Notifier emits human-readable status messages on trigger, stop, TP and
// failure events. Delivery is best-effort; the core never depends on it.
type Notifier interface {
	Notify(ctx context.Context, message string)
}
