package webhook

import "errors"

var (
	// ErrSubscriptionInactive indicates the owning subscription was
	// deactivated; pending deliveries move straight to dead.
	ErrSubscriptionInactive = errors.New("webhook: subscription inactive")

	// ErrNotFound indicates the subscription or delivery does not exist.
	ErrNotFound = errors.New("webhook: not found")
)
