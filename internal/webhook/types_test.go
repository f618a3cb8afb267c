package webhook

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/harborpay/eventflow/internal/event"
)

func TestSubscriptionMatches(t *testing.T) {
	sub := &Subscription{EventTypes: []string{event.TypePaymentLinkCreated, event.TypePaymentOrderCompleted}}
	require.True(t, sub.Matches(event.TypePaymentLinkCreated))
	require.True(t, sub.Matches(event.TypePaymentOrderCompleted))
	require.False(t, sub.Matches(event.TypePaymentOrderFailed))

	wildcard := &Subscription{EventTypes: []string{EventTypeWildcard}}
	require.True(t, wildcard.Matches(event.TypePaymentOrderFailed))
	require.True(t, wildcard.Matches("anything.at_all"))

	empty := &Subscription{}
	require.False(t, empty.Matches(event.TypePaymentLinkCreated))
}

func TestDeliveryTerminal(t *testing.T) {
	for status, terminal := range map[Status]bool{
		StatusPending:        false,
		StatusInFlight:       false,
		StatusRetryScheduled: false,
		StatusDelivered:      true,
		StatusDead:           true,
	} {
		d := &Delivery{Status: status}
		require.Equal(t, terminal, d.Terminal(), "status %s", status)
	}
}
