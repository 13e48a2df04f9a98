package network

import (
	"context"

	"github.com/courier-project/courier/internal/events"
)

// EventHook returns a transmit hook that emits bundle_sent for every
// transmission and packets_discarded when any packet was abandoned.
func EventHook(ctx context.Context, eventBus *events.EventBus) TransmitHook {
	return func(ch Channel, res TransmitResult) {
		payload := events.TransmitPayload{
			Channel:   ch.Name(),
			Packets:   res.Packets,
			Bytes:     res.Bytes,
			Discarded: res.DiscardedIndexes(),
		}
		eventBus.Emit(ctx, events.Event{Type: events.EventBundleSent, Source: ch.Name(), Payload: payload})
		if !res.OK() {
			eventBus.Emit(ctx, events.Event{Type: events.EventPacketsDiscarded, Source: ch.Name(), Payload: payload})
		}
	}
}
