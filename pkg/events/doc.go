/*
Package events provides an in-memory broker for escrowd lifecycle events.

The events package decouples the model from anything that wants to observe
it. The model publishes an event after every successful write (token
created, configuration staged, transition finished, ...) and subscribers
receive them on buffered channels. Publishing never blocks: when the broker's
buffer or a subscriber's channel is full the event is dropped, so a slow
consumer can never stall a write path.

# Event types

	pivtoken.created / updated / deleted / replaced
	recovery_configuration.created / staged / activated /
	    expired / reactivated / deleted
	transition.started / finished / aborted

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	for ev := range sub {
		fmt.Println(ev.Type, ev.Metadata)
	}

Events are advisory. Nothing in escrowd's correctness depends on delivery;
the durable record is always the store.
*/
package events
