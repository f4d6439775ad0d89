/*
Package events carries host lifecycle signals to the agent.

Hosts publish EventForeground and EventBackground on a Broker; the agent
subscribes and runs an extra push cycle whenever the application moves to
the background, since that may be the last chance to ship logs before the
process is suspended.

Publishing never blocks. Each subscriber has a small buffered channel and
events are dropped for a subscriber whose buffer is full: lifecycle signals
only trigger opportunistic work, and the periodic push covers anything
missed.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			if ev.Type == events.EventBackground {
				pusher.RunCycle(ctx)
			}
		}
	}()

	broker.Publish(&events.Event{Type: events.EventBackground})

Stop closes all subscriber channels, ending range loops like the one above.
*/
package events
