/*
Package events provides an in-process event broker for worker activity.

The worker publishes an Event for every state change it makes; the API's
WatchEvents stream and tests subscribe to them.

# Event types

	job.started      a job took the worker (JobID, metadata: kind)
	job.finished     a job ended (metadata: kind, result)
	job.rejected     a call was refused because the worker was busy
	worker.state     the worker state changed (metadata: state)
	queue.position   a build moved to the next queue item
	package.phase    the build log classifier saw a new phase
	package.status   a package status was reported to the coordinator
	media.progress   imaging progress in percent

# Delivery

Publish hands the event to a single dispatch goroutine, which preserves
publish order. Each subscriber has a 64-event buffer; a subscriber that
falls behind misses events rather than stalling the build. Stop closes
every subscriber channel, which ends open event streams.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe(events.EventPackageStatus)
	defer broker.Unsubscribe(sub)
	for ev := range sub {
		fmt.Println(ev.Metadata["package"], ev.Metadata["status"])
	}
*/
package events
