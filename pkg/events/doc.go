/*
Package events provides the in-memory event broker that feeds Colony's status
consumers.

The controller publishes an Event for every change a UI cares about: agents
coming and going and replicas being added, changing, going down or becoming
ready to remove. Events are notifications only. They carry no consistency
guarantee, and consumers that need the truth read the service registry.

# Delivery

	Publish ─▶ event queue (100) ─▶ broadcast loop ─▶ subscriber (50 each)

Publish never blocks: when the queue is full, or the broker is stopped, the
event is dropped. A subscriber whose buffer is full misses events without
slowing down the others.

# Event Types

	node.up                   an agent host joined the view
	node.down                 an agent host left the view
	service.added             a replica reported Running
	service.changed           any other replica transition, including restarts
	service.down              a replica reported Inactive or InactiveNoStart
	service.ready_to_remove   a replica reached DeleteInactive and left the registry
	config.reloaded           the desired configuration was replaced

Metadata uses the Meta* keys (host, service_id, service, state, restarts,
fatal).

# Redis Fan-out

RedisSink subscribes to a broker and republishes every event as JSON on a
Redis pub/sub channel (colony:events by default), for dashboards that run
outside the controller process:

	sink, err := events.NewRedisSink(ctx, events.RedisConfig{Addr: "localhost:6379"})
	if err != nil {
		return err
	}
	sink.Attach(broker)
	defer sink.Close()
*/
package events
