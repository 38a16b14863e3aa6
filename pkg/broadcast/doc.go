// Package broadcast provides type-safe one-to-many message delivery with
// bounded, drop-oldest subscriber buffers.
//
// Two implementations share the Broadcaster interface:
//
//   - MemoryBroadcaster fans out to subscribers inside the process.
//   - RedisBroadcaster relays messages through a Redis pub/sub channel so every
//     process subscribed to the channel sees them.
//
// Basic usage:
//
//	b := broadcast.NewMemoryBroadcaster[string](10)
//	defer b.Close()
//
//	sub := b.Subscribe(ctx, broadcast.WithTopics[string]("emails"))
//	defer sub.Close()
//
//	_ = b.Broadcast(ctx, broadcast.Message[string]{Topic: "emails", Data: "hello"})
//
//	for msg := range sub.Receive(ctx) {
//		fmt.Println(msg.Data)
//	}
//
// Broadcast never blocks. When a subscriber falls behind, the oldest message
// in its buffer is evicted and counted in Dropped. Subscriptions end when their
// context is cancelled, when Close is called, or when the broadcaster closes.
package broadcast
