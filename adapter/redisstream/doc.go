// Package redisstream provides a Redis Streams transport for xworld workers.
//
// Transport name: "redis-streams"
//
// Messages are read with XREADGROUP and acknowledged with XACK. A nacked
// message stays in the group's pending list; the claim loop picks it up
// again with XCLAIM once it has been idle for ClaimMinIdle, which is how a
// transient handler failure is retried. A message that has been delivered
// MaxDeliveries times is copied to the DeadLetter stream (when set) and
// acknowledged.
//
// Config keys:
//   - addr: "host:port" (default "127.0.0.1:6379")
//   - group: consumer group name (default "xworld")
//   - consumer: consumer name (default "xworld-<host>-<pid>")
//   - concurrency: number of workers (default 8)
//   - batch_size: XREADGROUP COUNT (default 128)
//   - block: XREADGROUP BLOCK duration (default 5s)
//   - auto_create: create group/stream if missing (default true)
//   - auto_delete_on_ack: XDEL after XACK (default false)
//   - claim_min_idle: idle time before a pending message is redelivered (default 30s)
//   - max_deliveries: attempts before poison handling (default 5, 0 = unlimited)
//   - dead_letter: stream receiving poison messages (optional)
//
// Example:
//
//	w := redisstream.Use(redisstream.Config{Addr: "localhost:6379", Group: "world"}, proc,
//	    redisstream.WithLogger(logger),
//	)
package redisstream
