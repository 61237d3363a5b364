// Package stream maintains a resilient WebSocket subscription to an exchange
// depth/trade feed and surfaces normalized events to caller-supplied
// handlers.
//
// A Receiver owns one logical connection. The connection loop reconnects
// after a fixed interval on any transport error or heartbeat timeout;
// converter book state is reset on every reconnect because deltas missed
// during the outage are unrecoverable. Handlers run synchronously on the
// read loop and must not block.
package stream
