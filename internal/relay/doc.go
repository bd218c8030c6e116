// Package relay is the session manager: it speaks the relay wire protocol
// over WebSocket and fans committed records out to live subscriptions.
//
// # Frames
//
// Clients send JSON arrays tagged by a verb:
//
//	["EVENT", <record>]            submit a record
//	["REQ", <sub_id>, <filter>...] open a subscription
//	["CLOSE", <sub_id>]            close a subscription
//	["AUTH", <record>]             answer the auth challenge
//
// The relay answers with OK, EVENT, EOSE, CLOSED, NOTICE and AUTH frames.
// Reasons on OK and CLOSED use a "prefix: detail" form; see the Prefix
// constants.
//
// # Sessions
//
// Each connection runs a reader (the http handler goroutine), a writer and a
// pinger. All outbound frames go through one FIFO per connection. Replies to
// the client's own frames block the reader when the writer falls behind;
// live broadcasts never block and the oldest queued broadcast is dropped
// once OutboundQueue of them are waiting (counted in
// relay_broadcast_dropped_total).
//
// # Subscriptions
//
// A REQ registers its subscription before the historical query runs. Live
// matches that arrive while the snapshot is streaming are parked, then sent
// after EOSE unless the snapshot already contained them.
//
// # Fan-out
//
// Hub keeps a copy-on-write map of connections. After a record is committed
// (or immediately, for ephemeral records) the submitting connection calls
// Hub.Broadcast, which evaluates filter.Matches against every other
// connection's subscriptions.
package relay
