// Package session owns duplex channel helpers shared by the reader and tag
// connections.
//
// Ownership boundary:
// - apdu_request / apdu_response envelopes
// - per (session, role) outbox multiplexing
// - transport timeouts and reconnect backoff
//
// Outbox delivery is FIFO per (session, role) and at-most-once: nothing is
// delivered after a detach, and a replacing attach orphans the older queue.
package session
