// Package hub is the in-memory session and alert broadcast hub.
//
// A single actor goroutine owns every registry (connections, sessions,
// topic subscriptions, alert rules) and receives typed commands over a
// buffered channel. Public methods enqueue a command and, where they return
// a value, wait for the reply with a timeout. Sockets are never written from
// the actor: each Peer owns its own writer and the hub only performs
// non-blocking enqueues, evicting peers whose buffer is full.
package hub
