// Package app provides the application service layer.
//
// Orchestrates use cases around the hub: session creation and status changes,
// metric publication with cross-instance relay, benchmark broadcasts, the
// asynchronous persister that stands between the hub and the store, session
// hydration, and the leader-elected janitor that purges archived sessions.
// Depends on domain interfaces, not concrete adapters.
package app
