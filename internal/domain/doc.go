// Package domain defines the core domain types and interfaces.
//
// Concept-oriented files (errors.go, session.go, alert.go, message.go, ...)
// hold shared types and the collaborator contracts the hub depends on.
// No implementation code - just contracts.
package domain
