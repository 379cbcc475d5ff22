// Package domain contains the core domain entities and value objects for
// studiolock.
//
// This package represents the innermost layer of the architecture. It has no
// dependencies on infrastructure concerns (ledger transport, file system,
// logging) and contains only pure business logic.
//
// # Entities
//
//   - [LockRecord]: A distributed editing lock over one project, stored in the ledger
//   - [QueueEntry]: A deferred network operation awaiting retry
//   - [AuditEntry]: An immutable record of one operation outcome
//   - [ChangeEvent]: A filesystem change notification for a project
//
// # Design Principles
//
// Domain entities are:
//   - Immutable after construction (where practical)
//   - Free of infrastructure dependencies
//   - Focused on business rules and invariants
//   - Testable without mocks or external systems
package domain
