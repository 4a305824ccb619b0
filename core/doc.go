// Package core defines the domain model shared by the hostaudit pipelines.
//
// # Overview
//
// Two pipelines share these types:
//   - Posture: a collector emits a FactsDocument, rules turn it into AuditOutcome rows.
//   - Detection: raw audit-log text becomes SecurityEvent rows, heuristics turn those
//     into Detection rows which are pushed to live subscribers.
//
// The package also holds DedupGuard, which decides whether a candidate Detection is
// new enough to be stored and announced. Storage is reached through small interfaces
// declared here so the guard can be tested without a database.
package core
