// Package server exposes the management API over HTTP.
//
// The API registers, inspects, updates and removes targets, triggers
// out-of-band syncs, and reports reconciliation metrics. Registration flows
// through the scheduler first and is persisted to the target registry
// second, so a persistence failure degrades restart durability but never
// blocks reconciliation.
package server
