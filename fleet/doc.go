// Package fleet defines the core persisted entities of the control plane:
// managed servers, network allocations, and backups, plus the owner
// notification boundary. Transfer and schedule entities live with the
// components that own their state transitions.
package fleet
