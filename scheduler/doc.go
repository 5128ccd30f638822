// Package scheduler runs cron-bound task sequences against servers.
//
// A Runner polls due schedules and executes their tasks in sequence
// order through the node daemon client. Overlapping runs of the same
// schedule are skipped, not queued; multi-instance deployments add a
// redis lease on top of the in-process guard.
package scheduler
