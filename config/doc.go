// Package config implements configuration loading for the nodeflow panel.
//
// Configuration is resolved in three layers: built-in defaults, an optional
// YAML file, and environment variables prefixed with NODEFLOW_. Nested
// sections map to underscore-joined env keys, e.g. the scheduler poll
// interval is NODEFLOW_SCHEDULER_POLL_INTERVAL.
package config
