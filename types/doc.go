// Package types defines shared types used across nodeflow packages:
// the unified error taxonomy and request-scoped identity helpers.
package types
