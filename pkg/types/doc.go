// Package types defines the data model shared by every agent in the fleet:
// the message envelope and its payload variants, tasks, health snapshots and
// agent configuration.
package types
