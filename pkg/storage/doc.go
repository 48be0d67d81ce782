// Package storage persists the gateway's durable state (directories,
// conversations, repositories, tasks, git snapshots) in an embedded
// BoltDB file. All mutators are individually atomic; multi-row invariants
// such as the directory archive cascade and task reorder run inside a
// single transaction.
package storage
