/*
Package types defines the core data structures shared across the AgentMux
gateway: the scope triple, directories, conversations, repositories,
tasks, git snapshots, and the dynamic Value sum type used for opaque
JSON payloads.

All enums use typed string constants. Records are JSON-serializable and
stored as-is by pkg/storage. Archiving is sticky everywhere: ArchivedAt
transitions only nil -> timestamp and never back.
*/
package types
