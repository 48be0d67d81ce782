/*
Package session owns the in-memory set of PTY-backed sessions and the
runtime state machine:

	running -> needs-input -> running -> completed -> running -> exited

Exit is terminal; an exited session is retained as a tombstone for the
configured TTL so late observers can still see the exit, then removed.
Starting a session with a tombstone's id replaces it.

The live-session adapter side maintains a per-session append-only output
cursor and an in-memory backlog ring. Attaching replays the backlog
strictly after the requested cursor before any live chunk, and live
output fans out to all attachments synchronously in attach order. The
producer never waits on slow clients; delivery sinks enqueue and drop.

At most one controller may hold a session. While a claim is set, raw
input, resize, and signal frames from other connections are silently
dropped, and command-level mutations are rejected.
*/
package session
