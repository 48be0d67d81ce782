/*
Package gateway is the control-plane server: a loopback TCP listener
speaking LF-terminated JSON envelopes, a service layer composing the
durable store, session registry, subscription bus, telemetry tokens, and
hook dispatcher, and the command dispatch that maps wire commands onto
those collaborators.

Commands mutate atomically and publish exactly one observed event per
durable mutation (archive cascades publish one per cascaded row, task
reorder one batched event). PTY output travels a parallel fast path from
the session registry straight to attached connections.
*/
package gateway
