/*
Package events is the gateway's subscription bus. Durable mutations are
published as observed events, journaled in a bounded ring with monotonic
cursors, and fanned out to scope-filtered subscribers. New subscriptions
replay the journal strictly after their cursor before seeing live events,
so a reconnecting client never observes a gap or a reordering.
*/
package events
