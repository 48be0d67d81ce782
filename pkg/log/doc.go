// Package log wraps zerolog with a global logger and child-logger helpers
// for the fields the gateway logs on every path (component, session,
// connection, directory).
package log
