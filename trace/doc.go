// Package trace configures the engine's log output.
//
// The engine logs through logrus. A Sink narrows that output with a
// Filter bit mask, optionally redirects it to a file, and can forward
// each admitted entry to a caller callback.
package trace
