// Package logging configures structured JSON logging for mediasync.
// The daemon logs to stderr; with --debug it also writes to a rotating file
// under ~/.mediasync/logs/ which `mediasync logs` can tail.
package logging
