// Package server implements a background "listen-and-react" dispatch loop
// over a byte resource, such as a serial port.
//
// A Server owns exactly one worker goroutine while enabled. The worker polls
// its Resource, and calls the Handler whenever bytes are readable. Control
// operations (Enable, Disable, SetResource, SetWorkerParameters) may be
// called from any goroutine, including from within the Handler itself.
//
// # Reentrant calls
//
// The Handler receives a context that identifies the worker. Passing that
// context to a control operation marks the call as reentrant: instead of
// blocking (which would deadlock the worker on itself), the call records an
// intent, and returns nil immediately. Intents are resolved once the Handler
// returns:
//
//   - Disable stops the worker at the end of the current poll cycle
//   - Disable followed by Enable rescinds the disable, the worker keeps running
//   - SetResource and SetWorkerParameters restart the worker at the end of the
//     cycle, unless a disable is pending
//
// The outcome of a reentrant call is only observable later, via IsEnabled.
// Goroutines started by the Handler may make reentrant calls with its
// context, as long as the Handler waits for them before returning.
//
// # Pausing dispatch
//
// Server.Lock holds off the worker between poll cycles, for callers that
// need to talk to the resource directly. Control operations block while it
// is held.
//
// # Failures
//
// Handler errors and panics never stop the Server. They are counted (see
// Stats), logged at a limited rate, and the worker proceeds to the next poll.
package server
