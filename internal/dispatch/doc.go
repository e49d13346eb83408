// Package dispatch turns broker deliveries into command invocations.
//
// A Processor decodes each message body into a Request, runs the configured
// validators, and submits work to a bounded Pool. Ordinary requests go through
// parse → validate → IN_PROGRESS update → resolve → invoke → format → final
// update. Requests that arrive already terminal only get their status update
// re-sent.
//
// Every submitted task completes with a protocol.Result on its Handle. The
// Outcome inside tells the consumer whether to ack, discard or republish the
// delivery; a non-nil Err is fatal for the consumer.
//
// Error handling:
//   - Unparseable body → DiscardError (nack without requeue)
//   - Validator DiscardError → nack without requeue
//   - Unknown command → request ends in ERROR
//   - Command error or panic → request ends in ERROR with error class
//   - Pool panic → fatal Result
//
// The administrative variant runs with one worker, skips the IN_PROGRESS
// update and reports through a no-op updater.
package dispatch
