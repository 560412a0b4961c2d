package model

import "errors"

// Pipeline error taxonomy. All of these are recoverable at the pipeline level;
// no single event's failure may halt ingestion.
var (
	// ErrMalformedPayload marks an event whose required identifying fields are
	// absent. Dropped and counted, not fatal.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrUnsupportedEventKind marks an event type the system does not
	// understand. Logged and dropped, not fatal.
	ErrUnsupportedEventKind = errors.New("unsupported event kind")

	// ErrStaleWrite is the expected rejection of an out-of-order write. Not an
	// error condition operationally.
	ErrStaleWrite = errors.New("stale write")

	// ErrWriteDeferred means the audit intake queue is full and the record was
	// not accepted. The caller decides whether to count it as loss.
	ErrWriteDeferred = errors.New("audit write deferred")

	// ErrWriteFailed means a batch exhausted its retry budget.
	ErrWriteFailed = errors.New("audit write failed")

	// ErrPublishFailed means the fanout publish did not complete. Best-effort;
	// the next event for the same key retries naturally.
	ErrPublishFailed = errors.New("publish failed")

	// ErrShuttingDown rejects events arriving after cooperative shutdown has
	// begun. Terminal for the event, not for the process.
	ErrShuttingDown = errors.New("shutting down")
)
