package protocol

import "fmt"

// OutcomeKind says what the consumer must do with a delivery.
type OutcomeKind int

const (
	OutcomeAck OutcomeKind = iota
	OutcomeDiscard
	OutcomeRepublish
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAck:
		return "ack"
	case OutcomeDiscard:
		return "discard"
	case OutcomeRepublish:
		return "republish"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the result of processing or updating a request.
// Reason is set for Discard; Request and Headers for Republish.
type Outcome struct {
	Kind    OutcomeKind
	Reason  string
	Request *Request
	Headers Headers
}

func AckOutcome() Outcome {
	return Outcome{Kind: OutcomeAck}
}

func DiscardOutcome(reason string) Outcome {
	return Outcome{Kind: OutcomeDiscard, Reason: reason}
}

// RepublishOutcome asks the consumer to put req back on its queue with headers.
func RepublishOutcome(req *Request, headers Headers) Outcome {
	return Outcome{Kind: OutcomeRepublish, Request: req, Headers: headers}
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeDiscard:
		return fmt.Sprintf("discard(%s)", o.Reason)
	case OutcomeRepublish:
		return fmt.Sprintf("republish(attempt=%d, wait=%gs)", o.Headers.RetryAttempt, o.Headers.TimeToWait)
	default:
		return o.Kind.String()
	}
}

// Result is what an asynchronous processing task completes with.
// A non-nil Err means the task failed in a way the consumer cannot recover from.
type Result struct {
	Outcome Outcome
	Err     error
}
