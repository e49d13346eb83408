package protocol

import (
	"encoding/json"
	"strconv"
)

// Header table keys carried on every request message.
const (
	HeaderRetryAttempt = "retry_attempt"
	HeaderTimeToWait   = "time_to_wait"
	HeaderRequestID    = "request_id"
)

// Headers is the retry envelope that travels alongside a request body.
type Headers struct {
	RetryAttempt int
	// TimeToWait is in seconds. Zero means unset.
	TimeToWait float64
	RequestID  string
}

// HeadersFromTable reads the envelope out of a broker header table. Numeric
// values may arrive in any integer or float width; garbage is ignored.
func HeadersFromTable(t map[string]any) Headers {
	var h Headers
	if t == nil {
		return h
	}
	if v, ok := toFloat(t[HeaderRetryAttempt]); ok {
		h.RetryAttempt = int(v)
	}
	if v, ok := toFloat(t[HeaderTimeToWait]); ok {
		h.TimeToWait = v
	}
	switch v := t[HeaderRequestID].(type) {
	case string:
		h.RequestID = v
	case []byte:
		h.RequestID = string(v)
	}
	return h
}

// Table converts the envelope back into a header table.
func (h Headers) Table() map[string]any {
	t := map[string]any{
		HeaderRetryAttempt: int64(h.RetryAttempt),
		HeaderTimeToWait:   h.TimeToWait,
	}
	if h.RequestID != "" {
		t[HeaderRequestID] = h.RequestID
	}
	return t
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
