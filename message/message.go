// Package message defines the values exchanged in a remote call.
//
// CallRequest and CallOutcome are what callers and middleware see. RPCMessage is the
// wire envelope that the codec layer serializes and the protocol layer frames for TCP.
package message

import (
	"encoding/json"
	"time"
)

// CallRequest is one invocation of a named backend operation.
// It is created per call and discarded once the call resolves.
type CallRequest struct {
	Operation  string         // Backend function name, e.g. "get_kpis"
	Params     map[string]any // Sanitized parameters, nil values are explicit nulls
	Timeout    time.Duration  // Per-attempt timeout
	MaxRetries int            // Retries allowed after the first attempt
}

// CallOutcome is the result handed back to callers.
//
// On success Error is nil and Data holds the backend's JSON result (which may itself be
// null). On failure Data is nil and Error is set. Callers never need recover().
type CallOutcome struct {
	Data  json.RawMessage `json:"data"`
	Error *ErrorInfo      `json:"error"`
}

// Success wraps data in an outcome.
func Success(data json.RawMessage) *CallOutcome {
	return &CallOutcome{Data: data}
}

// Failure wraps err in an outcome, converting it to an ErrorInfo.
func Failure(err error) *CallOutcome {
	return &CallOutcome{Error: AsErrorInfo(err)}
}

// OK reports whether the outcome is a success.
func (o *CallOutcome) OK() bool {
	return o != nil && o.Error == nil
}

// Decode unmarshals the outcome's data into v. A null or empty result leaves v untouched.
func (o *CallOutcome) Decode(v any) error {
	if o.Error != nil {
		return o.Error
	}
	if len(o.Data) == 0 {
		return nil
	}
	return json.Unmarshal(o.Data, v)
}

// RPCMessage carries a single request or response on the wire.
//
//   - On request:  Operation is set, Payload contains the JSON parameters, Error is empty.
//   - On response: Payload contains the JSON result, Error/Code are set if the call failed.
type RPCMessage struct {
	Operation string `msgpack:"op"`
	Error     string `msgpack:"err,omitempty"`
	Code      string `msgpack:"code,omitempty"` // Backend error code, empty when none
	Payload   []byte `msgpack:"payload"`
}

// Outcome converts a response envelope into a CallOutcome.
func (m *RPCMessage) Outcome() *CallOutcome {
	if m.Error != "" || m.Code != "" {
		return &CallOutcome{Error: &ErrorInfo{Message: m.Error, Code: m.Code}}
	}
	return Success(json.RawMessage(m.Payload))
}
