// Package message defines the command and response envelopes exchanged between
// a stacker client and the stacker server.
//
// A Command names a target object ("system") on the server, one of its methods
// ("command"), and the arguments for the call. The server answers every
// Command with exactly one Response; failures travel back as data, never as a
// transport error.
package message

import (
	"fmt"
	"sort"
	"strings"
)

// Status is the outcome of a dispatched command.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Failure reasons reported in Response.Reason.
const (
	ReasonAuth        = "Authentication required."
	ReasonNoSystem    = "System not specified."
	ReasonNoCommand   = "Command not specified."
	ReasonException   = "exception"
	ReasonTransport   = "transport error"
	ReasonEncode      = "command not encodable"
	ReasonRateLimited = "rate limit exceeded"
)

// Command carries a single remote method call.
//
//   - System:  name of the target object on the server, e.g. "sam".
//   - Command: method of that target, e.g. "xr".
//   - Auth and Sender are filled in by the client just before sending.
type Command struct {
	Auth    string         `json:"auth" cbor:"auth"`
	Sender  string         `json:"sender" cbor:"sender"`
	System  string         `json:"system" cbor:"system"`
	Command string         `json:"command" cbor:"command"`
	Args    []any          `json:"args" cbor:"args"`
	Kwargs  map[string]any `json:"kwargs" cbor:"kwargs"`
}

// String renders the command as a call expression, e.g. "sam.xr(1.5, velocity=2)".
func (c *Command) String() string {
	parts := make([]string, 0, len(c.Args)+len(c.Kwargs))
	for _, a := range c.Args {
		parts = append(parts, fmt.Sprint(a))
	}
	keys := make([]string, 0, len(c.Kwargs))
	for k := range c.Kwargs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, c.Kwargs[k]))
	}
	return fmt.Sprintf("%s.%s(%s)", c.System, c.Command, strings.Join(parts, ", "))
}

// Response is the server's answer to a Command.
//
// Reason is set iff Status is failed. Exception carries the error text when
// the invoked method itself failed. Msgs holds the diagnostic messages the
// server emitted while processing the command, in order.
type Response struct {
	Status      Status   `json:"status" cbor:"status"`
	ReturnValue any      `json:"return_value" cbor:"return_value"`
	Reason      string   `json:"reason,omitempty" cbor:"reason,omitempty"`
	Exception   string   `json:"exception,omitempty" cbor:"exception,omitempty"`
	Msgs        []string `json:"msgs" cbor:"msgs"`
}

// OK reports whether the command succeeded.
func (r *Response) OK() bool {
	return r != nil && r.Status == StatusSuccess
}

// Success builds a successful response carrying v.
func Success(v any) *Response {
	return &Response{Status: StatusSuccess, ReturnValue: v}
}

// Failed builds a failed response with the given reason and no return value.
func Failed(reason string) *Response {
	return &Response{Status: StatusFailed, Reason: reason}
}

// Exception builds the response for a method that returned an error or panicked.
func Exception(err error) *Response {
	return &Response{Status: StatusFailed, Reason: ReasonException, Exception: err.Error()}
}
