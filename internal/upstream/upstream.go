// Package upstream defines the neutral contract between the session manager
// and the hosted AI service. The session manager only sees these types; the
// gemini subpackage adapts them onto the real wire protocol.
package upstream

import "context"

// SessionConfig is everything the service needs at session start.
type SessionConfig struct {
	SystemInstruction string
	Tools             []ToolDecl
	InputSampleRate   int
	OutputSampleRate  int
}

// ToolDecl declares one callable tool to the service. Parameters are flat
// string-typed fields, which is all the built-in catalog needs.
type ToolDecl struct {
	Name        string
	Description string
	Params      []ParamDecl
}

type ParamDecl struct {
	Name        string
	Description string
	Required    bool
}

// ToolCall is one named invocation requested by the service.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResult correlates a response to its call ID. Exactly one result is sent
// per received call.
type ToolResult struct {
	ID       string
	Name     string
	Response map[string]any
}

// ServerMessage is one inbound event. The payload kinds are independent and
// non-exclusive: a single message may carry audio, text, and tool calls.
type ServerMessage struct {
	// Audio holds zero or more s16le PCM chunks at the output sample rate.
	Audio [][]byte
	// Text is the concatenated text payload, empty when absent.
	Text string
	// ToolCalls are dispatched synchronously in order.
	ToolCalls []ToolCall
	// Interrupted signals barge-in: all queued playback must stop now.
	Interrupted bool
	// TurnComplete marks the end of a model turn.
	TurnComplete bool
}

// Conn is a live bidirectional session. Receive blocks until the next message
// or a terminal error; after Close, Receive returns promptly with an error.
// Send methods are safe for concurrent use.
type Conn interface {
	SendAudio(pcm []byte) error
	SendFrame(jpeg []byte) error
	SendToolResults(results []ToolResult) error
	Receive() (*ServerMessage, error)
	Close() error
}

// Dialer opens sessions. Dial blocks until the session is established or the
// context is done.
type Dialer interface {
	Dial(ctx context.Context, cfg SessionConfig) (Conn, error)
}
