package protocol

import (
	"encoding/json"
	"fmt"
)

// ClientMessage is the envelope for client → server frames.
type ClientMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// Event is the envelope for server → client frames. Stream events and
// failures carry Data; auth_required and complete carry Message.
type Event struct {
	Type    string `json:"type"`
	Data    string `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// Client → Server message types.
const (
	TypeInput = "input"
)

// Server → Client event types.
const (
	TypeOutput       = "output"
	TypeError        = "error"
	TypeAuthRequired = "auth_required"
	TypeComplete     = "complete"
)

// Fixed client-facing texts.
const (
	AuthRequiredMessage  = "Authentication required. Please set a valid GitHub token with Copilot access in the GH_TOKEN environment variable."
	CompleteMessage      = "Response complete"
	EmptyCompleteMessage = "Response complete (no output)"
	BusyMessage          = "Copilot is still processing the previous prompt"
)

// Output wraps a stdout chunk.
func Output(chunk string) Event {
	return Event{Type: TypeOutput, Data: chunk}
}

// Error wraps a stderr chunk or failure description.
func Error(data string) Event {
	return Event{Type: TypeError, Data: data}
}

// AuthRequired is emitted instead of Error when stderr signals missing credentials.
func AuthRequired() Event {
	return Event{Type: TypeAuthRequired, Message: AuthRequiredMessage}
}

// Complete signals a successful invocation that produced output.
func Complete() Event {
	return Event{Type: TypeComplete, Message: CompleteMessage}
}

// EmptyComplete signals a successful invocation with no output.
func EmptyComplete() Event {
	return Event{Type: TypeComplete, Message: EmptyCompleteMessage}
}

// ExitError reports a non-zero exit code.
func ExitError(code int) Event {
	return Error(fmt.Sprintf("Copilot exited with code %d", code))
}

// LaunchError reports that the executable could not be started.
func LaunchError(err error) Event {
	return Error(fmt.Sprintf("Failed to start copilot: %v", err))
}

// Encode marshals an event to a text frame payload.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}
