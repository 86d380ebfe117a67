// Package terminal bridges authenticated websockets to the persistent
// pty-mux session inside a session's container.
package terminal

import "encoding/json"

// Message types on the terminal websocket. The set is closed; anything
// else from the client is ignored.
const (
	// server -> client
	TypeOutput        = "output"
	TypeError         = "error"
	TypeRequestResize = "request-resize"

	// client -> server
	TypeInput  = "input"
	TypeResize = "resize"
)

// ServerMessage is a message sent to the client.
type ServerMessage struct {
	Type    string `json:"type"`
	Data    string `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// ClientMessage is a message received from the client.
type ClientMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols uint   `json:"cols,omitempty"`
	Rows uint   `json:"rows,omitempty"`
}

// Output builds an output message carrying raw terminal bytes.
func Output(data []byte) ServerMessage {
	return ServerMessage{Type: TypeOutput, Data: string(data)}
}

// Error builds a terminal error message; the connection closes after it.
func Error(message string) ServerMessage {
	return ServerMessage{Type: TypeError, Message: message}
}

// ParseClientMessage decodes one client message.
func ParseClientMessage(raw []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
