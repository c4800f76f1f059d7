// Package protocol defines the WebSocket message types and structures used for
// communication between the hub and its clients. All messages are serialized
// as JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeRegisterUser   = "register_user"
	TypePrivateMessage = "send_private_message"
	TypeCreateGroup    = "create_group"
	TypeJoinGroup      = "join_group"
	TypeGroupMessage   = "send_group_message"
	TypeAskAI          = "ask_ai"
	TypePing           = "ping"
)

// Server -> Client message types.
const (
	TypeUserList            = "update_user_list"
	TypeGroupList           = "update_group_list"
	TypeErrorMessage        = "error_message"
	TypeReceivePrivate      = "receive_private_message"
	TypeGroupNotification   = "group_notification"
	TypeReceiveGroupMessage = "receive_group_message"
	TypeAIResponse          = "ai_response"
	TypePong                = "pong"
)

// Payload kinds for private and group messages.
const (
	KindText  = "text"
	KindImage = "image"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// RegisterUserMsg claims a display name for the sending connection.
type RegisterUserMsg struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

// PrivateMessageMsg sends a direct message to another user by display name.
// Kind is "text" (Message set) or "image" (Image set to an image reference).
type PrivateMessageMsg struct {
	Type    string `json:"type"`
	To      string `json:"to"`
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
	Image   string `json:"image,omitempty"`
}

// CreateGroupMsg creates a new group with the sender as its first member.
type CreateGroupMsg struct {
	Type  string `json:"type"`
	Group string `json:"group"`
}

// JoinGroupMsg adds the sender to an existing group.
type JoinGroupMsg struct {
	Type  string `json:"type"`
	Group string `json:"group"`
}

// GroupMessageMsg sends a message to every member of a group except the sender.
type GroupMessageMsg struct {
	Type    string `json:"type"`
	Group   string `json:"group"`
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
	Image   string `json:"image,omitempty"`
}

// AskAIMsg relays a prompt to the completion endpoint on behalf of the sender.
type AskAIMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// UserListMsg carries the display names visible to the receiving user. The
// receiver's own name is excluded.
type UserListMsg struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// GroupListMsg carries the full group directory: group name to ordered member
// names.
type GroupListMsg struct {
	Type   string              `json:"type"`
	Groups map[string][]string `json:"groups"`
}

// ErrorMessageMsg reports a recoverable error to the originating connection.
type ErrorMessageMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ReceivePrivateMsg delivers a direct message to its recipient.
type ReceivePrivateMsg struct {
	Type    string `json:"type"`
	From    string `json:"from"`
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
	Image   string `json:"image,omitempty"`
}

// GroupNotificationMsg announces a membership change to a group's members.
type GroupNotificationMsg struct {
	Type    string `json:"type"`
	Group   string `json:"group"`
	Message string `json:"message"`
}

// ReceiveGroupMsg delivers a group message to a member.
type ReceiveGroupMsg struct {
	Type    string `json:"type"`
	Group   string `json:"group"`
	From    string `json:"from"`
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
	Image   string `json:"image,omitempty"`
}

// AIResponseMsg delivers the completion result (or a normalized failure text)
// to the requester.
type AIResponseMsg struct {
	Type    string `json:"type"`
	From    string `json:"from"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeRegisterUser:
		var m RegisterUserMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePrivateMessage:
		var m PrivateMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCreateGroup:
		var m CreateGroupMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinGroup:
		var m JoinGroupMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeGroupMessage:
		var m GroupMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAskAI:
		var m AskAIMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
