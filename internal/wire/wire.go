// Package wire defines the typed JSON frames exchanged with the relay.
//
// Every frame is a JSON object tagged by a "type" field. Field names are
// camelCase to match the relay's protocol.
package wire

import (
	"encoding/json"
	"fmt"
)

// Frame type tags.
const (
	TypeAuth         = "auth"
	TypeAuthSuccess  = "auth_success"
	TypeAuthError    = "auth_error"
	TypeChatRequest  = "chat_request"
	TypeChatResponse = "chat_response"
	TypeCancel       = "cancel"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeStatus       = "status"
)

// ChatMessage is a single turn of the prompt payload.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions carries per-request generation settings.
type ChatOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stream      *bool    `json:"stream,omitempty"`
}

// Usage reports token accounting for a completed generation.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// AuthSuccess is sent by the relay when the token is accepted.
type AuthSuccess struct {
	RunnerID string `json:"runnerId"`
}

// AuthError is sent by the relay when the token is rejected.
type AuthError struct {
	Error string `json:"error"`
}

// ChatRequest asks the runner to generate a completion. RequestID correlates
// the response stream with this request.
type ChatRequest struct {
	RequestID string        `json:"requestId"`
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	Options   ChatOptions   `json:"options"`
}

// Cancel aborts the in-flight request with the given id.
type Cancel struct {
	RequestID string `json:"requestId"`
}

// Ping is an application-level liveness probe from the relay.
type Ping struct{}

// ParseServerFrame decodes an inbound relay frame into its typed form.
//
// Unknown frame types yield (nil, nil) so callers can skip them without
// treating protocol evolution as an error.
func ParseServerFrame(data []byte) (any, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch head.Type {
	case TypeAuthSuccess:
		var frame AuthSuccess
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", head.Type, err)
		}
		return frame, nil
	case TypeAuthError:
		var frame AuthError
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", head.Type, err)
		}
		return frame, nil
	case TypeChatRequest:
		var frame ChatRequest
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", head.Type, err)
		}
		return frame, nil
	case TypeCancel:
		var frame Cancel
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", head.Type, err)
		}
		return frame, nil
	case TypePing:
		return Ping{}, nil
	default:
		return nil, nil
	}
}
