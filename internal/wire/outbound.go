package wire

// Auth is the first frame sent after the websocket opens.
type Auth struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// NewAuth builds an auth frame carrying the runner token.
func NewAuth(token string) Auth {
	return Auth{Type: TypeAuth, Token: token}
}

// Pong answers an application-level ping.
type Pong struct {
	Type string `json:"type"`
}

// NewPong builds a pong frame.
func NewPong() Pong {
	return Pong{Type: TypePong}
}

// Status reports the runner's availability and model list to the relay.
type Status struct {
	Type       string   `json:"type"`
	Status     string   `json:"status"`
	Models     []string `json:"models,omitempty"`
	DeviceName string   `json:"deviceName,omitempty"`
}

// NewStatus builds an "online" status report.
func NewStatus(models []string, deviceName string) Status {
	return Status{Type: TypeStatus, Status: "online", Models: models, DeviceName: deviceName}
}

// ChatResponse carries one piece of a generation stream. A frame with Done
// or Error set is terminal for its request id.
type ChatResponse struct {
	Type      string  `json:"type"`
	RequestID string  `json:"requestId"`
	Chunk     *string `json:"chunk,omitempty"`
	Content   *string `json:"content,omitempty"`
	Done      *bool   `json:"done,omitempty"`
	Error     *string `json:"error,omitempty"`
	Usage     *Usage  `json:"usage,omitempty"`
}

// Terminal reports whether this response ends its stream.
func (r ChatResponse) Terminal() bool {
	return (r.Done != nil && *r.Done) || r.Error != nil
}

// NewChunkResponse builds a non-terminal streamed chunk.
func NewChunkResponse(requestID, text string) ChatResponse {
	return ChatResponse{Type: TypeChatResponse, RequestID: requestID, Chunk: &text}
}

// NewDoneResponse builds the terminal success frame for a request, carrying
// the accumulated content and usage accounting.
func NewDoneResponse(requestID, content string, usage *Usage) ChatResponse {
	done := true
	return ChatResponse{
		Type:      TypeChatResponse,
		RequestID: requestID,
		Content:   &content,
		Done:      &done,
		Usage:     usage,
	}
}

// NewErrorResponse builds the terminal error frame for a request.
func NewErrorResponse(requestID, reason string) ChatResponse {
	done := true
	return ChatResponse{
		Type:      TypeChatResponse,
		RequestID: requestID,
		Done:      &done,
		Error:     &reason,
	}
}
