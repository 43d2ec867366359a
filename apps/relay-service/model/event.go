package model

import "encoding/json"

// WebSocket事件名
const (
	EventUserLogin    = "user_login"
	EventPing         = "ping"
	EventPong         = "pong"
	EventLoginSuccess = "login_success"
	EventLoginFailed  = "login_failed"
	EventNewMessage   = "new_message"
	EventStatusUpdate = "message_status_update"
	EventUserOnline   = "user_online"
	EventUserOffline  = "user_offline"
	EventError        = "error"
)

// Envelope WebSocket帧 {"event": "...", "data": {...}}
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// LoginRequest user_login事件数据
type LoginRequest struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// NewMessagePayload new_message事件数据
type NewMessagePayload struct {
	Type string   `json:"type"`
	Data *Message `json:"data"`
}

// StatusUpdatePayload message_status_update事件数据
type StatusUpdatePayload struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

// NewEnvelope 编码事件帧
func NewEnvelope(event string, data interface{}) ([]byte, error) {
	env := Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// PresencePayload user_online / user_offline事件数据
type PresencePayload struct {
	UserID string `json:"userId"`
}

// ErrorPayload error事件数据
type ErrorPayload struct {
	Message string `json:"message"`
}
