package types

import (
	"encoding/json"
	"time"
)

// Inbound control message types (client -> server)
const (
	MessageTypeSubscribe        = "subscribe"
	MessageTypeUnsubscribe      = "unsubscribe"
	MessageTypeSubscribeBatch   = "subscribe-batch"
	MessageTypeUnsubscribeBatch = "unsubscribe-batch"
	MessageTypePublish          = "publish"
	MessageTypePing             = "ping"
	MessageTypeGetStats         = "get-stats"

	// Domain aliases that resolve onto the generic subscribe operations
	MessageTypeJoinMarket             = "join-market"
	MessageTypeLeaveMarket            = "leave-market"
	MessageTypeJoinUser               = "join-user"
	MessageTypeSubscribeNotifications = "subscribe-notifications"
	MessageTypeSubscribePredictions   = "subscribe-predictions"
	MessageTypeBatchSubscribe         = "batch-subscribe"
	MessageTypeBatchUnsubscribe       = "batch-unsubscribe"
)

// Outbound event types (server -> client)
const (
	EventPong             = "pong"
	EventMarketData       = "market-data"
	EventMarketUpdate     = "market-update"
	EventNotification     = "notification"
	EventPredictionUpdate = "prediction-update"
	EventConnectionStats  = "connection-stats"
	EventMessage          = "message"
	EventError            = "error"
)

// ControlMessage is a single inbound frame from a client.
// Data stays raw so the fan-out layer never inspects payloads it only forwards.
type ControlMessage struct {
	Type   string          `json:"type" validate:"required,max=64"`
	Topic  string          `json:"topic,omitempty" validate:"omitempty,max=128"`
	Topics []string        `json:"topics,omitempty" validate:"omitempty,max=500,dive,required,max=128"`
	Event  string          `json:"event,omitempty" validate:"omitempty,max=64"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Envelope is the immutable outbound message written to subscribers.
type Envelope struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewEnvelope marshals data and stamps the envelope with the current time in milliseconds.
func NewEnvelope(event, topic string, data interface{}) (*Envelope, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:      event,
		Topic:     topic,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// Encode serializes the envelope once so it can be shared by every subscriber.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func marshalData(data interface{}) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, ErrInvalidPayload
		}
		return json.RawMessage(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, ErrInvalidPayload
		}
		return raw, nil
	}
}

// MarketData is a single price tick for a symbol
type MarketData struct {
	Symbol    string   `json:"symbol"`
	Price     float64  `json:"price"`
	Change    float64  `json:"change"`
	Volume    int64    `json:"volume"`
	Timestamp int64    `json:"timestamp"`
	Bid       *float64 `json:"bid,omitempty"`
	Ask       *float64 `json:"ask,omitempty"`
	High      *float64 `json:"high,omitempty"`
	Low       *float64 `json:"low,omitempty"`
	Open      *float64 `json:"open,omitempty"`
	Close     *float64 `json:"close,omitempty"`
}

// Notification is a user-directed alert
type Notification struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	Severity  string `json:"severity,omitempty"`
}

// PredictionUpdate carries a model output for a symbol
type PredictionUpdate struct {
	ID         string                 `json:"id"`
	Model      string                 `json:"model"`
	Symbol     string                 `json:"symbol"`
	Prediction float64                `json:"prediction"`
	Confidence float64                `json:"confidence"`
	Timestamp  int64                  `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ChatMessage is the payload of the generic "message" demo channel
type ChatMessage struct {
	Text      string `json:"text"`
	SenderID  string `json:"senderId"`
	Timestamp int64  `json:"timestamp"`
}

// Pong answers a client ping with the server clock
type Pong struct {
	ServerTime int64 `json:"serverTime"`
}

// ConnectionStats is the aggregate snapshot returned for get-stats
type ConnectionStats struct {
	TotalConnections  int64 `json:"totalConnections"`
	ActiveConnections int64 `json:"activeConnections"`
	MessagesSent      int64 `json:"messagesSent"`
	MessagesReceived  int64 `json:"messagesReceived"`
	Errors            int64 `json:"errors"`
	RejectedHandshake int64 `json:"rejectedHandshakes"`
	ActiveTopics      int   `json:"activeTopics"`
	RateLimitWindows  int   `json:"rateLimitWindows"`
}

// SessionInfo describes one live connection for stats and journaling
type SessionInfo struct {
	ID               string    `json:"id"`
	RemoteAddr       string    `json:"remote_addr"`
	UserAgent        string    `json:"user_agent"`
	Subject          string    `json:"subject,omitempty"`
	ConnectedAt      time.Time `json:"connected_at"`
	LastActivity     time.Time `json:"last_activity"`
	MessagesSent     int64     `json:"messages_sent"`
	MessagesReceived int64     `json:"messages_received"`
	Topics           []string  `json:"topics,omitempty"`
}
