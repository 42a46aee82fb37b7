package types

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

const (
	// MaxPayloadBytes bounds a single inbound frame
	MaxPayloadBytes = 65536
	// MaxBatchTopics bounds the topics of one batch request; keep in step with the ControlMessage tag
	MaxBatchTopics = 500
)

var (
	topicRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]{1,128}$`)
	keyRegex   = regexp.MustCompile(`^[a-zA-Z0-9_.:-]{1,100}$`)
	validate   = validator.New()
)

// Request is a control message resolved onto the generic fan-out operations
type Request struct {
	Op     string
	Topics []string
	Event  string
	Data   json.RawMessage
	// Snapshot asks for the last cached market-data of each topic
	Snapshot bool
}

// DecodeControlMessage parses and structurally validates one inbound frame
func DecodeControlMessage(raw []byte) (*ControlMessage, error) {
	if len(raw) > MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	var msg ControlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := validate.Struct(&msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return &msg, nil
}

// Resolve maps a control message, including the domain aliases, to a Request
func (m *ControlMessage) Resolve() (*Request, error) {
	switch m.Type {
	case MessageTypeSubscribe, MessageTypeUnsubscribe:
		topic, err := m.singleTopic()
		if err != nil {
			return nil, err
		}
		return &Request{Op: m.Type, Topics: []string{topic}}, nil

	case MessageTypeSubscribeBatch, MessageTypeUnsubscribeBatch:
		if len(m.Topics) == 0 {
			return nil, ErrEmptyTopicList
		}
		for _, topic := range m.Topics {
			if !IsValidTopic(topic) {
				return nil, ErrInvalidTopic
			}
		}
		op := MessageTypeSubscribe
		if m.Type == MessageTypeUnsubscribeBatch {
			op = MessageTypeUnsubscribe
		}
		return &Request{Op: op, Topics: m.Topics}, nil

	case MessageTypePublish:
		topic, err := m.singleTopic()
		if err != nil {
			return nil, err
		}
		event := m.Event
		if event == "" {
			event = EventMessage
		}
		return &Request{Op: MessageTypePublish, Topics: []string{topic}, Event: event, Data: m.Data}, nil

	case MessageTypePing, MessageTypeGetStats:
		return &Request{Op: m.Type}, nil

	case MessageTypeJoinMarket, MessageTypeLeaveMarket:
		symbol, err := m.keyFromData()
		if err != nil {
			return nil, err
		}
		if m.Type == MessageTypeLeaveMarket {
			return &Request{Op: MessageTypeUnsubscribe, Topics: []string{MarketTopic(symbol)}}, nil
		}
		return &Request{Op: MessageTypeSubscribe, Topics: []string{MarketTopic(symbol)}, Snapshot: true}, nil

	case MessageTypeJoinUser:
		userID, err := m.keyFromData()
		if err != nil {
			return nil, err
		}
		return &Request{Op: MessageTypeSubscribe, Topics: []string{UserTopic(userID)}}, nil

	case MessageTypeSubscribeNotifications:
		userID, err := m.keyFromData()
		if err != nil {
			return nil, err
		}
		return &Request{Op: MessageTypeSubscribe, Topics: []string{NotificationTopic(userID)}}, nil

	case MessageTypeSubscribePredictions:
		model, err := m.keyFromData()
		if err != nil {
			return nil, err
		}
		return &Request{Op: MessageTypeSubscribe, Topics: []string{PredictionTopic(model)}}, nil

	case MessageTypeBatchSubscribe, MessageTypeBatchUnsubscribe:
		var symbols []string
		if err := json.Unmarshal(m.Data, &symbols); err != nil || len(symbols) == 0 {
			return nil, ErrEmptyTopicList
		}
		topics := make([]string, 0, len(symbols))
		for _, symbol := range symbols {
			if !keyRegex.MatchString(symbol) {
				return nil, ErrInvalidTopic
			}
			topics = append(topics, MarketTopic(symbol))
		}
		if m.Type == MessageTypeBatchUnsubscribe {
			return &Request{Op: MessageTypeUnsubscribe, Topics: topics}, nil
		}
		return &Request{Op: MessageTypeSubscribe, Topics: topics, Snapshot: true}, nil

	default:
		return nil, ErrInvalidMessageType
	}
}

func (m *ControlMessage) singleTopic() (string, error) {
	if m.Topic == "" {
		return "", ErrMissingTopic
	}
	if !IsValidTopic(m.Topic) {
		return "", ErrInvalidTopic
	}
	return m.Topic, nil
}

// keyFromData reads the alias key (symbol, user ID, model) from a JSON string
// payload, falling back to the topic field.
func (m *ControlMessage) keyFromData() (string, error) {
	var key string
	if len(m.Data) > 0 {
		if err := json.Unmarshal(m.Data, &key); err != nil {
			return "", ErrInvalidPayload
		}
	} else {
		key = m.Topic
	}
	if !keyRegex.MatchString(key) {
		return "", ErrInvalidTopic
	}
	return key, nil
}

// IsValidTopic checks the topic name format
func IsValidTopic(topic string) bool {
	return topicRegex.MatchString(topic)
}
