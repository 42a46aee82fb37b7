package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_DomainAliases(t *testing.T) {
	testCases := []struct {
		name     string
		raw      string
		op       string
		topics   []string
		snapshot bool
	}{
		{"join-market", `{"type":"join-market","data":"NIFTY50"}`, MessageTypeSubscribe, []string{"market-NIFTY50"}, true},
		{"leave-market", `{"type":"leave-market","data":"NIFTY50"}`, MessageTypeUnsubscribe, []string{"market-NIFTY50"}, false},
		{"join-user", `{"type":"join-user","data":"u1"}`, MessageTypeSubscribe, []string{"user-u1"}, false},
		{"notifications", `{"type":"subscribe-notifications","data":"u1"}`, MessageTypeSubscribe, []string{"notifications-u1"}, false},
		{"predictions", `{"type":"subscribe-predictions","data":"kronos"}`, MessageTypeSubscribe, []string{"predictions-kronos"}, false},
		{"batch-subscribe", `{"type":"batch-subscribe","data":["A","B"]}`, MessageTypeSubscribe, []string{"market-A", "market-B"}, true},
		{"batch-unsubscribe", `{"type":"batch-unsubscribe","data":["A"]}`, MessageTypeUnsubscribe, []string{"market-A"}, false},
		{"subscribe", `{"type":"subscribe","topic":"chat-room1"}`, MessageTypeSubscribe, []string{"chat-room1"}, false},
		{"subscribe-batch", `{"type":"subscribe-batch","topics":["a","b"]}`, MessageTypeSubscribe, []string{"a", "b"}, false},
		{"unsubscribe-batch", `{"type":"unsubscribe-batch","topics":["a"]}`, MessageTypeUnsubscribe, []string{"a"}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := DecodeControlMessage([]byte(tc.raw))
			require.NoError(t, err)
			req, err := msg.Resolve()
			require.NoError(t, err)
			assert.Equal(t, tc.op, req.Op)
			assert.Equal(t, tc.topics, req.Topics)
			assert.Equal(t, tc.snapshot, req.Snapshot)
		})
	}
}

func TestResolve_Rejections(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
		err  error
	}{
		{"unknown type", `{"type":"explode"}`, ErrInvalidMessageType},
		{"subscribe without topic", `{"type":"subscribe"}`, ErrMissingTopic},
		{"bad topic chars", `{"type":"subscribe","topic":"a b"}`, ErrInvalidTopic},
		{"empty batch", `{"type":"subscribe-batch","topics":[]}`, ErrEmptyTopicList},
		{"alias with object data", `{"type":"join-market","data":{"x":1}}`, ErrInvalidPayload},
		{"batch-subscribe no symbols", `{"type":"batch-subscribe","data":[]}`, ErrEmptyTopicList},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := DecodeControlMessage([]byte(tc.raw))
			require.NoError(t, err)
			_, err = msg.Resolve()
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestDecodeControlMessage_Malformed(t *testing.T) {
	_, err := DecodeControlMessage([]byte(`{not json`))
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = DecodeControlMessage([]byte(`{"topic":"x"}`))
	assert.ErrorIs(t, err, ErrMalformedMessage, "type is required")

	big := make([]byte, MaxPayloadBytes+1)
	_, err = DecodeControlMessage(big)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestResolve_PublishDefaultsEvent(t *testing.T) {
	msg, err := DecodeControlMessage([]byte(`{"type":"publish","topic":"chat-1","data":{"text":"hi"}}`))
	require.NoError(t, err)
	req, err := msg.Resolve()
	require.NoError(t, err)
	assert.Equal(t, EventMessage, req.Event)
	assert.JSONEq(t, `{"text":"hi"}`, string(req.Data))
}

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(EventMarketUpdate, MarketTopic("NIFTY50"), MarketData{Symbol: "NIFTY50", Price: 21500.25})
	require.NoError(t, err)
	data, err := env.Encode()
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, EventMarketUpdate, decoded.Type)
	assert.Equal(t, "market-NIFTY50", decoded.Topic)
	assert.NotZero(t, decoded.Timestamp)

	_, err = NewEnvelope(EventMessage, "x", []byte("{bad"))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestTopicHelpers(t *testing.T) {
	symbol, ok := SymbolFromTopic("market-BANKNIFTY")
	assert.True(t, ok)
	assert.Equal(t, "BANKNIFTY", symbol)

	_, ok = SymbolFromTopic("predictions-x")
	assert.False(t, ok)

	assert.True(t, IsServerOwned("market-NIFTY50"))
	assert.True(t, IsServerOwned("notifications-u1"))
	assert.False(t, IsServerOwned("chat-lobby"))
}
