package types

import "strings"

// Topic name prefixes, convention <domain>-<key>
const (
	MarketTopicPrefix       = "market-"
	UserTopicPrefix         = "user-"
	NotificationTopicPrefix = "notifications-"
	PredictionTopicPrefix   = "predictions-"
)

// serverOwnedPrefixes may only be published to by in-process producers
var serverOwnedPrefixes = []string{
	MarketTopicPrefix,
	UserTopicPrefix,
	NotificationTopicPrefix,
	PredictionTopicPrefix,
}

func MarketTopic(symbol string) string {
	return MarketTopicPrefix + symbol
}

func UserTopic(userID string) string {
	return UserTopicPrefix + userID
}

func NotificationTopic(userID string) string {
	return NotificationTopicPrefix + userID
}

func PredictionTopic(model string) string {
	return PredictionTopicPrefix + model
}

// SymbolFromTopic returns the symbol of a market topic
func SymbolFromTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, MarketTopicPrefix) {
		return "", false
	}
	symbol := strings.TrimPrefix(topic, MarketTopicPrefix)
	return symbol, symbol != ""
}

// IsServerOwned reports whether only the server may publish to topic
func IsServerOwned(topic string) bool {
	for _, prefix := range serverOwnedPrefixes {
		if strings.HasPrefix(topic, prefix) {
			return true
		}
	}
	return false
}
