package hub

import (
	"sort"

	"tickstream/pkg/types"
)

// Stats returns a point-in-time snapshot of the hub counters
func (h *Hub) Stats() types.ConnectionStats {
	h.peersMu.RLock()
	active := len(h.peers)
	h.peersMu.RUnlock()

	stats := types.ConnectionStats{
		TotalConnections:  h.totalConnections.Load(),
		ActiveConnections: int64(active),
		MessagesSent:      h.messagesSent.Load(),
		MessagesReceived:  h.messagesReceived.Load(),
		Errors:            h.errorCount.Load(),
		RejectedHandshake: h.rejectedHandshake.Load(),
		ActiveTopics:      h.registry.TopicCount(),
	}
	if h.limiter != nil {
		stats.RateLimitWindows = h.limiter.Len()
	}
	return stats
}

// TopicSizes returns subscriber counts per active topic
func (h *Hub) TopicSizes() map[string]int {
	return h.registry.Sizes()
}

// Sessions describes every open connection, ordered by connect time
func (h *Hub) Sessions() []types.SessionInfo {
	peers := h.snapshotPeers()
	sessions := make([]types.SessionInfo, 0, len(peers))
	for _, peer := range peers {
		info := peer.Info()
		info.Topics = h.registry.TopicsOf(info.ID)
		sessions = append(sessions, info)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ConnectedAt.Before(sessions[j].ConnectedAt)
	})
	return sessions
}

// LastMarketData returns the cached market-update payload for symbol
func (h *Hub) LastMarketData(symbol string) ([]byte, bool) {
	h.lastMu.RLock()
	defer h.lastMu.RUnlock()
	data, ok := h.lastMarket[symbol]
	return data, ok
}

// Session describes one open connection
func (h *Hub) Session(id string) (types.SessionInfo, bool) {
	h.peersMu.RLock()
	peer, ok := h.peers[id]
	h.peersMu.RUnlock()
	if !ok {
		return types.SessionInfo{}, false
	}
	info := peer.Info()
	info.Topics = h.registry.TopicsOf(id)
	return info, true
}
