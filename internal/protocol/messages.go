package protocol

import (
	"encoding/json"
	"fmt"
)

// Event names understood by the patterns:stream channel.
const (
	// Channel control events.
	EventJoin  = "phx_join"
	EventReply = "phx_reply"

	// Push events delivered without a pending request.
	EventPatternIndexed = "pattern_indexed"
	EventPatternMatched = "pattern_matched"
	EventAlgedonic      = "algedonic_pattern"
	EventInitialStats   = "initial_stats"
	EventStatsUpdate    = "stats_update"

	// Request events (correlated replies).
	EventQuerySimilar    = "query_similar"
	EventGetMonitoring   = "get_monitoring"
	EventClusterPatterns = "get_cluster_patterns"
)

// Reply statuses carried in phx_reply payloads.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Reply is the payload of a phx_reply envelope. The substantive result of the
// request lives under Response.
type Reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

// OK reports whether the reply carries status "ok".
func (r *Reply) OK() bool { return r.Status == StatusOK }

// ParseReply extracts the Reply payload from a phx_reply envelope.
func ParseReply(env *Envelope) (*Reply, error) {
	if env.Event != EventReply {
		return nil, fmt.Errorf("expected %s envelope, got %q", EventReply, env.Event)
	}
	var reply Reply
	if err := json.Unmarshal(env.Payload, &reply); err != nil {
		return nil, fmt.Errorf("parsing reply payload: %w", err)
	}
	return &reply, nil
}

// SimilarityQuery is the query_similar request payload.
type SimilarityQuery struct {
	Vector []float64 `json:"vector"`
	K      int       `json:"k"`
}

// SearchResult is one ranked hit from a similarity search.
type SearchResult struct {
	PatternID string  `json:"pattern_id"`
	Score     float64 `json:"score"`
}

// SearchResponse is the response section of a query_similar reply.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
}

// Health is the health section of a monitoring snapshot.
type Health struct {
	Status string `json:"status"`
}

// Monitoring is the response section of a get_monitoring reply. The metric
// and backpressure sections are schema-free and kept raw.
type Monitoring struct {
	PatternMetrics json.RawMessage `json:"pattern_metrics,omitempty"`
	Backpressure   json.RawMessage `json:"backpressure,omitempty"`
	Health         Health          `json:"health"`
}

// ClusterQuery is the get_cluster_patterns request payload.
type ClusterQuery struct {
	MinNodes int `json:"min_nodes"`
}

// ClusterPatterns is the response section of a get_cluster_patterns reply.
// On status "error" the server explains itself in Reason instead.
type ClusterPatterns struct {
	Patterns []json.RawMessage `json:"patterns,omitempty"`
	Reason   string            `json:"reason,omitempty"`
}

// Indexed is the payload of a pattern_indexed push.
type Indexed struct {
	Count        int `json:"count"`
	Deduplicated int `json:"deduplicated"`
}

// Matched is the payload of a pattern_matched push.
type Matched struct {
	PatternID  string  `json:"pattern_id"`
	Confidence float64 `json:"confidence"`
}

// Algedonic is the payload of an algedonic_pattern push — a high-priority
// anomaly signal.
type Algedonic struct {
	Type      string  `json:"type"`
	Intensity float64 `json:"intensity"`
}

// Stats is the payload of initial_stats and stats_update pushes.
type Stats struct {
	Stats json.RawMessage `json:"stats"`
}
