package model

import "time"

// HubStats is the document served on /stats.
type HubStats struct {
	Global   GlobalStats    `json:"global"`
	Channels []ChannelStats `json:"channels,omitempty"`
}

type GlobalStats struct {
	Clients               int64         `json:"clients"`
	BroadcastedEvents     uint64        `json:"broadcasted_events"`
	ChannelConnects       uint64        `json:"channel_connects"`
	ChannelDisconnects    uint64        `json:"channel_disconnects"`
	ChannelClientErrors   uint64        `json:"channel_client_errors"`
	RouterReadErrors      uint64        `json:"router_read_errors"`
	InvalidHTTPRequests   uint64        `json:"invalid_http_req"`
	OversizedHTTPRequests uint64        `json:"oversized_http_req"`
	InvalidEventsReceived uint64        `json:"invalid_events_rcv"`
	Channels              int           `json:"channels"`
	Uptime                time.Duration `json:"uptime_ns"`
}

type ChannelStats struct {
	ID                string       `json:"id"`
	Clients           int64        `json:"clients"`
	BroadcastedEvents uint64       `json:"broadcasted_events"`
	CachedEvents      int          `json:"cached_events"`
	CacheSize         int          `json:"cache_size"`
	CacheErrors       uint64       `json:"cache_errors"`
	TotalConnects     uint64       `json:"total_connects"`
	TotalDisconnects  uint64       `json:"total_disconnects"`
	ClientErrors      uint64       `json:"client_errors"`
	Shards            []ShardStats `json:"shards,omitempty"`
}

type ShardStats struct {
	ShardID     int    `json:"shard_id"`
	Clients     int64  `json:"clients"`
	Connects    uint64 `json:"connects"`
	Disconnects uint64 `json:"disconnects"`
	Errors      uint64 `json:"errors"`
}

// RouterStats are the dispatcher-level counters merged into GlobalStats.
type RouterStats struct {
	ReadErrors       uint64
	InvalidRequests  uint64
	OversizedRequest uint64
	InvalidEvents    uint64
}

// Merge folds channel counters into the global section.
func (s *HubStats) Merge(r RouterStats) {
	s.Global.RouterReadErrors = r.ReadErrors
	s.Global.InvalidHTTPRequests = r.InvalidRequests
	s.Global.OversizedHTTPRequests = r.OversizedRequest
	s.Global.InvalidEventsReceived = r.InvalidEvents
}
