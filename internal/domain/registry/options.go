package registry

import "time"

// hubConfig holds the knobs shared by every channel of a hub.
type hubConfig struct {
	shards         int
	pingInterval   time.Duration
	mailboxSize    int
	allowUndefined bool
	defaults       ChannelSettings
}

// Option defines a functional configuration type for the Hub.
type Option func(*Hub)

// WithShards sets how many shards (subscriber partitions) each channel runs.
func WithShards(n int) Option {
	return func(h *Hub) {
		h.config.shards = n
	}
}

// WithPingInterval defines the keep-alive period. Zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(h *Hub) {
		h.config.pingInterval = d
	}
}

// WithMailboxSize sets the [BACKPRESSURE] threshold of each shard mailbox.
func WithMailboxSize(size int) Option {
	return func(h *Hub) {
		h.config.mailboxSize = size
	}
}

// WithUndefinedChannels lets publishers and subscribers create channels on first use.
func WithUndefinedChannels(allow bool) Option {
	return func(h *Hub) {
		h.config.allowUndefined = allow
	}
}

// WithDefaults is the policy given to channels created on first use.
func WithDefaults(s ChannelSettings) Option {
	return func(h *Hub) {
		h.config.defaults = s
	}
}
