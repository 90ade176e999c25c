// Package stream consumes the gateway's live event feed over WebSocket
// and dispatches platform events into the guard. The admin HTTP event
// endpoints remain available as a manual fallback; the stream is the
// primary ingestion path in production.
package stream

// Config holds configuration for the event stream consumer.
type Config struct {
	// Endpoints is a list of gateway WebSocket URLs to connect to
	// (with fallback rotation).
	Endpoints []string

	// Domains filters events to the listed federation member domains.
	// Empty means the gateway sends everything.
	Domains []string

	// Compress asks the gateway for zstd-compressed frames.
	Compress bool
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Compress: true,
	}
}
