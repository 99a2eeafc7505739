package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read. Inline file data URLs ride in frames.
	maxFrameBytes = 8 << 20 // 8 MiB

	// Messages included in history.initial on connect.
	initialHistoryLimit = 50
)

const (
	// Heartbeat defaults (overridable via GatewayConfig).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
