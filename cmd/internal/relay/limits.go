package relay

import "time"

const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message content length (runes).
	maxMessageChars = 4000

	// Max message ids accepted in one mark_read.
	maxMarkReadIDs = 500
)

const (
	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
