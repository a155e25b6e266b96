package bus

// Session lifecycle topics.
const (
	TopicSessionConnected    = "session.connected"
	TopicSessionDisconnected = "session.disconnected"
	TopicSessionSwept        = "session.swept"
)

// SessionEvent is published on connect, disconnect, and janitor sweeps.
type SessionEvent struct {
	UserID    string // User ID
	SessionID string // Session ID
	Reason    string // "connected", "disconnected", or "idle"
}
