package monitor

import "time"

// TurnEvent is a standardized observability packet broadcast whenever a
// user or assistant message moves through the pipeline. Any number of
// Monitor implementations (CLI, future web dashboard) can subscribe to
// the same stream without coupling to the orchestrator internals.
type TurnEvent struct {
	Timestamp   time.Time
	MessageType string // "USER" or "ASSISTANT"
	SessionID   string
	UserID      string
	Content     string
}

// Monitor defines the lifecycle and event consumption protocol for
// observability plugins.
type Monitor interface {
	// Start allocates display resources (e.g. opening a file handle).
	Start() error

	// Stop releases resources held by Start.
	Stop() error

	// OnEvent receives one turn-level observability event.
	OnEvent(evt TurnEvent)
}

// SetupEnvironment initializes the global structured logger at levelStr,
// prints the startup banner, and returns the default CLI monitor.
func SetupEnvironment(levelStr string) Monitor {
	SetupSlog(levelStr)
	PrintBanner()
	return NewCLIMonitor()
}
