package monitor

import (
	"fmt"
	"io"
	"os"
)

// CLIMonitor implements Monitor with a direct terminal visualization of
// every turn flowing through the gateway.
type CLIMonitor struct {
	writer io.Writer
}

// NewCLIMonitor creates a new CLI monitor writing to stdout.
func NewCLIMonitor() *CLIMonitor {
	return &CLIMonitor{
		writer: os.Stdout,
	}
}

func (m *CLIMonitor) Start() error {
	fmt.Fprintln(m.writer, "----------------------------------------------------------------")
	fmt.Fprintln(m.writer, "CLI monitor active - turn events will appear here")
	fmt.Fprintln(m.writer, "----------------------------------------------------------------")
	return nil
}

func (m *CLIMonitor) Stop() error {
	return nil
}

func (m *CLIMonitor) OnEvent(evt TurnEvent) {
	timestamp := evt.Timestamp.Format("2006-01-02 15:04:05")

	var displayMsg string
	if evt.MessageType == "ASSISTANT" {
		displayMsg = fmt.Sprintf("[assistant] %s", evt.Content)
	} else {
		displayMsg = fmt.Sprintf("[%s/%s] %s", evt.SessionID, evt.UserID, evt.Content)
	}

	fmt.Fprintf(m.writer, "\033[90m[%s]\033[0m %s\n", timestamp, displayMsg)
}
