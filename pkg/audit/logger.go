// Package audit records what the agent did and why as structured JSON
// lines: one event per state transition, execution or policy decision.
// The engine mirrors events into the document's Audit table best-effort;
// this log is the durable record.
package audit

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType categorises audit events.
type EventType string

const (
	EventCommand  EventType = "COMMAND"
	EventApproval EventType = "APPROVAL"
	EventExecute  EventType = "EXECUTE"
	EventPolicy   EventType = "POLICY"
	EventSystem   EventType = "SYSTEM"
)

// Event is one structured audit record.
type Event struct {
	ID        string    `json:"id"`
	DocID     string    `json:"docId,omitempty"`
	CmdID     string    `json:"cmdId,omitempty"`
	Type      EventType `json:"type"`
	Action    string    `json:"action"`
	Details   string    `json:"details,omitempty"`
	TxRef     string    `json:"txRef,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Logger records audit events.
type Logger interface {
	Record(ev Event)
}

type logger struct {
	mu     sync.Mutex
	writer io.Writer
	now    func() time.Time
}

// NewLogger writes to os.Stdout.
func NewLogger() Logger { return NewLoggerWithWriter(os.Stdout) }

// NewLoggerWithWriter allows injection for testing and custom sinks.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w, now: time.Now}
}

func (l *logger) Record(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	// Prefix for easy filtering alongside application logs.
	_, _ = l.writer.Write(append([]byte("AUDIT: "), append(raw, '\n')...))
}

// ISO renders a timestamp the way document tables expect.
func ISO(t time.Time) string { return t.UTC().Format(time.RFC3339) }
