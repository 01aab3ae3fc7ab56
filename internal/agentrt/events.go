package agentrt

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// Event types consumed from the runtime.
const (
	EventMessageUpdated     = "message.updated"
	EventMessagePartUpdated = "message.part.updated"
	EventSessionIdle        = "session.idle"
	EventSessionStatus      = "session.status"
	EventSessionError       = "session.error"
)

// Event is a runtime event flattened to the fields the monitor needs.
type Event struct {
	Type         string
	SessionID    string
	MessageID    string
	PartID       string
	Role         string // "user" or "assistant", on message updates
	Text         string // Full text of a text part, on part updates
	InputTokens  int64
	OutputTokens int64
	Idle         bool // Session went idle
	Error        string
}

type wireEvent struct {
	Type       string `json:"type"`
	Properties struct {
		SessionID string `json:"sessionID"`
		Info      *struct {
			ID        string `json:"id"`
			SessionID string `json:"sessionID"`
			Role      string `json:"role"`
			Tokens    *struct {
				Input  int64 `json:"input"`
				Output int64 `json:"output"`
			} `json:"tokens"`
		} `json:"info"`
		Part *struct {
			ID        string `json:"id"`
			SessionID string `json:"sessionID"`
			MessageID string `json:"messageID"`
			Type      string `json:"type"`
			Text      string `json:"text"`
		} `json:"part"`
		Status *struct {
			Type string `json:"type"`
		} `json:"status"`
		Error *struct {
			Name string `json:"name"`
			Data struct {
				Message string `json:"message"`
			} `json:"data"`
		} `json:"error"`
	} `json:"properties"`
}

// parseEvent converts one SSE data payload. Events the monitor has no use
// for are reported as not ok.
func parseEvent(data []byte) (Event, bool) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, false
	}
	p := w.Properties
	ev := Event{Type: w.Type, SessionID: p.SessionID}

	switch w.Type {
	case EventMessageUpdated:
		if p.Info == nil {
			return Event{}, false
		}
		ev.SessionID = p.Info.SessionID
		ev.MessageID = p.Info.ID
		ev.Role = p.Info.Role
		if p.Info.Tokens != nil {
			ev.InputTokens = p.Info.Tokens.Input
			ev.OutputTokens = p.Info.Tokens.Output
		}
	case EventMessagePartUpdated:
		if p.Part == nil || p.Part.Type != "text" {
			return Event{}, false
		}
		ev.SessionID = p.Part.SessionID
		ev.MessageID = p.Part.MessageID
		ev.PartID = p.Part.ID
		ev.Text = p.Part.Text
	case EventSessionIdle:
		ev.Idle = true
	case EventSessionStatus:
		if p.Status == nil {
			return Event{}, false
		}
		ev.Idle = p.Status.Type == "idle"
	case EventSessionError:
		ev.Error = "agent session error"
		if p.Error != nil {
			switch {
			case p.Error.Data.Message != "":
				ev.Error = p.Error.Data.Message
			case p.Error.Name != "":
				ev.Error = p.Error.Name
			}
		}
	default:
		return Event{}, false
	}
	return ev, ev.SessionID != ""
}

// sseScanner reads the data payload of each server-sent event.
type sseScanner struct {
	reader *bufio.Reader
	data   string
}

func newSSEScanner(r io.Reader) *sseScanner {
	return &sseScanner{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Next advances to the next event carrying data. It returns false at end of stream.
func (s *sseScanner) Next() bool {
	var lines []string
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			if len(lines) > 0 {
				s.data = strings.Join(lines, "\n")
				return true
			}
			return false
		}
		line = strings.TrimRight(line, "\r\n")

		// Blank line ends an event
		if line == "" {
			if len(lines) > 0 {
				s.data = strings.Join(lines, "\n")
				return true
			}
			continue
		}
		if value, ok := strings.CutPrefix(line, "data:"); ok {
			lines = append(lines, strings.TrimPrefix(value, " "))
		}
		if err != nil {
			// Partial last line before EOF
			s.data = strings.Join(lines, "\n")
			return len(lines) > 0
		}
	}
}

// Data returns the current event's payload.
func (s *sseScanner) Data() string {
	return s.data
}
