// Package monitor follows a local agent session on the runtime's event stream
// and turns it into the same outcomes a sandbox reports through webhooks.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bborn/dispatch/internal/agentrt"
	"github.com/bborn/dispatch/internal/db"
)

// DefaultTimeout bounds a monitored session.
const DefaultTimeout = 30 * time.Minute

// EventSource provides the runtime's event stream.
type EventSource interface {
	Subscribe(ctx context.Context) (<-chan agentrt.Event, error)
}

// Progress is reported to the caller as the session advances.
type Progress struct {
	Usage    db.Usage
	Text     string // Latest assistant text
	Question bool   // Text reads as a clarifying question
	Final    bool   // Sent once when the session finishes successfully
}

// Result is the outcome of a monitored session.
type Result struct {
	Success  bool
	Summary  string
	Error    string
	Question bool // Summary is a question for a human
	Usage    db.Usage
}

// Options configures Monitor.
type Options struct {
	Timeout    time.Duration
	OnProgress func(Progress)
}

type messageState struct {
	role   string
	input  int64
	output int64
	parts  []string          // Part ids in arrival order
	texts  map[string]string // Part id to latest text
}

func (m *messageState) text() string {
	var b strings.Builder
	for _, id := range m.parts {
		if t := m.texts[id]; t != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(t)
		}
	}
	return strings.TrimSpace(b.String())
}

type tracker struct {
	messages map[string]*messageState
	order    []string
	lastRole string
	lastID   string
}

func newTracker() *tracker {
	return &tracker{messages: make(map[string]*messageState)}
}

func (t *tracker) message(id string) *messageState {
	m, ok := t.messages[id]
	if !ok {
		m = &messageState{texts: make(map[string]string)}
		t.messages[id] = m
		t.order = append(t.order, id)
	}
	return m
}

// usage sums per-message usage. Repeated updates for one message replace its
// counts, so a message streamed in several updates is counted once.
func (t *tracker) usage() db.Usage {
	u := db.Usage{MessageCount: int64(len(t.messages))}
	for _, m := range t.messages {
		u.InputTokens += m.input
		u.OutputTokens += m.output
	}
	return u
}

func (t *tracker) lastAssistantText() string {
	for i := len(t.order) - 1; i >= 0; i-- {
		m := t.messages[t.order[i]]
		if m.role == "assistant" {
			if text := m.text(); text != "" {
				return text
			}
		}
	}
	return ""
}

// Monitor follows session handle until it goes idle after an assistant
// message, reports an error, the stream ends, or the timeout passes.
// Cancelling ctx stops it with a failed result.
func Monitor(ctx context.Context, source EventSource, handle string, opts Options) Result {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	events, err := source.Subscribe(ctx)
	if err != nil {
		return Result{Error: fmt.Sprintf("subscribe to agent events: %v", err)}
	}

	t := newTracker()
	report := func(p Progress) {
		if opts.OnProgress != nil {
			opts.OnProgress(p)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Result{Error: fmt.Sprintf("Session timed out after %s", timeout), Usage: t.usage()}
			}
			return Result{Error: "Monitoring cancelled", Usage: t.usage()}

		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					events = nil
					continue
				}
				return Result{Error: "agent event stream closed before the session finished", Usage: t.usage()}
			}
			// The stream is shared by every session on the runtime
			if ev.SessionID != handle {
				continue
			}

			switch ev.Type {
			case agentrt.EventMessageUpdated:
				if ev.MessageID == "" {
					continue
				}
				m := t.message(ev.MessageID)
				m.role = ev.Role
				m.input = ev.InputTokens
				m.output = ev.OutputTokens
				t.lastRole = ev.Role
				t.lastID = ev.MessageID

				text := t.lastAssistantText()
				report(Progress{Usage: t.usage(), Text: text, Question: ev.Role == "assistant" && IsQuestion(text)})

			case agentrt.EventMessagePartUpdated:
				if ev.MessageID == "" || ev.PartID == "" {
					continue
				}
				m := t.message(ev.MessageID)
				if _, seen := m.texts[ev.PartID]; !seen {
					m.parts = append(m.parts, ev.PartID)
				}
				m.texts[ev.PartID] = ev.Text

			case agentrt.EventSessionIdle, agentrt.EventSessionStatus:
				if !ev.Idle {
					continue
				}
				// Idle right after a user message means the agent has not answered yet
				if t.lastRole != "assistant" {
					continue
				}
				summary := t.lastAssistantText()
				question := IsQuestion(summary)
				usage := t.usage()
				report(Progress{Usage: usage, Text: summary, Question: question, Final: true})
				return Result{Success: true, Summary: summary, Question: question, Usage: usage}

			case agentrt.EventSessionError:
				return Result{Error: ev.Error, Usage: t.usage()}
			}
		}
	}
}

var questionPhrases = []string{
	"would you like",
	"should i ",
	"do you want",
	"can you clarify",
	"could you clarify",
	"please confirm",
	"let me know",
	"which one",
	"what would you prefer",
}

// IsQuestion reports whether text reads as a clarifying question rather than a summary.
func IsQuestion(text string) bool {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return false
	}
	if strings.Contains(text, "?") {
		return true
	}
	for _, p := range questionPhrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
