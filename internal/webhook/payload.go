package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/bborn/dispatch/internal/db"
)

// Callback types
const (
	TypeStarted   = "started"
	TypeProgress  = "progress"
	TypeCompleted = "completed"
	TypeError     = "error"
	TypeQuestion  = "question"
)

// ErrUnknownType is returned for a payload type outside the protocol.
var ErrUnknownType = errors.New("unknown callback type")

// TaskRef is a task id sent as a JSON string or number.
type TaskRef string

// UnmarshalJSON accepts "42" and 42.
func (t *TaskRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = TaskRef(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("taskId must be a string or number")
	}
	*t = TaskRef(n.String())
	return nil
}

// Matches reports whether the reference names taskID.
func (t TaskRef) Matches(taskID int64) bool {
	id, err := strconv.ParseInt(string(t), 10, 64)
	return err == nil && id == taskID
}

// Envelope holds the fields common to every callback.
type Envelope struct {
	Type      string  `json:"type"`
	SessionID string  `json:"sessionId"`
	TaskID    TaskRef `json:"taskId"`
}

// Callback is one decoded payload: *Started, *Progress, *Completed, *Failed or *Question.
type Callback interface {
	envelope() Envelope
}

func (e Envelope) envelope() Envelope { return e }

// Started is sent once the repository and branch are ready.
type Started struct {
	Envelope
	BranchName string `json:"branchName,omitempty"`
}

// Progress reports cumulative usage while the agent runs.
type Progress struct {
	Envelope
	Progress ProgressReport `json:"progress"`
}

// ProgressReport is the body of a progress callback.
type ProgressReport struct {
	Message      string `json:"message"`
	MessageCount int64  `json:"messageCount"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
}

// Usage returns the counters as stored on a session.
func (p ProgressReport) Usage() db.Usage {
	return db.Usage{MessageCount: p.MessageCount, InputTokens: p.InputTokens, OutputTokens: p.OutputTokens}
}

// Completed reports a successful run.
type Completed struct {
	Envelope
	Summary        string    `json:"summary"`
	Stats          *db.Usage `json:"stats,omitempty"`
	PullRequestURL string    `json:"pullRequestUrl,omitempty"`
}

// Failed reports a setup or agent failure.
type Failed struct {
	Envelope
	Error string `json:"error"`
}

// Question surfaces a clarifying question for a human.
type Question struct {
	Envelope
	Question string `json:"question"`
}

// Decode parses body into the payload type named by its "type" field.
func Decode(body []byte) (Callback, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode callback: %w", err)
	}

	var cb Callback
	switch env.Type {
	case TypeStarted:
		cb = &Started{}
	case TypeProgress:
		cb = &Progress{}
	case TypeCompleted:
		cb = &Completed{}
	case TypeError:
		cb = &Failed{}
	case TypeQuestion:
		cb = &Question{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err := json.Unmarshal(body, cb); err != nil {
		return nil, fmt.Errorf("decode %s callback: %w", env.Type, err)
	}
	return cb, nil
}
