package sessions

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a publish session.
type Status string

const (
	// StatusPendingRunner is the initial state: the session exists and a
	// token has been handed off, but no runner has attested yet.
	StatusPendingRunner Status = "pending-runner"
	// StatusRunnerAttested means a CI runner has proven its identity and is
	// bound to the session.
	StatusRunnerAttested Status = "runner-attested"
	// StatusProcessing means the runner is doing the actual publish work.
	StatusProcessing Status = "processing"
	// StatusCompleted, StatusFailed and StatusAborted are terminal.
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether no further transition is legal from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPendingRunner, StatusRunnerAttested, StatusProcessing,
		StatusCompleted, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// legalTransitions is the full transition table. Absence means illegal;
// there are no self-loops (a progress report that does not change state
// omits the status field entirely).
var legalTransitions = map[Status][]Status{
	StatusPendingRunner:  {StatusRunnerAttested, StatusFailed, StatusAborted},
	StatusRunnerAttested: {StatusProcessing, StatusFailed, StatusAborted},
	StatusProcessing:     {StatusCompleted, StatusFailed, StatusAborted},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RunContext identifies the external CI run bound to a session. The field
// set mirrors the identity claims a GitHub Actions OIDC token carries.
type RunContext struct {
	Repository string `json:"repository"`
	RunID      string `json:"runId"`
	RunAttempt string `json:"runAttempt,omitempty"`
	Workflow   string `json:"workflow,omitempty"`
	Ref        string `json:"ref,omitempty"`
	SHA        string `json:"sha,omitempty"`
	Actor      string `json:"actor,omitempty"`
}

// PublishSession is the unit of work tracked across the publish handoff.
// ID, UserID, ContentID and Nonce are immutable after creation; everything
// else is mutated through Store.Update.
type PublishSession struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	ContentID string `json:"contentId"`

	// Nonce is a random per-session value bound into every token issued
	// for this session. Verifiers compare it against the token's nonce so
	// a token from a different session lifecycle is rejected even if ids
	// collide.
	Nonce string `json:"nonce"`

	Status   Status `json:"status"`
	Progress int    `json:"progress"`
	Phase    string `json:"phase,omitempty"`
	Message  string `json:"message,omitempty"`

	ExternalRunContext *RunContext `json:"externalRunContext,omitempty"`

	Result json.RawMessage   `json:"result,omitempty"`
	Error  json.RawMessage   `json:"error,omitempty"`
	Meta   map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Version is the host write version backing conditional updates.
	// It is managed by the Store; callers never set it.
	Version int64 `json:"version"`
}
